// Package query implements the Query Synthesizer (C5): it recognizes
// the $mdm.type tag on an inbound query, rewrites LOCAL-space
// predicates into a MASTER-space result set, and lazily projects each
// matching MASTER through the Master View. Grounded on
// resolver.go's cursor-based, non-buffering SelectMany pattern in the
// teacher (it never materializes the whole result set before paging).
package query

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/model"
)

// Synthesizer rewrites queries tagged with $mdm.type and projects
// matching MASTERs through a master.View (§4.4).
type Synthesizer struct {
	Store mdmrepo.Store
	View  *master.View
}

// Search executes q and returns records in MASTER space unless q is
// explicitly tagged $mdm.type=L, in which case raw LOCALs are
// returned untouched (§4.4).
func (s *Synthesizer) Search(ctx context.Context, q mdmrepo.Query) ([]*model.Record, error) {
	wantType, explicit := typeOf(q)
	if explicit && wantType == mdmconst.MdmTypeLocal {
		return s.searchLocals(ctx, q)
	}
	return s.searchMasters(ctx, q)
}

// typeOf extracts a $mdm.type predicate from q's field list, if
// present.
func typeOf(q mdmrepo.Query) (mdmconst.MdmType, bool) {
	for _, f := range q.Fields {
		if f.Path == mdmconst.TagMdmType {
			if s, ok := f.Value.(string); ok {
				return mdmconst.MdmType(s), true
			}
		}
	}
	return "", false
}

// withoutTypeTag strips the synthetic $mdm.type predicate before
// handing the query to storage, which has no notion of it.
func withoutTypeTag(q mdmrepo.Query) mdmrepo.Query {
	out := q
	out.Fields = nil
	for _, f := range q.Fields {
		if f.Path != mdmconst.TagMdmType {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

func (s *Synthesizer) searchLocals(ctx context.Context, q mdmrepo.Query) ([]*model.Record, error) {
	cursor, err := s.Store.QueryRecords(ctx, withoutTypeTag(q))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.Record
	for {
		rec, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if rec.IsMaster() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// searchMasters runs q in LOCAL space (the predicate is always
// authored against the constituent data, per §4.4), then lazily
// projects each distinct MASTER reached through a current
// MasterRecord edge, applying q's Skip/Take to the deduplicated
// MASTER sequence rather than the raw LOCAL matches.
func (s *Synthesizer) searchMasters(ctx context.Context, q mdmrepo.Query) ([]*model.Record, error) {
	raw := withoutTypeTag(q)
	raw.Skip, raw.Take = 0, 0
	cursor, err := s.Store.QueryRecords(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	seen := make(map[model.Key]bool)
	var masterKeys []model.Key
	for {
		rec, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if rec.IsMaster() {
			if !seen[rec.Key] {
				seen[rec.Key] = true
				masterKeys = append(masterKeys, rec.Key)
			}
			continue
		}
		mk, ok, err := s.masterOf(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		if !ok || seen[mk] {
			continue
		}
		seen[mk] = true
		masterKeys = append(masterKeys, mk)
	}

	masterKeys = paginate(masterKeys, q.Skip, q.Take)

	out := make([]*model.Record, 0, len(masterKeys))
	for _, mk := range masterKeys {
		view, err := s.View.Synthesize(ctx, mk)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func paginate(keys []model.Key, skip, take int) []model.Key {
	if skip > 0 {
		if skip >= len(keys) {
			return nil
		}
		keys = keys[skip:]
	}
	if take > 0 && take < len(keys) {
		keys = keys[:take]
	}
	return keys
}

func (s *Synthesizer) masterOf(ctx context.Context, localKey model.Key) (model.Key, bool, error) {
	rels, err := s.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
	})
	if err != nil {
		return model.Key{}, false, err
	}
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.MasterRecord && rel.IsCurrent() {
			return rel.TargetKey, true, nil
		}
	}
	return model.Key{}, false, nil
}
