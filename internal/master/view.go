// Package master implements the Master View (C2): a read-only,
// synthesized projection over a MASTER's attached LOCALs. It has no
// direct analogue in the teacher, which never needed a lazy
// read-through synthesis layer; it is modeled on the FHIR merge
// example's survivorship rules (field-by-field "most trusted wins")
// and on the teacher's types.Watcher lazy-snapshot style: nothing here
// is precomputed, every call re-derives the view from the current
// graph.
package master

import (
	"context"
	"sort"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

// View synthesizes the read-only Master View over a bipartite
// LOCAL/MASTER graph held in a Store.
type View struct {
	Store mdmrepo.Store
}

// Synthesize builds the projected Record for masterKey (§4.1): the
// Record-of-Truth wins every field when one is attached and active;
// otherwise fields are sourced from the most recently created
// attached LOCAL, with identifiers merged (deduplicated) across every
// attached LOCAL regardless of which one supplied the rest of the
// fields.
func (v *View) Synthesize(ctx context.Context, masterKey model.Key) (*model.Record, error) {
	masterRec, err := v.Store.GetRecord(ctx, masterKey)
	if err != nil {
		return nil, err
	}
	if !masterRec.IsMaster() {
		return nil, mdmerr.Precondition(masterKey, "Synthesize target is not a MASTER")
	}

	locals, err := v.attachedLocals(ctx, masterKey)
	if err != nil {
		return nil, err
	}

	view := &model.Record{
		Key:        masterKey,
		Class:      masterRec.Class,
		Determiner: masterRec.Determiner,
		Status:     masterRec.Status,
		CreatedAt:  masterRec.CreatedAt,
	}
	if len(locals) == 0 {
		return view, nil
	}

	source := pickSourceOfTruth(locals)
	view.Type = source.Type
	view.Names = source.Names
	view.Addresses = source.Addresses
	view.Telecoms = source.Telecoms
	view.Notes = source.Notes
	view.Participations = source.Participations
	view.LanguageCommunication = source.LanguageCommunication
	view.Provenance = source.Provenance

	for _, l := range locals {
		view.MergeIdentifiers(l.Identifiers)
	}

	return view, nil
}

// pickSourceOfTruth selects the record that supplies every
// non-identifier field: an active Record-of-Truth if one is present
// among locals, else the most recently created LOCAL (§4.1).
func pickSourceOfTruth(locals []*model.Record) *model.Record {
	for _, l := range locals {
		if l.IsRecordOfTruth() && l.Status == model.StatusActive {
			return l
		}
	}
	sorted := make([]*model.Record, len(locals))
	copy(sorted, locals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0]
}

// attachedLocals returns every LOCAL (and the RoT, which is itself
// modeled as a LOCAL with a RecordOfTruth determiner) with a current
// MasterRecord relationship to masterKey, plus any record reachable
// via a current MasterRecordOfTruth pointer.
func (v *View) attachedLocals(ctx context.Context, masterKey model.Key) ([]*model.Record, error) {
	rels, err := v.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "target", Value: masterKey}},
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[model.Key]bool)
	var out []*model.Record
	for _, rel := range rels {
		if !rel.IsCurrent() {
			continue
		}
		if rel.RelationshipType != mdmconst.MasterRecord {
			continue
		}
		if seen[rel.SourceKey] {
			continue
		}
		rec, err := v.Store.GetRecord(ctx, rel.SourceKey)
		if err != nil {
			return nil, err
		}
		seen[rel.SourceKey] = true
		out = append(out, rec)
	}

	selfRels, err := v.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: masterKey}},
	})
	if err != nil {
		return nil, err
	}
	for _, rel := range selfRels {
		if rel.IsCurrent() && rel.RelationshipType == mdmconst.MasterRecordOfTruth && !seen[rel.TargetKey] {
			rec, err := v.Store.GetRecord(ctx, rel.TargetKey)
			if err != nil {
				return nil, err
			}
			seen[rel.TargetKey] = true
			out = append(out, rec)
		}
	}

	return out, nil
}

// RejectDirectWrite enforces that a caller attempting to persist
// straight onto a MASTER — rather than through a LOCAL and
// match-and-link — holds the WriteMaster policy (§4.1 "write
// rejection").
func RejectDirectWrite(ctx context.Context, enforcer policy.Enforcer, principal mdmrepo.Principal, masterKey model.Key) error {
	if err := enforcer.Demand(ctx, policy.WriteMaster, principal); err != nil {
		return mdmerr.Wrap(masterKey, err)
	}
	return nil
}
