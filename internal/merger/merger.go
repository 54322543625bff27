// Package merger implements the Merger (C6): the public surface a
// curator-facing UI or batch job drives to inspect and resolve
// candidate duplicates. Grounded on the FHIR Patient/$merge
// implementation's MDMService shape
// (other_examples/ebfc7221_...merge_op.go: Merge/Unmerge/
// GetGoldenRecord/survivorship), adapted from a single-resource
// $merge endpoint into the full candidate-review surface the spec
// describes.
package merger

import (
	"context"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

// Events are lifecycle hooks a host fires around merge/unmerge so
// subscribers can veto or react (§4.2.5, §4.5). Returning
// mdmerr.ErrEventCancelled from a "-ing" hook aborts the operation
// before anything is committed.
type Events interface {
	Merging(ctx context.Context, survivor, merged model.Key) error
	Merged(ctx context.Context, survivor, merged model.Key)
	UnMerging(ctx context.Context, survivor, merged model.Key) error
	UnMerged(ctx context.Context, survivor, merged model.Key)
}

// NoopEvents is an Events implementation that never cancels, for
// hosts with no subscribers wired.
type NoopEvents struct{}

func (NoopEvents) Merging(context.Context, model.Key, model.Key) error   { return nil }
func (NoopEvents) Merged(context.Context, model.Key, model.Key)         {}
func (NoopEvents) UnMerging(context.Context, model.Key, model.Key) error { return nil }
func (NoopEvents) UnMerged(context.Context, model.Key, model.Key)       {}

var _ Events = NoopEvents{}

// Candidate is a single still-open merge or ignore candidate surfaced
// to a curator: another MASTER, and the strongest strength seen
// across the constituent LOCALs that nominated it.
type Candidate struct {
	MasterKey model.Key
	Strength  float64
}

// Merger is the Merger's concrete implementation.
type Merger struct {
	Manager   *datamgr.Manager
	Store     mdmrepo.Store
	Persister mdmrepo.BundlePersister
	Enforcer  policy.Enforcer
	Events    Events
}

// GetMergeCandidates lists every other MASTER still linked as a
// Candidate to one of masterKey's constituent LOCALs (§4.2.5
// "review").
func (mg *Merger) GetMergeCandidates(ctx context.Context, masterKey model.Key) ([]Candidate, error) {
	return mg.candidatesByType(ctx, masterKey, mdmconst.Candidate)
}

// GetIgnored lists every MASTER a curator has permanently ignored for
// masterKey (§4.2.4).
func (mg *Merger) GetIgnored(ctx context.Context, masterKey model.Key) ([]Candidate, error) {
	return mg.candidatesByType(ctx, masterKey, mdmconst.IgnoreCandidate)
}

func (mg *Merger) candidatesByType(ctx context.Context, masterKey model.Key, rt mdmconst.RelationshipType) ([]Candidate, error) {
	locals, err := mg.Manager.LocalsOf(ctx, masterKey)
	if err != nil {
		return nil, mdmerr.Wrap(masterKey, err)
	}

	best := make(map[model.Key]float64)
	for _, l := range locals {
		rels, err := mg.Store.QueryRelationships(ctx, mdmrepo.Query{
			Fields: []mdmrepo.QueryField{{Path: "source", Value: l}},
		})
		if err != nil {
			return nil, mdmerr.Wrap(masterKey, err)
		}
		for _, rel := range rels {
			if rel.RelationshipType != rt || !rel.IsCurrent() {
				continue
			}
			s := 0.0
			if rel.Strength != nil {
				s = *rel.Strength
			}
			if cur, ok := best[rel.TargetKey]; !ok || s > cur {
				best[rel.TargetKey] = s
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for mk, s := range best {
		out = append(out, Candidate{MasterKey: mk, Strength: s})
	}
	return out, nil
}

// Merge folds merged into survivor (§4.2.5), firing Merging/Merged
// around a single committed transaction.
func (mg *Merger) Merge(ctx context.Context, principal mdmrepo.Principal, survivor, merged model.Key) error {
	if err := mg.Events.Merging(ctx, survivor, merged); err != nil {
		return mdmerr.Wrap(merged, err)
	}

	tx := datamgr.NewTx()
	if err := mg.Manager.MdmTxMergeMasters(ctx, mg.Enforcer, principal, tx, survivor, merged); err != nil {
		return err
	}
	if _, err := mg.Manager.Commit(ctx, mg.Persister, tx); err != nil {
		return err
	}

	mg.Events.Merged(ctx, survivor, merged)
	return nil
}

// Unmerge reverses a prior Merge (§9).
func (mg *Merger) Unmerge(ctx context.Context, principal mdmrepo.Principal, survivor, merged model.Key) error {
	if err := mg.Events.UnMerging(ctx, survivor, merged); err != nil {
		return mdmerr.Wrap(merged, err)
	}

	tx := datamgr.NewTx()
	if err := mg.Manager.MdmTxUnmergeMasters(ctx, mg.Enforcer, principal, tx, survivor, merged); err != nil {
		return err
	}
	if _, err := mg.Manager.Commit(ctx, mg.Persister, tx); err != nil {
		return err
	}

	mg.Events.UnMerged(ctx, survivor, merged)
	return nil
}

// Ignore permanently dismisses masterKey as a candidate for localKey
// (§4.2.4).
func (mg *Merger) Ignore(ctx context.Context, localKey, masterKey model.Key) error {
	tx := datamgr.NewTx()
	if err := mg.Manager.MdmTxIgnoreCandidate(ctx, tx, localKey, masterKey); err != nil {
		return err
	}
	_, err := mg.Manager.Commit(ctx, mg.Persister, tx)
	return err
}

// UnIgnore reverses Ignore (§4.2.4).
func (mg *Merger) UnIgnore(ctx context.Context, localKey, masterKey model.Key) error {
	tx := datamgr.NewTx()
	if err := mg.Manager.MdmTxUnIgnoreCandidate(ctx, tx, localKey, masterKey); err != nil {
		return err
	}
	_, err := mg.Manager.Commit(ctx, mg.Persister, tx)
	return err
}

// ClearMergeCandidates marks every current Candidate edge out of
// localKey for deletion without creating a replacement, used when a
// curator wants a clean slate before a manual review.
func (mg *Merger) ClearMergeCandidates(ctx context.Context, localKey model.Key) error {
	return mg.clearRelationships(ctx, localKey, mdmconst.Candidate)
}

// ClearIgnoreFlags marks every current IgnoreCandidate edge out of
// localKey for deletion, allowing every previously ignored MASTER to
// re-enter consideration on the next match pass.
func (mg *Merger) ClearIgnoreFlags(ctx context.Context, localKey model.Key) error {
	return mg.clearRelationships(ctx, localKey, mdmconst.IgnoreCandidate)
}

func (mg *Merger) clearRelationships(ctx context.Context, localKey model.Key, rt mdmconst.RelationshipType) error {
	rels, err := mg.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
	})
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}

	tx := datamgr.NewTx()
	for i := range rels {
		if rels[i].RelationshipType == rt && rels[i].IsCurrent() {
			cp := rels[i]
			cp.MarkDelete()
			tx.EmitRelationship(&cp)
		}
	}
	_, err = mg.Manager.Commit(ctx, mg.Persister, tx)
	return err
}

// Reset discards every Candidate/IgnoreCandidate edge out of localKey
// and re-runs match-and-link from a clean slate (§4.2.1).
func (mg *Merger) Reset(ctx context.Context, localKey model.Key) error {
	rec, err := mg.Store.GetRecord(ctx, localKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}

	tx := datamgr.NewTx()
	for _, rt := range []mdmconst.RelationshipType{mdmconst.Candidate, mdmconst.IgnoreCandidate} {
		rels, err := mg.Store.QueryRelationships(ctx, mdmrepo.Query{
			Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
		})
		if err != nil {
			return mdmerr.Wrap(localKey, err)
		}
		for i := range rels {
			if rels[i].RelationshipType == rt && rels[i].IsCurrent() {
				cp := rels[i]
				cp.MarkDelete()
				tx.EmitRelationship(&cp)
			}
		}
	}

	if err := mg.Manager.MdmTxMatchMasters(ctx, tx, rec); err != nil {
		return err
	}
	_, err = mg.Manager.Commit(ctx, mg.Persister, tx)
	return err
}

// DetectGlobalMergeCandidates sweeps every MASTER of recordType and
// returns the distinct (survivor, candidate) pairs a batch-match job
// should surface for curator review, deduplicated so a pair only
// appears once regardless of which side nominated it first.
func (mg *Merger) DetectGlobalMergeCandidates(ctx context.Context, recordType string) ([][2]model.Key, error) {
	cursor, err := mg.Store.QueryRecords(ctx, mdmrepo.Query{Fields: []mdmrepo.QueryField{{Path: "type", Value: recordType}}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	seenPair := make(map[[2]model.Key]bool)
	var pairs [][2]model.Key
	for {
		rec, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if !rec.IsMaster() {
			continue
		}
		cands, err := mg.GetMergeCandidates(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			pair := orderedPair(rec.Key, c.MasterKey)
			if seenPair[pair] {
				continue
			}
			seenPair[pair] = true
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

func orderedPair(a, b model.Key) [2]model.Key {
	if a.String() <= b.String() {
		return [2]model.Key{a, b}
	}
	return [2]model.Key{b, a}
}
