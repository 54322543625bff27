package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

// tagMergedInto is the Record tag recording which survivor a retired
// MASTER was folded into, the basis of both the merge audit trail and
// MdmTxUnmergeMasters (§12 supplemented feature; §9 open question on
// Unmerge semantics).
const tagMergedInto = "$mdm.merged-into"

// MdmTxMergeMasters folds mergedKey into survivorKey (§4.2.5): every
// LOCAL currently attached to mergedKey is re-pointed to survivorKey,
// preserving its classification, with an OriginalMaster pointer left
// behind at mergedKey for provenance; mergedKey itself is retired with
// a Replaces edge to survivorKey and an audit tag recording the fold.
// Both keys must already be MASTERs — merging a LOCAL is a
// precondition violation (§4.2 preconditions).
func (m *Manager) MdmTxMergeMasters(ctx context.Context, enforcer policy.Enforcer, principal mdmrepo.Principal, tx *Tx, survivorKey, mergedKey model.Key) error {
	if err := enforcer.Demand(ctx, policy.MergeRecords, principal); err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}
	if survivorKey == mergedKey {
		return mdmerr.Wrap(mergedKey, mdmerr.Precondition(mergedKey, "cannot merge a master into itself"))
	}
	if err := m.checkBothMasters(ctx, survivorKey, mergedKey); err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}

	locals, err := m.localsOf(ctx, mergedKey)
	if err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}
	for _, l := range locals {
		if err := m.reattachMergedLocal(ctx, tx, l, mergedKey, survivorKey); err != nil {
			return mdmerr.Wrap(l, err)
		}
	}

	if err := m.transferRecordOfTruth(ctx, tx, mergedKey, survivorKey); err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}

	mergedRec, err := m.Store.GetRecord(ctx, mergedKey)
	if err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}
	mergedRec.Status = model.StatusObsolete
	mergedRec.SetTag(tagMergedInto, survivorKey.String())
	tx.EmitRecord(mergedRec)

	replaces := model.Of(survivorKey, mergedKey, mdmconst.Replaces, mdmconst.System)
	tx.EmitRelationship(&replaces)
	return nil
}

func (m *Manager) checkBothMasters(ctx context.Context, a, b model.Key) error {
	for _, k := range []model.Key{a, b} {
		isMaster, err := m.IsMaster(ctx, k)
		if err != nil {
			return err
		}
		if !isMaster {
			return mdmerr.Precondition(k, "merge participant is not a MASTER")
		}
	}
	return nil
}

func (m *Manager) reattachMergedLocal(ctx context.Context, tx *Tx, localKey, from, to model.Key) error {
	rel, err := m.currentRelationship(ctx, tx, localKey, from, mdmconst.MasterRecord)
	if err != nil {
		return err
	}
	if rel == nil {
		return nil
	}
	class := rel.Classification
	rel.MarkDelete()
	tx.EmitRelationship(rel)

	om := model.Of(localKey, from, mdmconst.OriginalMaster, mdmconst.System)
	tx.EmitRelationship(&om)

	newRel := model.Of(localKey, to, mdmconst.MasterRecord, class)
	tx.EmitRelationship(&newRel)
	tx.InvalidateCache(localKey)
	return nil
}

// transferRecordOfTruth moves a MasterRecordOfTruth pointer from a
// retiring master onto its survivor, but only when the survivor does
// not already have one of its own.
func (m *Manager) transferRecordOfTruth(ctx context.Context, tx *Tx, from, to model.Key) error {
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: to}},
	})
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.MasterRecordOfTruth && rel.IsCurrent() {
			return nil // survivor already has one.
		}
	}

	fromRels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: from}},
	})
	if err != nil {
		return err
	}
	for i := range fromRels {
		if fromRels[i].RelationshipType == mdmconst.MasterRecordOfTruth && fromRels[i].IsCurrent() {
			old := fromRels[i]
			old.MarkDelete()
			tx.EmitRelationship(&old)
			moved := model.Of(to, old.TargetKey, mdmconst.MasterRecordOfTruth, mdmconst.System)
			tx.EmitRelationship(&moved)
			return nil
		}
	}
	return nil
}

// MdmTxUnmergeMasters reverses a prior MdmTxMergeMasters (§9 open
// question, resolved as inverse-of-merge): mergedKey is reactivated,
// every LOCAL whose OriginalMaster still points at mergedKey is moved
// back from survivorKey, and the Replaces/audit tag are cleared.
func (m *Manager) MdmTxUnmergeMasters(ctx context.Context, enforcer policy.Enforcer, principal mdmrepo.Principal, tx *Tx, survivorKey, mergedKey model.Key) error {
	if err := enforcer.Demand(ctx, policy.MergeRecords, principal); err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}

	mergedRec, err := m.Store.GetRecord(ctx, mergedKey)
	if err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}
	if tagged, ok := mergedRec.Tag(tagMergedInto); !ok || tagged != survivorKey.String() {
		return mdmerr.Wrap(mergedKey, mdmerr.Precondition(mergedKey, "not recorded as merged into %s", survivorKey))
	}

	origins, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "target", Value: mergedKey}},
	})
	if err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}
	for i := range origins {
		if origins[i].RelationshipType != mdmconst.OriginalMaster || !origins[i].IsCurrent() {
			continue
		}
		localKey := origins[i].SourceKey
		if err := m.unmergeLocal(ctx, tx, localKey, survivorKey, mergedKey); err != nil {
			return mdmerr.Wrap(localKey, err)
		}
	}

	if replaces, err := m.currentRelationship(ctx, tx, survivorKey, mergedKey, mdmconst.Replaces); err == nil && replaces != nil {
		replaces.MarkDelete()
		tx.EmitRelationship(replaces)
	} else if err != nil {
		return mdmerr.Wrap(mergedKey, err)
	}

	mergedRec.Status = model.StatusActive
	mergedRec.RemoveTag(tagMergedInto)
	tx.EmitRecord(mergedRec)
	return nil
}

func (m *Manager) unmergeLocal(ctx context.Context, tx *Tx, localKey, survivorKey, mergedKey model.Key) error {
	origin, err := m.currentRelationship(ctx, tx, localKey, mergedKey, mdmconst.OriginalMaster)
	if err != nil {
		return err
	}
	if origin == nil {
		return nil
	}
	origin.MarkDelete()
	tx.EmitRelationship(origin)

	cur, err := m.currentRelationship(ctx, tx, localKey, survivorKey, mdmconst.MasterRecord)
	if err != nil {
		return err
	}
	class := mdmconst.System
	if cur != nil {
		class = cur.Classification
		cur.MarkDelete()
		tx.EmitRelationship(cur)
	}

	restored := model.Of(localKey, mergedKey, mdmconst.MasterRecord, class)
	tx.EmitRelationship(&restored)
	tx.InvalidateCache(localKey)
	return nil
}
