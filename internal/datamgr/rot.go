package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

// MdmTxPromoteRecordOfTruth promotes an existing LOCAL already linked
// to masterKey into masterKey's curated Record-of-Truth (§4.2.7). It
// always demands the EditRoT policy, and additionally demands
// EstablishRoT only when masterKey has no current Record-of-Truth yet
// — replacing one an editor already curates is a lesser privilege than
// establishing the first one. It rejects promoting a LOCAL that is not
// currently linked to masterKey, or that is already a Record-of-Truth
// (§4.2 preconditions), clears
// every sub-object's embedded key so persistence treats names,
// addresses, telecoms, and notes as freshly authored against the new
// determiner, and replaces any prior MasterRecordOfTruth pointer.
func (m *Manager) MdmTxPromoteRecordOfTruth(ctx context.Context, enforcer policy.Enforcer, principal mdmrepo.Principal, tx *Tx, masterKey, localKey model.Key) error {
	if err := enforcer.Demand(ctx, policy.EditRoT, principal); err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	hasRoT, err := m.hasCurrentRoT(ctx, tx, masterKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if !hasRoT {
		if err := enforcer.Demand(ctx, policy.EstablishRoT, principal); err != nil {
			return mdmerr.Wrap(localKey, err)
		}
	}

	linked, has, err := m.GetMasterFor(ctx, tx, localKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if !has || linked != masterKey {
		return mdmerr.Wrap(localKey, mdmerr.Precondition(localKey, "not currently linked to master %s", masterKey))
	}

	rec, err := m.Store.GetRecord(ctx, localKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if rec.IsRecordOfTruth() {
		return mdmerr.Wrap(localKey, mdmerr.Precondition(localKey, "already a record of truth"))
	}

	if err := m.clearExistingRoT(ctx, tx, masterKey); err != nil {
		return mdmerr.Wrap(localKey, err)
	}

	rec.Determiner = model.DeterminerRecordOfTruth
	clearSubObjectKeys(rec)
	tx.EmitRecord(rec)

	rel := model.Of(masterKey, localKey, mdmconst.MasterRecordOfTruth, mdmconst.System)
	tx.EmitRelationship(&rel)
	tx.InvalidateCache(localKey)
	return nil
}

// hasCurrentRoT reports whether masterKey already has a current
// MasterRecordOfTruth edge, consulting the in-flight Tx first.
func (m *Manager) hasCurrentRoT(ctx context.Context, tx *Tx, masterKey model.Key) (bool, error) {
	for _, rel := range tx.relationshipsOfType(mdmconst.MasterRecordOfTruth) {
		if rel.SourceKey == masterKey && !rel.IsMarkedDelete() {
			return true, nil
		}
	}
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: masterKey}},
	})
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.MasterRecordOfTruth && rel.IsCurrent() {
			return true, nil
		}
	}
	return false, nil
}

// clearExistingRoT marks any current MasterRecordOfTruth edge out of
// masterKey for deletion, regardless of target, since currentRelationship
// requires an exact target and the prior RoT's key may not be known to
// the caller.
func (m *Manager) clearExistingRoT(ctx context.Context, tx *Tx, masterKey model.Key) error {
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: masterKey}},
	})
	if err != nil {
		return err
	}
	for i := range rels {
		if rels[i].RelationshipType == mdmconst.MasterRecordOfTruth && rels[i].IsCurrent() {
			cp := rels[i]
			cp.MarkDelete()
			tx.EmitRelationship(&cp)
		}
	}
	for _, rel := range tx.relationshipsOfType(mdmconst.MasterRecordOfTruth) {
		if rel.SourceKey == masterKey && !rel.IsMarkedDelete() {
			rel.MarkDelete()
		}
	}
	return nil
}

// MdmTxSaveRecordOfTruth persists an edit to an existing
// Record-of-Truth (§4.2.7). RoT records are authored directly by a
// curator and never re-enter match-and-link (§4.2.1 step 1), so this
// is a direct record upsert behind the EditRoT policy.
func (m *Manager) MdmTxSaveRecordOfTruth(ctx context.Context, enforcer policy.Enforcer, principal mdmrepo.Principal, tx *Tx, rot *model.Record) error {
	if err := enforcer.Demand(ctx, policy.EditRoT, principal); err != nil {
		return mdmerr.Wrap(rot.Key, err)
	}
	if !rot.IsRecordOfTruth() {
		return mdmerr.Wrap(rot.Key, mdmerr.Precondition(rot.Key, "save-record-of-truth target is not a record of truth"))
	}
	tx.EmitRecord(rot)
	return nil
}

func clearSubObjectKeys(rec *model.Record) {
	for i := range rec.Names {
		rec.Names[i].ClearKey()
	}
	for i := range rec.Addresses {
		rec.Addresses[i].ClearKey()
	}
	for i := range rec.Telecoms {
		rec.Telecoms[i].ClearKey()
	}
	for i := range rec.Notes {
		rec.Notes[i].ClearKey()
	}
	for i := range rec.Participations {
		rec.Participations[i].ClearKey()
	}
	for i := range rec.LanguageCommunication {
		rec.LanguageCommunication[i].ClearKey()
	}
}
