package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/model"
)

// MdmTxMasterLink is the manual linking primitive (§4.2.2): attach a
// LOCAL to a MASTER, classified Verified when verified is true, System
// otherwise. The two arguments are accepted in either order — if the
// first argument is actually a LOCAL and the second a MASTER, they are
// silently swapped; supplying two MASTERs or two LOCALs is a
// precondition failure. It evicts the LOCAL from any prior
// MasterRecord relationship first (replacing it with an
// OriginalMaster pointer), and removes any symmetric IgnoreCandidate
// entry between the pair so a future match pass does not immediately
// re-suppress it. If the LOCAL is already linked to the target MASTER,
// the existing relationship is upgraded in place rather than
// duplicated.
func (m *Manager) MdmTxMasterLink(ctx context.Context, tx *Tx, masterKey, localKey model.Key, verified bool) error {
	masterKey, localKey, err := m.normalizeLinkArgs(ctx, masterKey, localKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if err := m.masterLink(ctx, tx, masterKey, localKey, verified); err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	return nil
}

// normalizeLinkArgs enforces §4.2.2's precondition set and argument
// order: exactly one of the two keys must be a MASTER. If the caller
// passed them reversed (the LOCAL first, the MASTER second), they are
// swapped rather than rejected; if both are MASTERs or both are
// LOCALs, that is a precondition failure.
func (m *Manager) normalizeLinkArgs(ctx context.Context, a, b model.Key) (masterKey, localKey model.Key, err error) {
	aIsMaster, err := m.IsMaster(ctx, a)
	if err != nil {
		return a, b, err
	}
	bIsMaster, err := m.IsMaster(ctx, b)
	if err != nil {
		return a, b, err
	}
	switch {
	case aIsMaster && !bIsMaster:
		return a, b, nil
	case bIsMaster && !aIsMaster:
		return b, a, nil
	case aIsMaster && bIsMaster:
		return a, b, mdmerr.Precondition(a, "MasterLink requires one MASTER and one LOCAL; both arguments are MASTERs")
	default:
		return a, b, mdmerr.Precondition(b, "MasterLink requires one MASTER and one LOCAL; neither argument is a MASTER")
	}
}

// masterLink is the unchecked core shared by MdmTxMasterLink and the
// auto-link branch of match-and-link (§4.2.1 step 6.c): it does not
// re-validate preconditions, since the caller may already hold a
// stale Tx-local view of the graph.
func (m *Manager) masterLink(ctx context.Context, tx *Tx, masterKey, localKey model.Key, verified bool) error {
	class := mdmconst.System
	if verified {
		class = mdmconst.Verified
	}

	oldMaster, has, err := m.GetMasterFor(ctx, tx, localKey)
	if err != nil {
		return err
	}

	switch {
	case has && oldMaster == masterKey:
		// Already linked to this MASTER: upgrade the existing
		// relationship's classification in place rather than minting a
		// second current MasterRecord row for the same pair (§4.2.2,
		// invariant 3).
		existing, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.MasterRecord)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Classification = class
			existing.BatchOperation = model.Update
			tx.EmitRelationship(existing)
		} else {
			rel := model.Of(localKey, masterKey, mdmconst.MasterRecord, class)
			tx.EmitRelationship(&rel)
		}
	case has:
		if oldRel, err := m.currentRelationship(ctx, tx, localKey, oldMaster, mdmconst.MasterRecord); err == nil && oldRel != nil {
			oldRel.MarkDelete()
			tx.EmitRelationship(oldRel)
			om := model.Of(localKey, oldMaster, mdmconst.OriginalMaster, mdmconst.System)
			tx.EmitRelationship(&om)
			if err := m.evictIfOrphaned(ctx, tx, oldMaster); err != nil {
				return err
			}
		}
		rel := model.Of(localKey, masterKey, mdmconst.MasterRecord, class)
		tx.EmitRelationship(&rel)
	default:
		rel := model.Of(localKey, masterKey, mdmconst.MasterRecord, class)
		tx.EmitRelationship(&rel)
	}
	tx.InvalidateCache(localKey)

	if err := m.clearSymmetricIgnore(ctx, tx, localKey, masterKey); err != nil {
		return err
	}
	return nil
}

// MdmTxMasterUnlink detaches localKey from masterKey (§4.2.3): the
// MasterRecord relationship is marked Delete, an OriginalMaster
// pointer is left in its place for audit, and — unless the caller
// immediately relinks elsewhere — localKey re-enters match-and-link
// territory: callers that want a fresh MASTER should follow up with
// MdmTxMatchMasters. If unlinking empties masterKey of every LOCAL,
// the (possibly) orphaned MASTER is evicted per Manager.DeleteEmptyMasters.
func (m *Manager) MdmTxMasterUnlink(ctx context.Context, tx *Tx, masterKey, localKey model.Key) error {
	rel, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.MasterRecord)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if rel == nil {
		return mdmerr.Wrap(localKey, mdmerr.Precondition(localKey, "no current MasterRecord relationship to %s", masterKey))
	}
	rel.MarkDelete()
	tx.EmitRelationship(rel)
	tx.InvalidateCache(localKey)

	om := model.Of(localKey, masterKey, mdmconst.OriginalMaster, mdmconst.System)
	tx.EmitRelationship(&om)

	if err := m.evictIfOrphaned(ctx, tx, masterKey); err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	return nil
}

// evictIfOrphaned checks whether masterKey still has any current
// LOCAL attached; if not, it resolves the §9 master-eviction open
// question per Manager.DeleteEmptyMasters: either a hard delete, or
// obsoleting the record with a Replaces self-pointer kept for audit.
func (m *Manager) evictIfOrphaned(ctx context.Context, tx *Tx, masterKey model.Key) error {
	remaining, err := m.localsOf(ctx, masterKey)
	if err != nil {
		return err
	}
	// Reconcile storage with this same transaction: LOCALs whose link
	// to masterKey is already marked Delete here no longer count, and
	// LOCALs linked earlier in the transaction that haven't reached
	// storage yet do.
	pending := tx.relationshipsOfType(mdmconst.MasterRecord)
	deleted := make(map[model.Key]bool)
	for _, rel := range pending {
		if rel.TargetKey == masterKey && rel.IsMarkedDelete() {
			deleted[rel.SourceKey] = true
		}
	}
	live := 0
	for _, l := range remaining {
		if !deleted[l] {
			live++
		}
	}
	for _, rel := range pending {
		if rel.TargetKey == masterKey && !rel.IsMarkedDelete() {
			live++
		}
	}
	if live > 0 {
		return nil
	}

	if m.DeleteEmptyMasters {
		tx.Emit(model.DeleteRecordInstruction(masterKey))
		return nil
	}

	rec, err := m.Store.GetRecord(ctx, masterKey)
	if err != nil {
		return err
	}
	rec.Status = model.StatusObsolete
	tx.EmitRecord(rec)
	selfReplace := model.Of(masterKey, masterKey, mdmconst.Replaces, mdmconst.System)
	tx.EmitRelationship(&selfReplace)
	return nil
}

// clearSymmetricIgnore removes any current IgnoreCandidate edge
// between localKey and masterKey, in either direction, so that a
// manual link is not immediately undone by a future match pass
// treating the pair as still-ignored.
func (m *Manager) clearSymmetricIgnore(ctx context.Context, tx *Tx, localKey, masterKey model.Key) error {
	for _, pair := range [][2]model.Key{{localKey, masterKey}, {masterKey, localKey}} {
		rel, err := m.currentRelationship(ctx, tx, pair[0], pair[1], mdmconst.IgnoreCandidate)
		if err != nil {
			return err
		}
		if rel != nil {
			rel.MarkDelete()
			tx.EmitRelationship(rel)
		}
	}
	return nil
}
