package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/model"
)

// MdmTxObsolete retires a record (§4.2.6). Obsoleting a LOCAL detaches
// it from its current MASTER first (so the MASTER never carries a
// current MasterRecord edge to a retired LOCAL) and then obsoletes the
// LOCAL itself. Obsoleting a MASTER detaches every attached LOCAL —
// each left orphaned, a candidate for a future match-and-link pass —
// before the MASTER itself is retired or deleted per
// Manager.DeleteEmptyMasters.
func (m *Manager) MdmTxObsolete(ctx context.Context, tx *Tx, key model.Key) error {
	isMaster, err := m.IsMaster(ctx, key)
	if err != nil {
		return mdmerr.Wrap(key, err)
	}

	if isMaster {
		return mdmerr.Wrap(key, m.obsoleteMaster(ctx, tx, key))
	}
	return mdmerr.Wrap(key, m.obsoleteLocal(ctx, tx, key))
}

func (m *Manager) obsoleteLocal(ctx context.Context, tx *Tx, localKey model.Key) error {
	if masterKey, has, err := m.GetMasterFor(ctx, tx, localKey); err != nil {
		return err
	} else if has {
		if err := m.MdmTxMasterUnlink(ctx, tx, masterKey, localKey); err != nil {
			return err
		}
	}

	rec, err := m.Store.GetRecord(ctx, localKey)
	if err != nil {
		return err
	}
	rec.Status = model.StatusObsolete
	tx.EmitRecord(rec)
	tx.InvalidateCache(localKey)
	return nil
}

func (m *Manager) obsoleteMaster(ctx context.Context, tx *Tx, masterKey model.Key) error {
	locals, err := m.localsOf(ctx, masterKey)
	if err != nil {
		return err
	}
	for _, l := range locals {
		rel, err := m.currentRelationship(ctx, tx, l, masterKey, mdmconst.MasterRecord)
		if err != nil {
			return err
		}
		if rel == nil {
			continue
		}
		rel.MarkDelete()
		tx.EmitRelationship(rel)
		tx.InvalidateCache(l)
		om := model.Of(l, masterKey, mdmconst.OriginalMaster, mdmconst.System)
		tx.EmitRelationship(&om)
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
