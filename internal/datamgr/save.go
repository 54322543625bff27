package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/model"
)

// MdmTxSaveLocal persists an inserted or updated LOCAL and re-runs
// match-and-link against it (§4.2.1): every LOCAL write is a trigger
// for MdmTxMatchMasters, whether the LOCAL is brand new or was just
// edited by its owning application.
func (m *Manager) MdmTxSaveLocal(ctx context.Context, tx *Tx, local *model.Record) error {
	if local.IsRecordOfTruth() {
		return mdmerr.Wrap(local.Key, mdmerr.Precondition(local.Key, "save-local target is a record of truth"))
	}
	tx.EmitRecord(local)
	return m.MdmTxMatchMasters(ctx, tx, local)
}
