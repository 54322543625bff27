package interceptor

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
)

// BundleItem is a single entry of an inbound bundle: exactly one of
// Insert, Save, or ObsoleteKey is populated.
type BundleItem struct {
	Insert      *model.Record
	Save        *model.Record
	ObsoleteKey *model.Key
}

// Bundle is the Bundle Interceptor (C7): it fans out every item of an
// inbound bundle to the Resource interceptor within one shared
// transaction context, following the teacher's
// OnBegin/OnData/OnCommit/OnRollback protocol — begin opens a Tx, each
// item is an OnData call, and either every item succeeds and the
// accumulated Tx is committed once, or any single cancellation
// discards the whole batch.
type Bundle struct {
	Resource  *Resource
	Persister mdmrepo.BundlePersister
}

// Apply runs OnBegin/OnData.../OnCommit over items as a single MDM
// transaction (§4.3, §5). An mdmerr.ErrEventCancelled from any item
// aborts the whole bundle: no partial Tx is committed.
func (b *Bundle) Apply(ctx context.Context, principal mdmrepo.Principal, items []BundleItem) ([]model.Instruction, error) {
	tx := b.onBegin()

	for _, item := range items {
		if err := b.onData(ctx, principal, tx, item); err != nil {
			b.onRollback(item)
			return nil, err
		}
	}

	return b.onCommit(ctx, tx)
}

func (b *Bundle) onBegin() *datamgr.Tx {
	return datamgr.NewTx()
}

func (b *Bundle) onData(ctx context.Context, principal mdmrepo.Principal, tx *datamgr.Tx, item BundleItem) error {
	switch {
	case item.Insert != nil:
		return b.Resource.OnInserting(ctx, tx, item.Insert)
	case item.Save != nil:
		return b.Resource.OnSaving(ctx, principal, tx, item.Save)
	case item.ObsoleteKey != nil:
		return b.Resource.OnObsoleting(ctx, tx, *item.ObsoleteKey)
	default:
		return nil
	}
}

func (b *Bundle) onRollback(item BundleItem) {
	log.WithField("item", item).Debug("bundle item cancelled, discarding transaction")
}

func (b *Bundle) onCommit(ctx context.Context, tx *datamgr.Tx) ([]model.Instruction, error) {
	return b.Resource.Manager.Commit(ctx, b.Persister, tx)
}
