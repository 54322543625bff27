// Package interceptor implements the Resource Interceptor (C4) and
// the Bundle Interceptor (C7): the hooks a host persistence layer
// calls before/after every record lifecycle event, translated here
// into MdmTx* calls against the Data Manager. Grounded on
// internal/source/logical/serial_events.go's OnBegin/OnData/
// OnCommit/OnRollback transaction protocol in the teacher, generalized
// from "apply a change event" to "apply a persistence lifecycle
// event".
package interceptor

import (
	"context"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

// Resource is the per-type Resource Interceptor (§4.3): it sits
// between the host's persistence layer and the Data Manager, applying
// business-rule validation and translating raw CRUD calls into MdmTx*
// operations.
type Resource struct {
	Manager  *datamgr.Manager
	View     *master.View
	Enforcer policy.Enforcer
}

// PrePersistenceValidate runs before any insert/update reaches
// storage (§4.3): a caller attempting to persist directly onto a
// MASTER must hold the WriteMaster policy; anyone else submitting
// such a write is redirected onto a fresh LOCAL instead of being
// rejected outright, mirroring the "records always enter as LOCAL"
// invariant.
func (r *Resource) PrePersistenceValidate(ctx context.Context, principal mdmrepo.Principal, rec *model.Record) (*model.Record, error) {
	if !rec.IsMaster() {
		return rec, nil
	}
	if err := master.RejectDirectWrite(ctx, r.Enforcer, principal, rec.Key); err == nil {
		return rec, nil
	}
	redirected := r.Manager.CreateLocalFor(rec.Class, rec.Provenance)
	redirected.Type = rec.Type
	redirected.Identifiers = rec.Identifiers
	redirected.Names = rec.Names
	redirected.Addresses = rec.Addresses
	redirected.Telecoms = rec.Telecoms
	redirected.Notes = rec.Notes
	redirected.Tags = rec.Tags
	return redirected, nil
}

// OnInserting handles a newly inserted LOCAL: stage it and run
// match-and-link within the given transaction (§4.2.1).
func (r *Resource) OnInserting(ctx context.Context, tx *datamgr.Tx, rec *model.Record) error {
	validated, err := r.PrePersistenceValidate(ctx, mdmrepo.Principal{}, rec)
	if err != nil {
		return err
	}
	return r.Manager.MdmTxSaveLocal(ctx, tx, validated)
}

// OnSaving handles an update to an existing record: a Record-of-Truth
// edit goes through MdmTxSaveRecordOfTruth (policy-gated, no
// rematch); anything else re-enters match-and-link via
// MdmTxSaveLocal.
func (r *Resource) OnSaving(ctx context.Context, principal mdmrepo.Principal, tx *datamgr.Tx, rec *model.Record) error {
	if rec.IsRecordOfTruth() {
		return r.Manager.MdmTxSaveRecordOfTruth(ctx, r.Enforcer, principal, tx, rec)
	}
	return r.Manager.MdmTxSaveLocal(ctx, tx, rec)
}

// OnObsoleting handles retirement of a record, LOCAL or MASTER
// (§4.2.6).
func (r *Resource) OnObsoleting(ctx context.Context, tx *datamgr.Tx, key model.Key) error {
	return r.Manager.MdmTxObsolete(ctx, tx, key)
}

// OnRetrieving rewrites a direct-by-key read: fetching a LOCAL without
// the ReadMdmLocals policy is transparently redirected to that
// LOCAL's synthesized Master View instead (§4.1, §4.3).
func (r *Resource) OnRetrieving(ctx context.Context, principal mdmrepo.Principal, key model.Key) (model.Key, error) {
	isMaster, err := r.Manager.IsMaster(ctx, key)
	if err != nil {
		return key, err
	}
	if isMaster {
		return key, nil
	}
	if err := r.Enforcer.Demand(ctx, policy.ReadMdmLocals, principal); err == nil {
		return key, nil
	}
	masterKey, has, err := r.Manager.GetMasterFor(ctx, nil, key)
	if err != nil {
		return key, err
	}
	if !has {
		return key, &mdmerr.OrphanDetected{LocalKey: key, Count: 0}
	}
	return masterKey, nil
}

// OnRetrieved tags the outgoing record with $mdm.type so downstream
// consumers can tell a LOCAL from a MASTER without re-deriving it
// (§4.4).
func (r *Resource) OnRetrieved(ctx context.Context, rec *model.Record) *model.Record {
	if rec == nil {
		return rec
	}
	switch {
	case rec.IsMaster():
		rec.SetTag(mdmconst.TagMdmType, string(mdmconst.MdmTypeMaster))
	case rec.IsRecordOfTruth():
		rec.SetTag(mdmconst.TagMdmType, string(mdmconst.MdmTypeTrusted))
	default:
		rec.SetTag(mdmconst.TagMdmType, string(mdmconst.MdmTypeLocal))
	}
	return rec
}
