package datamgr

import (
	"context"

	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/model"
)

// MdmTxIgnoreCandidate marks masterKey as permanently ignored for
// localKey (§4.2.4): any current Candidate relationship between the
// pair is marked Delete and replaced by an IgnoreCandidate(Verified)
// edge, so a future match-and-link pass excludes masterKey from
// localKey's candidate set (§4.2.1 step 4). It then sweeps localKey's
// siblings — the other LOCALs already attached to localKey's own
// MASTER, if it has one — for Candidate relationships pointing at
// masterKey, and replaces each with its own IgnoreCandidate pair, so
// the suppression holds for the whole cluster rather than just
// localKey.
func (m *Manager) MdmTxIgnoreCandidate(ctx context.Context, tx *Tx, localKey, masterKey model.Key) error {
	isMaster, err := m.IsMaster(ctx, masterKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if !isMaster {
		return mdmerr.Wrap(localKey, mdmerr.Precondition(masterKey, "Ignore target is not a MASTER"))
	}

	if err := m.ignoreOnePair(ctx, tx, localKey, masterKey); err != nil {
		return mdmerr.Wrap(localKey, err)
	}

	hostMaster, hasHost, err := m.GetMasterFor(ctx, tx, localKey)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if !hasHost {
		return nil
	}
	siblings, err := m.localsOf(ctx, hostMaster)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	for _, sib := range siblings {
		if sib == localKey {
			continue
		}
		cand, err := m.currentRelationship(ctx, tx, sib, masterKey, mdmconst.Candidate)
		if err != nil {
			return mdmerr.Wrap(localKey, err)
		}
		if cand == nil {
			continue
		}
		if err := m.ignoreOnePair(ctx, tx, sib, masterKey); err != nil {
			return mdmerr.Wrap(localKey, err)
		}
	}
	return nil
}

// ignoreOnePair deletes localKey's current Candidate edge to
// masterKey, if any, and emits an IgnoreCandidate(Verified) edge in
// its place, unless one is already current.
func (m *Manager) ignoreOnePair(ctx context.Context, tx *Tx, localKey, masterKey model.Key) error {
	if cand, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.Candidate); err != nil {
		return err
	} else if cand != nil {
		cand.MarkDelete()
		tx.EmitRelationship(cand)
	}

	existing, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.IgnoreCandidate)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	rel := model.Of(localKey, masterKey, mdmconst.IgnoreCandidate, mdmconst.Verified)
	tx.EmitRelationship(&rel)
	return nil
}

// MdmTxUnIgnoreCandidate reverses MdmTxIgnoreCandidate (§4.2.4): the
// IgnoreCandidate edge is marked Delete, allowing masterKey to
// reappear as a candidate the next time localKey is matched. It does
// not itself re-run matching.
func (m *Manager) MdmTxUnIgnoreCandidate(ctx context.Context, tx *Tx, localKey, masterKey model.Key) error {
	rel, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.IgnoreCandidate)
	if err != nil {
		return mdmerr.Wrap(localKey, err)
	}
	if rel == nil {
		return mdmerr.Wrap(localKey, mdmerr.Precondition(localKey, "no current IgnoreCandidate relationship to %s", masterKey))
	}
	rel.MarkDelete()
	tx.EmitRelationship(rel)
	return nil
}
