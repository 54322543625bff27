// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package datamgr is the Data Manager (C3): it owns every graph
// mutation in the bipartite LOCAL/MASTER relationship graph and
// produces the ordered instruction sequences that make up an MDM
// transaction (§4.2). The transactional emission order mirrors the
// teacher's resolver.process/flush pattern: assemble everything in
// memory, then hand a single ordered batch to the bundle persister.
package datamgr

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/metrics"
	"github.com/santedb/mdm/internal/model"
)

var tracer = otel.Tracer("github.com/santedb/mdm/internal/datamgr")

// Manager implements every MdmTx* primitive in §4.2. It is safe for
// parallel invocation across distinct records (§5): it holds no
// global lock across suspension points, relying on assembling the
// full transaction in memory before commit and letting the
// underlying persistence engine provide isolation for the commit
// itself.
type Manager struct {
	Store       mdmrepo.Store
	Matcher     matcher.Client
	Configs     matcher.ConfigurationService
	Cache       mdmrepo.MasterLinkCache
	// DeleteEmptyMasters selects between the two variants of the
	// §9 open question: when a MasterLink moves the last LOCAL off an
	// old MASTER, false (default) obsoletes it with a Replaces
	// back-pointer; true fully deletes it.
	DeleteEmptyMasters bool
}

// Tx is the in-flight context threaded through a single MDM
// transaction: a sequence of instructions already planned, consulted
// before falling back to storage (§4.2.1 "context first, then
// storage").
type Tx struct {
	instructions []model.Instruction
	cacheInvalidations []model.Key
}

// NewTx starts an empty transaction context.
func NewTx() *Tx { return &Tx{} }

// Emit appends an instruction to the in-flight context.
func (t *Tx) Emit(i model.Instruction) { t.instructions = append(t.instructions, i) }

// EmitRecord appends a record instruction.
func (t *Tx) EmitRecord(r *model.Record) { t.Emit(model.RecordInstruction(r)) }

// EmitRelationship appends a relationship instruction.
func (t *Tx) EmitRelationship(r *model.Relationship) { t.Emit(model.RelationshipInstruction(r)) }

// InvalidateCache records that localKey's cached master-link entry
// must be dropped before commit (§5).
func (t *Tx) InvalidateCache(localKey model.Key) {
	t.cacheInvalidations = append(t.cacheInvalidations, localKey)
}

// Instructions returns the accumulated instruction list, in emission
// order. Commit finalizes a transaction by running it through
// DedupByTarget before handing it to the bundle persister.
func (t *Tx) Instructions() []model.Instruction { return t.instructions }

// relationshipsOfType returns every relationship instruction of the
// given type already staged in the context, for findInContext-style
// lookups.
func (t *Tx) relationshipsOfType(rt mdmconst.RelationshipType) []*model.Relationship {
	var out []*model.Relationship
	for i := range t.instructions {
		if r := t.instructions[i].Relationship; r != nil && r.RelationshipType == rt {
			out = append(out, r)
		}
	}
	return out
}

// IsMaster reports whether the record identified by key is a MASTER.
// It reads the record from storage; records staged in a Tx are not
// consulted.
func (m *Manager) IsMaster(ctx context.Context, key model.Key) (bool, error) {
	rec, err := m.Store.GetRecord(ctx, key)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return rec.IsMaster(), nil
}

// GetMasterFor returns the key of the MASTER currently linked to the
// given LOCAL, consulting the cache first, then the context, then
// storage (§5 cache semantics combined with §4.2.1 step 2).
func (m *Manager) GetMasterFor(ctx context.Context, tx *Tx, localKey model.Key) (model.Key, bool, error) {
	if m.Cache != nil {
		if cached, ok := m.Cache.Get(ctx, localKey); ok {
			return cached, true, nil
		}
	}

	if tx != nil {
		for _, rel := range tx.relationshipsOfType(mdmconst.MasterRecord) {
			if rel.SourceKey == localKey && rel.IsCurrent() && !rel.IsMarkedDelete() {
				return rel.TargetKey, true, nil
			}
		}
	}

	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
	})
	if err != nil {
		return model.Key{}, false, errors.WithStack(err)
	}
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.MasterRecord && rel.IsCurrent() {
			if m.Cache != nil {
				m.Cache.Set(ctx, localKey, rel.TargetKey)
			}
			return rel.TargetKey, true, nil
		}
	}
	return model.Key{}, false, nil
}

// CreateLocalFor materializes a new LOCAL record owned by the given
// application/device provenance, used by the interceptor when an
// inbound write references a MASTER directly (§4.3
// PrePersistenceValidate).
func (m *Manager) CreateLocalFor(class model.Key, provenance model.Provenance) *model.Record {
	return &model.Record{
		Key:        model.NewKey(),
		Class:      class,
		Determiner: model.DeterminerInstance,
		Status:     model.StatusActive,
		Provenance: provenance,
	}
}

// dedupTarget groups candidate instructions to be collapsed per
// (source, target) pair (§4.2.1 step 9).
type dedupTarget struct {
	masterRecord    *model.Relationship
	candidate       *model.Relationship
	originalMaster  *model.Relationship
}

// dedupKey identifies one LOCAL/MASTER pair. Step 9's compaction is
// specified per LOCAL's own emissions — a source key is part of the
// identity, not just the target, so two different LOCALs linking to
// the same MASTER never collapse into a single relationship.
type dedupKey struct {
	source model.Key
	target model.Key
}

// DedupByTarget collapses multiple MasterRecord/Candidate/
// OriginalMaster rows per distinct (source, target) pair into at most
// one per type, preferring current-over-obsolete and
// stronger-over-weaker, and guarantees invariant 4 (§3: never both a
// current MasterRecord and current Candidate to the same pair).
// Non-relationship instructions and relationships of other types are
// passed through unchanged, relationships first. This mirrors the
// teacher's msort.UniqueByKey last-one-wins compaction, generalized
// from "by key" to "by (type, source, target)".
func DedupByTarget(in []model.Instruction) []model.Instruction {
	byTarget := make(map[dedupKey]*dedupTarget)
	order := make([]dedupKey, 0, len(in))
	var passthrough []model.Instruction

	pick := func(existing, candidate *model.Relationship) *model.Relationship {
		if existing == nil {
			return candidate
		}
		// Current beats obsolete.
		if existing.IsCurrent() != candidate.IsCurrent() {
			if candidate.IsCurrent() {
				return candidate
			}
			return existing
		}
		// Stronger beats weaker.
		es, cs := strengthOf(existing), strengthOf(candidate)
		if cs > es {
			return candidate
		}
		return existing
	}

	for _, instr := range in {
		rel := instr.Relationship
		if rel == nil {
			passthrough = append(passthrough, instr)
			continue
		}
		switch rel.RelationshipType {
		case mdmconst.MasterRecord, mdmconst.Candidate, mdmconst.OriginalMaster:
			key := dedupKey{source: rel.SourceKey, target: rel.TargetKey}
			dt, ok := byTarget[key]
			if !ok {
				dt = &dedupTarget{}
				byTarget[key] = dt
				order = append(order, key)
			}
			switch rel.RelationshipType {
			case mdmconst.MasterRecord:
				dt.masterRecord = pick(dt.masterRecord, rel)
			case mdmconst.Candidate:
				dt.candidate = pick(dt.candidate, rel)
			case mdmconst.OriginalMaster:
				dt.originalMaster = pick(dt.originalMaster, rel)
			}
		default:
			passthrough = append(passthrough, instr)
		}
	}

	out := make([]model.Instruction, 0, len(in))
	for _, key := range order {
		dt := byTarget[key]
		// Invariant 4: never emit both a current MasterRecord and a
		// current Candidate to the same pair.
		if dt.masterRecord != nil && dt.masterRecord.IsCurrent() && dt.candidate != nil && dt.candidate.IsCurrent() {
			dt.candidate = nil
		}
		if dt.masterRecord != nil {
			out = append(out, model.RelationshipInstruction(dt.masterRecord))
		}
		if dt.candidate != nil {
			out = append(out, model.RelationshipInstruction(dt.candidate))
		}
		if dt.originalMaster != nil {
			out = append(out, model.RelationshipInstruction(dt.originalMaster))
		}
	}
	out = append(out, passthrough...)
	return out
}

func strengthOf(r *model.Relationship) float64 {
	if r.Strength == nil {
		return 0
	}
	return *r.Strength
}

// Commit is the exported entry point the Bundle Interceptor uses to
// finalize a Tx it assembled itself (§4.3, §5): it delegates to the
// same cache-invalidate-then-dedup-then-persist sequence every
// MdmTx* operation ultimately runs through.
func (m *Manager) Commit(ctx context.Context, persister mdmrepo.BundlePersister, tx *Tx) ([]model.Instruction, error) {
	return m.commit(ctx, persister, tx)
}

// commit invalidates any pending cache entries and hands the
// deduplicated instruction list to the bundle persister (§5: cache
// invalidation must happen before commit).
func (m *Manager) commit(ctx context.Context, persister mdmrepo.BundlePersister, tx *Tx) ([]model.Instruction, error) {
	ctx, span := tracer.Start(ctx, "datamgr.commit")
	defer span.End()

	for _, k := range tx.cacheInvalidations {
		if m.Cache != nil {
			m.Cache.Invalidate(ctx, k)
		}
	}
	final := DedupByTarget(tx.Instructions())
	span.SetAttributes(attribute.Int("mdm.instruction_count", len(final)))

	committed, err := persister.Commit(ctx, final)
	if err != nil {
		metrics.TransactionsFailed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &mdmerr.PersistenceFailure{Cause: err}
	}
	metrics.TransactionsCommitted.Inc()
	log.WithField("count", len(committed)).Trace("committed mdm transaction")
	return committed, nil
}
