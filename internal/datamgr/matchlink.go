package datamgr

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/metrics"
	"github.com/santedb/mdm/internal/model"
)

// classifyOutcome is one configuration's Classify result, gathered
// concurrently in classifyAll but applied to the transaction strictly
// in configuration order since each application step depends on the
// master link state the previous one left behind.
type classifyOutcome struct {
	cfg     matcher.Configuration
	results []matcher.Result
	err     error
}

// classifyAll runs every applicable configuration's Classify
// concurrently, bounded by the number of active configurations, since
// the matcher collaborator is typically an out-of-process service and
// configurations are independent of one another. Results are returned
// in cfg order so the caller can still fold them sequentially.
func (m *Manager) classifyAll(ctx context.Context, local *model.Record, ignoreSet map[model.Key]bool, configs []matcher.Configuration) []classifyOutcome {
	out := make([]classifyOutcome, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range configs {
		i, cfg := i, cfg
		if !applicableTo(cfg, local.Type) {
			out[i] = classifyOutcome{cfg: cfg}
			continue
		}
		g.Go(func() error {
			start := time.Now()
			results, err := m.Matcher.Classify(gctx, local, cfg.ID, ignoreSet)
			metrics.MatcherDuration.WithLabelValues(cfg.ID).Observe(time.Since(start).Seconds())
			out[i] = classifyOutcome{cfg: cfg, results: results, err: err}
			return nil
		})
	}
	// Classify failures are per-configuration (§7) and never abort the
	// group; g.Wait only ever returns nil here.
	_ = g.Wait()
	return out
}

// MdmTxMatchMasters is the match-and-link algorithm (§4.2.1): given a
// LOCAL record and an in-flight transaction context, it emits the
// instructions that attach the LOCAL to an existing or newly created
// MASTER, recording Candidate/IgnoreCandidate/OriginalMaster
// relationships along the way.
func (m *Manager) MdmTxMatchMasters(ctx context.Context, tx *Tx, local *model.Record) error {
	// Step 1: RoT records never participate in matching.
	if local.IsRecordOfTruth() {
		return nil
	}

	// Step 2: existing MasterRecord relationship, context first then
	// storage.
	existingMaster, hasMaster, err := m.GetMasterFor(ctx, tx, local.Key)
	if err != nil {
		return mdmerr.Wrap(local.Key, err)
	}
	rematchMaster := false
	if hasMaster {
		siblings, err := m.localsOf(ctx, existingMaster)
		if err != nil {
			return mdmerr.Wrap(local.Key, err)
		}
		rematchMaster = len(siblings) > 1
	}

	// Step 3: strip any MDM relationships embedded on the record
	// itself; they're emitted as separate instructions.
	local.Relationships = stripMdmRelationships(local.Relationships)

	// Step 4: build the ignore set.
	ignoreSet, err := m.buildIgnoreSet(ctx, tx, local.Key, existingMaster, hasMaster)
	if err != nil {
		return mdmerr.Wrap(local.Key, err)
	}

	// Step 5: mark all pre-existing open Candidates of L as Delete.
	if err := m.deleteOpenCandidates(ctx, tx, local.Key); err != nil {
		return mdmerr.Wrap(local.Key, err)
	}

	configs, err := m.Configs.Active(ctx, local.Type)
	if err != nil {
		return mdmerr.Wrap(local.Key, err)
	}

	outcomes := m.classifyAll(ctx, local, ignoreSet, configs)
	for _, outcome := range outcomes {
		cfg, results, err := outcome.cfg, outcome.results, outcome.err
		if !applicableTo(cfg, local.Type) {
			continue
		}
		if err != nil {
			// Per-configuration failure: log a warning and continue
			// (§7).
			metrics.MatcherFailures.WithLabelValues(cfg.ID).Inc()
			log.WithError(err).Warnf("matcher configuration %q failed for %s", cfg.ID, local.Key)
			continue
		}

		grouped, err := m.groupByMaster(ctx, results)
		if err != nil {
			return mdmerr.Wrap(local.Key, err)
		}

		matches := grouped[matcher.Match]
		probables := grouped[matcher.Probable]

		if cfg.AutoLink() && len(matches) == 1 {
			mk := matches[0].masterKey
			switch {
			case !hasMaster:
				rel := model.Of(local.Key, mk, mdmconst.MasterRecord, mdmconst.Automagic).WithStrength(matches[0].strength)
				tx.EmitRelationship(&rel)
				tx.InvalidateCache(local.Key)
				metrics.MasterLinksEstablished.WithLabelValues("Automagic").Inc()
				hasMaster = true
				existingMaster = mk
			case mk != existingMaster:
				classification, err := m.classificationOf(ctx, tx, local.Key, existingMaster)
				if err != nil {
					return mdmerr.Wrap(local.Key, err)
				}
				if classification == mdmconst.Verified {
					// Suggestion only: do not relink.
					rel := model.Of(local.Key, mk, mdmconst.Candidate, mdmconst.Automagic).WithStrength(matches[0].strength)
					tx.EmitRelationship(&rel)
					metrics.CandidatesEmitted.Inc()
					rematchMaster = false
				} else {
					before := len(tx.instructions)
					if err := m.masterLink(ctx, tx, mk, local.Key, false); err != nil {
						return mdmerr.Wrap(local.Key, err)
					}
					// Re-classify any System instructions introduced by
					// masterLink as Automagic, per step 6.c.
					for i := before; i < len(tx.instructions); i++ {
						if rel := tx.instructions[i].Relationship; rel != nil && rel.Classification == mdmconst.System {
							rel.Classification = mdmconst.Automagic
						}
					}
				}
			default:
				rematchMaster = false
			}
		} else {
			for _, c := range matches {
				if c.masterKey != existingMaster {
					rel := model.Of(local.Key, c.masterKey, mdmconst.Candidate, mdmconst.Automagic).WithStrength(c.strength)
					tx.EmitRelationship(&rel)
					metrics.CandidatesEmitted.Inc()
				}
			}
		}

		for _, c := range probables {
			if c.masterKey != existingMaster {
				rel := model.Of(local.Key, c.masterKey, mdmconst.Candidate, mdmconst.Automagic).WithStrength(c.strength)
				tx.EmitRelationship(&rel)
				metrics.CandidatesEmitted.Inc()
			}
		}
	}

	// Step 7: rematch against the existing master's synthesized view.
	if rematchMaster && hasMaster {
		if err := m.rematchExisting(ctx, tx, local, existingMaster); err != nil {
			return mdmerr.Wrap(local.Key, err)
		}
		// Re-evaluate hasMaster: rematchExisting may have marked the
		// current relationship for deletion.
		hasMaster = m.hasUndeletedMasterLink(tx, local.Key, existingMaster)
	}

	// Step 8: no current MasterRecord relationship remains -> create a
	// new MASTER.
	if !hasMaster {
		newMaster := newMasterRecord()
		tx.EmitRecord(newMaster)
		rel := model.Of(local.Key, newMaster.Key, mdmconst.MasterRecord, mdmconst.System)
		tx.EmitRelationship(&rel)
		tx.InvalidateCache(local.Key)
		metrics.MasterLinksEstablished.WithLabelValues("System").Inc()
	}

	return nil
}

// hasUndeletedMasterLink reports whether the in-flight context still
// holds a non-deleted MasterRecord(local -> master) relationship.
func (m *Manager) hasUndeletedMasterLink(tx *Tx, localKey, masterKey model.Key) bool {
	for _, rel := range tx.relationshipsOfType(mdmconst.MasterRecord) {
		if rel.SourceKey == localKey && rel.TargetKey == masterKey && !rel.IsMarkedDelete() {
			return true
		}
	}
	return false
}

// masterCandidate is a de-resolved candidate: the matcher's raw
// target resolved to its owning MASTER key, keeping only the
// strongest strength seen per master (§4.2.1 step 6.b).
type masterCandidate struct {
	masterKey model.Key
	strength  float64
}

// groupByMaster resolves each candidate to its owning MASTER (if the
// candidate is itself a LOCAL), keeps the strongest strength per
// master, and groups by classification.
func (m *Manager) groupByMaster(ctx context.Context, results []matcher.Result) (map[matcher.Classification][]masterCandidate, error) {
	best := make(map[matcher.Classification]map[model.Key]float64)
	for _, r := range results {
		masterKey := r.CandidateKey
		isMaster, err := m.IsMaster(ctx, r.CandidateKey)
		if err != nil {
			return nil, err
		}
		if !isMaster {
			mk, ok, err := m.GetMasterFor(ctx, nil, r.CandidateKey)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			masterKey = mk
		}
		strength := clampStrength(r.Strength)
		if best[r.Classification] == nil {
			best[r.Classification] = make(map[model.Key]float64)
		}
		if cur, ok := best[r.Classification][masterKey]; !ok || strength > cur {
			best[r.Classification][masterKey] = strength
		}
	}

	out := make(map[matcher.Classification][]masterCandidate)
	for class, byMaster := range best {
		for mk, strength := range byMaster {
			out[class] = append(out[class], masterCandidate{masterKey: mk, strength: strength})
		}
	}
	return out, nil
}

func clampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// rematchExisting implements §4.2.1 step 7: classify L against the
// existing MASTER's synthesized view using the best configuration's
// best classification, and react per the table in the spec.
func (m *Manager) rematchExisting(ctx context.Context, tx *Tx, local *model.Record, existingMaster model.Key) error {
	cfgs, err := m.Configs.Active(ctx, local.Type)
	if err != nil {
		return err
	}
	var best *matcher.Result
	for _, cfg := range cfgs {
		if !applicableTo(cfg, local.Type) {
			continue
		}
		results, err := m.Matcher.Classify(ctx, local, cfg.ID, map[model.Key]bool{})
		if err != nil {
			metrics.MatcherFailures.WithLabelValues(cfg.ID).Inc()
			log.WithError(err).Warnf("matcher configuration %q failed during rematch for %s", cfg.ID, local.Key)
			continue
		}
		for i, r := range results {
			if r.CandidateKey != existingMaster {
				continue
			}
			if best == nil || r.Classification > best.Classification {
				best = &results[i]
			}
		}
	}
	if best == nil {
		return nil
	}

	existingClass, err := m.classificationOf(ctx, tx, local.Key, existingMaster)
	if err != nil {
		return err
	}

	switch best.Classification {
	case matcher.Probable:
		if existingClass == mdmconst.Verified {
			return m.evictNonVerified(ctx, tx, existingMaster, local.Key)
		}
		return m.deleteMasterLinkAndOriginalMaster(ctx, tx, local.Key, existingMaster, true)
	case matcher.NonMatch:
		return m.deleteMasterLinkAndOriginalMaster(ctx, tx, local.Key, existingMaster, false)
	default:
		// Match: no action.
		return nil
	}
}

// deleteMasterLinkAndOriginalMaster marks the existing master
// relationship Delete and emits an OriginalMaster pointer; when
// withCandidate is true it also emits a fresh Candidate (Probable
// case of step 7).
func (m *Manager) deleteMasterLinkAndOriginalMaster(ctx context.Context, tx *Tx, localKey, masterKey model.Key, withCandidate bool) error {
	rel, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.MasterRecord)
	if err != nil {
		return err
	}
	if rel != nil {
		rel.MarkDelete()
		tx.EmitRelationship(rel)
		tx.InvalidateCache(localKey)
	}
	om := model.Of(localKey, masterKey, mdmconst.OriginalMaster, mdmconst.System)
	tx.EmitRelationship(&om)
	if withCandidate {
		cand := model.Of(localKey, masterKey, mdmconst.Candidate, mdmconst.Automagic)
		tx.EmitRelationship(&cand)
		metrics.CandidatesEmitted.Inc()
	}
	return nil
}

// evictNonVerified moves every non-Verified LOCAL of oldMaster to its
// own newly created MASTER, leaving Verified LOCALs in place (§4.2.1
// step 7, Probable + existing Verified classification). The
// triggering LOCAL is treated like every other LOCAL of oldMaster.
func (m *Manager) evictNonVerified(ctx context.Context, tx *Tx, oldMaster, triggeringLocal model.Key) error {
	locals, err := m.localsOf(ctx, oldMaster)
	if err != nil {
		return err
	}
	for _, l := range locals {
		class, err := m.classificationOf(ctx, tx, l, oldMaster)
		if err != nil {
			return err
		}
		if class == mdmconst.Verified {
			continue
		}
		rel, err := m.currentRelationship(ctx, tx, l, oldMaster, mdmconst.MasterRecord)
		if err != nil {
			return err
		}
		if rel == nil {
			continue
		}
		rel.MarkDelete()
		tx.EmitRelationship(rel)
		tx.InvalidateCache(l)

		newMaster := newMasterRecord()
		tx.EmitRecord(newMaster)
		newLink := model.Of(l, newMaster.Key, mdmconst.MasterRecord, mdmconst.System)
		tx.EmitRelationship(&newLink)
		om := model.Of(l, oldMaster, mdmconst.OriginalMaster, mdmconst.System)
		tx.EmitRelationship(&om)
	}
	return nil
}

// buildIgnoreSet assembles the set of MASTER keys that must be
// excluded from matching (§4.2.1 step 4).
func (m *Manager) buildIgnoreSet(ctx context.Context, tx *Tx, localKey, existingMaster model.Key, hasMaster bool) (map[model.Key]bool, error) {
	set := make(map[model.Key]bool)

	direct, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reenabled := make(map[model.Key]bool)
	for _, rel := range tx.relationshipsOfType(mdmconst.IgnoreCandidate) {
		if rel.SourceKey == localKey && rel.IsMarkedDelete() {
			reenabled[rel.TargetKey] = true
		}
	}
	for _, rel := range direct {
		if rel.RelationshipType == mdmconst.IgnoreCandidate && rel.IsCurrent() {
			if !reenabled[rel.TargetKey] {
				set[rel.TargetKey] = true
			}
		}
	}

	if hasMaster {
		siblings, err := m.localsOf(ctx, existingMaster)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if sib == localKey {
				continue
			}
			sibRels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
				Fields: []mdmrepo.QueryField{{Path: "source", Value: sib}},
			})
			if err != nil {
				return nil, errors.WithStack(err)
			}
			for _, rel := range sibRels {
				if !rel.IsCurrent() {
					continue
				}
				if rel.RelationshipType == mdmconst.Candidate || rel.RelationshipType == mdmconst.IgnoreCandidate {
					if !reenabled[rel.TargetKey] {
						set[rel.TargetKey] = true
					}
				}
			}
		}
	}

	return set, nil
}

// deleteOpenCandidates marks every current Candidate relationship of
// localKey as Delete (§4.2.1 step 5).
func (m *Manager) deleteOpenCandidates(ctx context.Context, tx *Tx, localKey model.Key) error {
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: localKey}},
	})
	if err != nil {
		return errors.WithStack(err)
	}
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.Candidate && rel.IsCurrent() {
			r := rel
			r.MarkDelete()
			tx.EmitRelationship(&r)
		}
	}
	return nil
}

// LocalsOf returns the keys of every LOCAL with a current
// MasterRecord relationship to masterKey, exported for the Merger's
// candidate-review queries.
func (m *Manager) LocalsOf(ctx context.Context, masterKey model.Key) ([]model.Key, error) {
	return m.localsOf(ctx, masterKey)
}

// localsOf returns the keys of every LOCAL with a current
// MasterRecord relationship to masterKey.
func (m *Manager) localsOf(ctx context.Context, masterKey model.Key) ([]model.Key, error) {
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "target", Value: masterKey}},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []model.Key
	for _, rel := range rels {
		if rel.RelationshipType == mdmconst.MasterRecord && rel.IsCurrent() {
			out = append(out, rel.SourceKey)
		}
	}
	return out, nil
}

// currentRelationship looks up the current relationship of type rt
// between source and target, preferring a context copy over storage.
func (m *Manager) currentRelationship(ctx context.Context, tx *Tx, source, target model.Key, rt mdmconst.RelationshipType) (*model.Relationship, error) {
	if tx != nil {
		for _, rel := range tx.relationshipsOfType(rt) {
			if rel.SourceKey == source && rel.TargetKey == target {
				return rel, nil
			}
		}
	}
	rels, err := m.Store.QueryRelationships(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: "source", Value: source}},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for i := range rels {
		if rels[i].RelationshipType == rt && rels[i].TargetKey == target && rels[i].IsCurrent() {
			cp := rels[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// classificationOf returns the classification of the current
// MasterRecord relationship between local and master, defaulting to
// System if none is found (a newly created link).
func (m *Manager) classificationOf(ctx context.Context, tx *Tx, localKey, masterKey model.Key) (mdmconst.Classification, error) {
	rel, err := m.currentRelationship(ctx, tx, localKey, masterKey, mdmconst.MasterRecord)
	if err != nil {
		return mdmconst.System, err
	}
	if rel == nil {
		return mdmconst.System, nil
	}
	return rel.Classification, nil
}

func applicableTo(cfg matcher.Configuration, recordType string) bool {
	if len(cfg.ApplicableTypes) == 0 {
		return cfg.Active
	}
	for _, t := range cfg.ApplicableTypes {
		if t == recordType {
			return cfg.Active
		}
	}
	return false
}

func stripMdmRelationships(rels []model.Relationship) []model.Relationship {
	out := rels[:0]
	for _, r := range rels {
		switch r.RelationshipType {
		case mdmconst.MasterRecord, mdmconst.Candidate, mdmconst.IgnoreCandidate,
			mdmconst.MasterRecordOfTruth, mdmconst.OriginalMaster:
			continue
		default:
			out = append(out, r)
		}
	}
	return out
}

func newMasterRecord() *model.Record {
	return &model.Record{
		Key:        model.NewKey(),
		Class:      model.Key(mdmconst.MasterRecordClassification),
		Determiner: model.DeterminerInstance,
		Status:     model.StatusActive,
	}
}
