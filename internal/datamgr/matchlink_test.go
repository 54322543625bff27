package datamgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/model"
)

// fakeMatcher returns a fixed set of results for a given local key,
// already resolved to MASTER keys the way a real third-party matching
// engine would, letting these tests exercise Manager's own grouping,
// ignore-set, and auto-link logic in isolation from any particular
// Client implementation.
type fakeMatcher struct {
	results map[model.Key][]matcher.Result
}

func (f fakeMatcher) Classify(_ context.Context, rec *model.Record, _ string, ignore map[model.Key]bool) ([]matcher.Result, error) {
	var out []matcher.Result
	for _, r := range f.results[rec.Key] {
		if ignore[r.CandidateKey] {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

var _ matcher.Client = fakeMatcher{}

func newTestManager(store *mdmtest.MemStore, m matcher.Client) *datamgr.Manager {
	return &datamgr.Manager{
		Store:   store,
		Matcher: m,
		Configs: matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()},
		Cache:   mdmrepo.NewMemCache(),
	}
}

func mustCommit(t *testing.T, m *datamgr.Manager, store *mdmtest.MemStore, tx *datamgr.Tx) []model.Instruction {
	t.Helper()
	committed, err := m.Commit(context.Background(), store, tx)
	require.NoError(t, err)
	return committed
}

func newLocal(recordType string, ids ...model.Identifier) *model.Record {
	return &model.Record{
		Key:         model.NewKey(),
		Class:       model.NewKey(),
		Determiner:  model.DeterminerInstance,
		Status:      model.StatusActive,
		Type:        recordType,
		Identifiers: ids,
	}
}

func TestMatchMastersCreatesNewMasterWhenNoCandidates(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	m := newTestManager(store, fakeMatcher{})

	local := newLocal("Patient", model.Identifier{Domain: "nhid", Value: "1"})
	require.NoError(t, store.InsertRecord(ctx, local))

	tx := datamgr.NewTx()
	require.NoError(t, m.MdmTxMatchMasters(ctx, tx, local))
	mustCommit(t, m, store, tx)

	masterKey, has, err := m.GetMasterFor(ctx, nil, local.Key)
	require.NoError(t, err)
	require.True(t, has)

	rec, err := store.GetRecord(ctx, masterKey)
	require.NoError(t, err)
	assert.True(t, rec.IsMaster())
}

func TestMatchMastersAutoLinksOnSingleMatch(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	first := newLocal("Patient", model.Identifier{Domain: "nhid", Value: "42"})
	require.NoError(t, store.InsertRecord(ctx, first))

	bootstrap := newTestManager(store, fakeMatcher{})
	tx1 := datamgr.NewTx()
	require.NoError(t, bootstrap.MdmTxMatchMasters(ctx, tx1, first))
	mustCommit(t, bootstrap, store, tx1)

	firstMaster, has, err := bootstrap.GetMasterFor(ctx, nil, first.Key)
	require.NoError(t, err)
	require.True(t, has)

	second := newLocal("Patient", model.Identifier{Domain: "nhid", Value: "42"})
	require.NoError(t, store.InsertRecord(ctx, second))

	m := newTestManager(store, fakeMatcher{results: map[model.Key][]matcher.Result{
		second.Key: {{CandidateKey: firstMaster, Classification: matcher.Match, Strength: 1.0}},
	}})
	tx2 := datamgr.NewTx()
	require.NoError(t, m.MdmTxMatchMasters(ctx, tx2, second))
	mustCommit(t, m, store, tx2)

	secondMaster, has, err := m.GetMasterFor(ctx, nil, second.Key)
	require.NoError(t, err)
	require.True(t, has)
	assert.Equal(t, firstMaster, secondMaster)

	locals, err := m.LocalsOf(ctx, firstMaster)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Key{first.Key, second.Key}, locals)
}

func TestMatchMastersSkipsRecordOfTruth(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	m := newTestManager(store, fakeMatcher{})

	rot := newLocal("Patient")
	rot.Determiner = model.DeterminerRecordOfTruth
	require.NoError(t, store.InsertRecord(ctx, rot))

	tx := datamgr.NewTx()
	require.NoError(t, m.MdmTxMatchMasters(ctx, tx, rot))
	assert.Empty(t, tx.Instructions())
}

func TestMatchMastersRespectsIgnoreSet(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	first := newLocal("Patient", model.Identifier{Domain: "nhid", Value: "7"})
	require.NoError(t, store.InsertRecord(ctx, first))

	bootstrap := newTestManager(store, fakeMatcher{})
	tx1 := datamgr.NewTx()
	require.NoError(t, bootstrap.MdmTxMatchMasters(ctx, tx1, first))
	mustCommit(t, bootstrap, store, tx1)
	firstMaster, _, err := bootstrap.GetMasterFor(ctx, nil, first.Key)
	require.NoError(t, err)

	second := newLocal("Patient", model.Identifier{Domain: "nhid", Value: "7"})
	require.NoError(t, store.InsertRecord(ctx, second))

	// Ignore the candidate master up front; matching must then fall
	// through to minting a brand new MASTER instead of auto-linking,
	// since the matcher never even sees firstMaster as a candidate.
	ignoreRel := model.Of(second.Key, firstMaster, mdmconst.IgnoreCandidate, mdmconst.System)
	require.NoError(t, store.InsertRelationship(ctx, &ignoreRel))

	m := newTestManager(store, fakeMatcher{results: map[model.Key][]matcher.Result{
		second.Key: {{CandidateKey: firstMaster, Classification: matcher.Match, Strength: 1.0}},
	}})
	tx2 := datamgr.NewTx()
	require.NoError(t, m.MdmTxMatchMasters(ctx, tx2, second))
	mustCommit(t, m, store, tx2)

	secondMaster, has, err := m.GetMasterFor(ctx, nil, second.Key)
	require.NoError(t, err)
	require.True(t, has)
	assert.NotEqual(t, firstMaster, secondMaster)
}

func TestMatchMastersEmitsCandidateOnProbable(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	existingMaster := &model.Record{
		Key:        model.NewKey(),
		Class:      model.Key(mdmconst.MasterRecordClassification),
		Determiner: model.DeterminerInstance,
		Status:     model.StatusActive,
	}
	require.NoError(t, store.InsertRecord(ctx, existingMaster))

	local := newLocal("Patient")
	require.NoError(t, store.InsertRecord(ctx, local))

	m := newTestManager(store, fakeMatcher{results: map[model.Key][]matcher.Result{
		local.Key: {{CandidateKey: existingMaster.Key, Classification: matcher.Probable, Strength: 0.6}},
	}})
	tx := datamgr.NewTx()
	require.NoError(t, m.MdmTxMatchMasters(ctx, tx, local))

	var sawCandidate bool
	for _, instr := range tx.Instructions() {
		if instr.Relationship != nil && instr.Relationship.RelationshipType == mdmconst.Candidate {
			sawCandidate = true
			assert.Equal(t, existingMaster.Key, instr.Relationship.TargetKey)
		}
	}
	assert.True(t, sawCandidate, "a Probable classification should emit a Candidate relationship")
}
