package merger_test

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
	"github.com/santedb/mdm/internal/merger"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

type noResultsMatcher struct{}

func (noResultsMatcher) Classify(context.Context, *model.Record, string, map[model.Key]bool) ([]matcher.Result, error) {
	return nil, nil
}

var _ matcher.Client = noResultsMatcher{}

func newTestMerger(store *mdmtest.MemStore) *merger.Merger {
	mgr := &datamgr.Manager{
		Store:   store,
		Matcher: noResultsMatcher{},
		Configs: matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()},
		Cache:   mdmrepo.NewMemCache(),
	}
	return &merger.Merger{
		Manager:   mgr,
		Store:     store,
		Persister: store,
		Enforcer:  policy.Allow{},
		Events:    merger.NoopEvents{},
	}
}

func newMasterRec(t *testing.T, ctx context.Context, store *mdmtest.MemStore, recordType string) *model.Record {
	t.Helper()
	rec := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive, Type: recordType}
	require.NoError(t, store.InsertRecord(ctx, rec))
	return rec
}

func TestMergeFoldsMastersAndUnmergeRestores(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	mg := newTestMerger(store)

	survivor := newMasterRec(t, ctx, store, "Patient")
	merged := newMasterRec(t, ctx, store, "Patient")
	local := &model.Record{Key: model.NewKey(), Class: model.NewKey(), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, local))

	linkTx := datamgr.NewTx()
	require.NoError(t, mg.Manager.MdmTxMasterLink(ctx, linkTx, merged.Key, local.Key, false))
	_, err := mg.Manager.Commit(ctx, store, linkTx)
	require.NoError(t, err)

	require.NoError(t, mg.Merge(ctx, mdmrepo.Principal{Name: "curator"}, survivor.Key, merged.Key))

	linked, has, err := mg.Manager.GetMasterFor(ctx, nil, local.Key)
	require.NoError(t, err)
	require.True(t, has)
	assert.Equal(t, survivor.Key, linked)

	require.NoError(t, mg.Unmerge(ctx, mdmrepo.Principal{Name: "curator"}, survivor.Key, merged.Key))
	linked, has, err = mg.Manager.GetMasterFor(ctx, nil, local.Key)
	require.NoError(t, err)
	require.True(t, has)
	assert.Equal(t, merged.Key, linked)
}

func TestGetMergeCandidatesReportsStrongestStrength(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	mg := newTestMerger(store)

	masterKey := newMasterRec(t, ctx, store, "Patient").Key
	other := newMasterRec(t, ctx, store, "Patient").Key
	local := &model.Record{Key: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))

	linkTx := datamgr.NewTx()
	require.NoError(t, mg.Manager.MdmTxMasterLink(ctx, linkTx, masterKey, local.Key, false))
	_, err := mg.Manager.Commit(ctx, store, linkTx)
	require.NoError(t, err)

	weak := model.Of(local.Key, other, mdmconst.Candidate, mdmconst.Automagic).WithStrength(0.3)
	strong := model.Of(local.Key, other, mdmconst.Candidate, mdmconst.Automagic).WithStrength(0.8)
	require.NoError(t, store.InsertRelationship(ctx, &weak))
	require.NoError(t, store.InsertRelationship(ctx, &strong))

	cands, err := mg.GetMergeCandidates(ctx, masterKey)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, other, cands[0].MasterKey)
	assert.Equal(t, 0.8, cands[0].Strength)
}

func TestIgnoreRemovesFromMergeCandidatesAndAppearsInIgnored(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	mg := newTestMerger(store)

	masterKey := newMasterRec(t, ctx, store, "Patient").Key
	other := newMasterRec(t, ctx, store, "Patient").Key
	local := &model.Record{Key: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))

	linkTx := datamgr.NewTx()
	require.NoError(t, mg.Manager.MdmTxMasterLink(ctx, linkTx, masterKey, local.Key, false))
	_, err := mg.Manager.Commit(ctx, store, linkTx)
	require.NoError(t, err)

	cand := model.Of(local.Key, other, mdmconst.Candidate, mdmconst.Automagic)
	require.NoError(t, store.InsertRelationship(ctx, &cand))

	require.NoError(t, mg.Ignore(ctx, local.Key, other))

	cands, err := mg.GetMergeCandidates(ctx, masterKey)
	require.NoError(t, err)
	assert.Empty(t, cands)

	ignored, err := mg.GetIgnored(ctx, masterKey)
	require.NoError(t, err)
	require.Len(t, ignored, 1)
	assert.Equal(t, other, ignored[0].MasterKey)

	require.NoError(t, mg.UnIgnore(ctx, local.Key, other))
	ignored, err = mg.GetIgnored(ctx, masterKey)
	require.NoError(t, err)
	assert.Empty(t, ignored)
}

func TestClearMergeCandidates(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	mg := newTestMerger(store)

	masterKey := newMasterRec(t, ctx, store, "Patient").Key
	other := newMasterRec(t, ctx, store, "Patient").Key
	local := &model.Record{Key: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))

	linkTx := datamgr.NewTx()
	require.NoError(t, mg.Manager.MdmTxMasterLink(ctx, linkTx, masterKey, local.Key, false))
	_, err := mg.Manager.Commit(ctx, store, linkTx)
	require.NoError(t, err)

	cand := model.Of(local.Key, other, mdmconst.Candidate, mdmconst.Automagic)
	require.NoError(t, store.InsertRelationship(ctx, &cand))

	require.NoError(t, mg.ClearMergeCandidates(ctx, local.Key))
	cands, err := mg.GetMergeCandidates(ctx, masterKey)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDetectGlobalMergeCandidatesDedupsPairs(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	mg := newTestMerger(store)

	a := newMasterRec(t, ctx, store, "Patient")
	b := newMasterRec(t, ctx, store, "Patient")
	localA := &model.Record{Key: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, localA))

	linkTx := datamgr.NewTx()
	require.NoError(t, mg.Manager.MdmTxMasterLink(ctx, linkTx, a.Key, localA.Key, false))
	_, err := mg.Manager.Commit(ctx, store, linkTx)
	require.NoError(t, err)

	cand := model.Of(localA.Key, b.Key, mdmconst.Candidate, mdmconst.Automagic)
	require.NoError(t, store.InsertRelationship(ctx, &cand))

	pairs, err := mg.DetectGlobalMergeCandidates(ctx, "Patient")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.ElementsMatch(t, []model.Key{a.Key, b.Key}, []model.Key{pairs[0][0], pairs[0][1]})
}
