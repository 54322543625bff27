package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/query"
)

func newLinkedFixture(t *testing.T, ctx context.Context) (*mdmtest.MemStore, model.Key, []model.Key) {
	t.Helper()
	store := mdmtest.NewMemStore()

	masterRec := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, masterRec))

	var locals []model.Key
	for i := 0; i < 2; i++ {
		l := &model.Record{Key: model.NewKey(), Type: "Patient"}
		require.NoError(t, store.InsertRecord(ctx, l))
		rel := model.Of(l.Key, masterRec.Key, mdmconst.MasterRecord, mdmconst.System)
		require.NoError(t, store.InsertRelationship(ctx, &rel))
		locals = append(locals, l.Key)
	}
	return store, masterRec.Key, locals
}

func TestSearchDefaultsToMasterSpaceDeduplicated(t *testing.T) {
	ctx := context.Background()
	store, masterKey, _ := newLinkedFixture(t, ctx)

	synth := &query.Synthesizer{Store: store, View: &master.View{Store: store}}
	results, err := synth.Search(ctx, mdmrepo.Query{})
	require.NoError(t, err)

	require.Len(t, results, 1, "both LOCALs resolve to the same MASTER, so search must dedup to one result")
	assert.Equal(t, masterKey, results[0].Key)
}

func TestSearchLocalEscapeHatch(t *testing.T) {
	ctx := context.Background()
	store, _, locals := newLinkedFixture(t, ctx)

	synth := &query.Synthesizer{Store: store, View: &master.View{Store: store}}
	results, err := synth.Search(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{{Path: mdmconst.TagMdmType, Value: string(mdmconst.MdmTypeLocal)}},
	})
	require.NoError(t, err)

	require.Len(t, results, len(locals))
	var gotKeys []model.Key
	for _, r := range results {
		gotKeys = append(gotKeys, r.Key)
	}
	assert.ElementsMatch(t, locals, gotKeys)
}

func TestSearchPaginatesOverDedupedMasters(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	var masterKeys []model.Key
	for i := 0; i < 3; i++ {
		m := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
		require.NoError(t, store.InsertRecord(ctx, m))
		masterKeys = append(masterKeys, m.Key)
	}

	synth := &query.Synthesizer{Store: store, View: &master.View{Store: store}}
	results, err := synth.Search(ctx, mdmrepo.Query{Take: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2, "Take must bound the deduplicated MASTER count, not the raw record count")
}
