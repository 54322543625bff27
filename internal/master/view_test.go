package master_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
)

func linkLocal(t *testing.T, ctx context.Context, store *mdmtest.MemStore, local, masterKey model.Key) {
	t.Helper()
	rel := model.Of(local, masterKey, mdmconst.MasterRecord, mdmconst.System)
	require.NoError(t, store.InsertRelationship(ctx, &rel))
}

func TestSynthesizeRejectsNonMaster(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	local := &model.Record{Key: model.NewKey(), Class: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))

	v := &master.View{Store: store}
	_, err := v.Synthesize(ctx, local.Key)
	assert.Error(t, err)
}

func TestSynthesizeMergesIdentifiersAcrossLocals(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	masterRec := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, masterRec))

	older := &model.Record{
		Key:         model.NewKey(),
		Type:        "Patient",
		Identifiers: []model.Identifier{{Domain: "nhid", Value: "1"}},
		Names:       []model.SubObject{{Data: map[string]any{"text": "old name"}}},
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	newer := &model.Record{
		Key:         model.NewKey(),
		Type:        "Patient",
		Identifiers: []model.Identifier{{Domain: "mrn", Value: "2"}},
		Names:       []model.SubObject{{Data: map[string]any{"text": "new name"}}},
		CreatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertRecord(ctx, older))
	require.NoError(t, store.InsertRecord(ctx, newer))
	linkLocal(t, ctx, store, older.Key, masterRec.Key)
	linkLocal(t, ctx, store, newer.Key, masterRec.Key)

	v := &master.View{Store: store}
	view, err := v.Synthesize(ctx, masterRec.Key)
	require.NoError(t, err)

	assert.Equal(t, "new name", view.Names[0].Data["text"], "most recently created LOCAL sources non-identifier fields")
	assert.True(t, view.HasIdentifier(model.Identifier{Domain: "nhid", Value: "1"}))
	assert.True(t, view.HasIdentifier(model.Identifier{Domain: "mrn", Value: "2"}))
}

func TestSynthesizePrefersActiveRecordOfTruth(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	masterRec := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, masterRec))

	local := &model.Record{
		Key:       model.NewKey(),
		Names:     []model.SubObject{{Data: map[string]any{"text": "local name"}}},
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	rot := &model.Record{
		Key:        model.NewKey(),
		Determiner: model.DeterminerRecordOfTruth,
		Status:     model.StatusActive,
		Names:      []model.SubObject{{Data: map[string]any{"text": "curated name"}}},
		CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertRecord(ctx, local))
	require.NoError(t, store.InsertRecord(ctx, rot))
	linkLocal(t, ctx, store, local.Key, masterRec.Key)

	rotRel := model.Of(masterRec.Key, rot.Key, mdmconst.MasterRecordOfTruth, mdmconst.System)
	require.NoError(t, store.InsertRelationship(ctx, &rotRel))

	v := &master.View{Store: store}
	view, err := v.Synthesize(ctx, masterRec.Key)
	require.NoError(t, err)
	assert.Equal(t, "curated name", view.Names[0].Data["text"], "an active record of truth wins over a more recent LOCAL")
}

func TestRejectDirectWrite(t *testing.T) {
	ctx := context.Background()
	masterKey := model.NewKey()

	assert.NoError(t, master.RejectDirectWrite(ctx, policy.Allow{}, mdmrepo.Principal{}, masterKey))
	assert.Error(t, master.RejectDirectWrite(ctx, policy.Deny{PolicyID: policy.WriteMaster}, mdmrepo.Principal{}, masterKey))
}
