package batchmatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/batchmatch"
	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/model"
)

type noResultsMatcher struct{}

func (noResultsMatcher) Classify(context.Context, *model.Record, string, map[model.Key]bool) ([]matcher.Result, error) {
	return nil, nil
}

var _ matcher.Client = noResultsMatcher{}

func TestJobRunMatchesEveryLocalInPages(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()

	const total = 7
	for i := 0; i < total; i++ {
		rec := &model.Record{Key: model.NewKey(), Class: model.NewKey(), Type: "Patient", Status: model.StatusActive}
		require.NoError(t, store.InsertRecord(ctx, rec))
	}

	mgr := &datamgr.Manager{
		Store:   store,
		Matcher: noResultsMatcher{},
		Configs: matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()},
		Cache:   mdmrepo.NewMemCache(),
	}
	job := &batchmatch.Job{
		Store:     store,
		Manager:   mgr,
		Persister: store,
		Config:    batchmatch.Config{RecordType: "Patient", PageSize: 3},
	}

	require.NoError(t, job.Run(ctx))

	cursor, err := store.QueryRecords(ctx, mdmrepo.Query{})
	require.NoError(t, err)
	defer cursor.Close(ctx)

	masters := 0
	for {
		rec, err := cursor.Next(ctx)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		if rec.IsMaster() {
			masters++
		}
	}
	assert.Equal(t, total, masters, "every LOCAL must have been matched to a freshly minted MASTER")
}

func TestJobRunHonorsCancellation(t *testing.T) {
	store := mdmtest.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &model.Record{Key: model.NewKey(), Class: model.NewKey(), Type: "Patient"}
	require.NoError(t, store.InsertRecord(context.Background(), rec))

	mgr := &datamgr.Manager{
		Store:   store,
		Matcher: noResultsMatcher{},
		Configs: matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()},
	}
	job := &batchmatch.Job{Store: store, Manager: mgr, Persister: store, Config: batchmatch.Config{RecordType: "Patient"}}

	err := job.Run(ctx)
	assert.Error(t, err, "a pre-cancelled context must abort before any page runs")
}
