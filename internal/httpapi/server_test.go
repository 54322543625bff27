package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/httpapi"
	"github.com/santedb/mdm/internal/interceptor"
	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmconst"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/mdmtest"
	"github.com/santedb/mdm/internal/merger"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
	"github.com/santedb/mdm/internal/query"
)

type noResultsMatcher struct{}

func (noResultsMatcher) Classify(context.Context, *model.Record, string, map[model.Key]bool) ([]matcher.Result, error) {
	return nil, nil
}

var _ matcher.Client = noResultsMatcher{}

func newTestServer(store *mdmtest.MemStore) http.Handler {
	mgr := &datamgr.Manager{
		Store:   store,
		Matcher: noResultsMatcher{},
		Configs: matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()},
		Cache:   mdmrepo.NewMemCache(),
	}
	resource := &interceptor.Resource{Manager: mgr, View: &master.View{Store: store}, Enforcer: policy.Allow{}}
	bundle := &interceptor.Bundle{Resource: resource, Persister: store}
	mg := &merger.Merger{Manager: mgr, Store: store, Persister: store, Enforcer: policy.Allow{}, Events: merger.NoopEvents{}}
	synth := &query.Synthesizer{Store: store, View: &master.View{Store: store}}
	return httpapi.NewServer(bundle, mg, synth)
}

func TestHandleBundleInsertCreatesMaster(t *testing.T) {
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	local := &model.Record{Key: model.NewKey(), Class: model.NewKey(), Type: "Patient", Status: model.StatusActive}
	line, err := json.Marshal(map[string]any{"insert": local})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/bundle", bytes.NewReader(append(line, '\n')))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, has, err := (&datamgr.Manager{Store: store}).GetMasterFor(context.Background(), nil, local.Key)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHandleBundleRejectsBadMethod(t *testing.T) {
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/bundle", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMergeAndUnmerge(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	survivor := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	merged := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, survivor))
	require.NoError(t, store.InsertRecord(ctx, merged))

	local := &model.Record{Key: model.NewKey(), Class: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))
	rel := model.Of(local.Key, merged.Key, mdmconst.MasterRecord, mdmconst.System)
	require.NoError(t, store.InsertRelationship(ctx, &rel))

	body, err := json.Marshal(map[string]string{"survivor": survivor.Key.String(), "merged": merged.Key.String()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	mgr := &datamgr.Manager{Store: store}
	linked, has, err := mgr.GetMasterFor(ctx, nil, local.Key)
	require.NoError(t, err)
	require.True(t, has)
	assert.Equal(t, survivor.Key, linked)

	unmergeBody, err := json.Marshal(map[string]string{"survivor": survivor.Key.String(), "merged": merged.Key.String()})
	require.NoError(t, err)
	req2 := httptest.NewRequest(http.MethodPost, "/unmerge", bytes.NewReader(unmergeBody))
	resp2 := httptest.NewRecorder()
	srv.ServeHTTP(resp2, req2)
	assert.Equal(t, http.StatusNoContent, resp2.Code, resp2.Body.String())
}

func TestHandleMergeBadKeyIsBadRequest(t *testing.T) {
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	body, _ := json.Marshal(map[string]string{"survivor": "not-a-uuid", "merged": model.NewKey().String()})
	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandleMergeNonMasterIsBadRequest(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	local := &model.Record{Key: model.NewKey(), Class: model.NewKey()}
	require.NoError(t, store.InsertRecord(ctx, local))

	body, _ := json.Marshal(map[string]string{"survivor": local.Key.String(), "merged": model.NewKey().String()})
	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)

	// The merge preconditions are violated (neither participant is a
	// MASTER), which must surface as 400, not 500, even though the
	// error arrives wrapped in a *mdmerr.TransactionError.
	assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
}

func TestHandleSearch(t *testing.T) {
	ctx := context.Background()
	store := mdmtest.NewMemStore()
	srv := newTestServer(store)

	master := &model.Record{Key: model.NewKey(), Class: model.Key(mdmconst.MasterRecordClassification), Status: model.StatusActive}
	require.NoError(t, store.InsertRecord(ctx, master))

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var got []model.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, master.Key, got[0].Key)
}
