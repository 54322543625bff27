// Package httpapi exposes the Bundle Interceptor, Merger, and Query
// Synthesizer over plain HTTP/JSON. Grounded on the root sink.go's
// HandleRequest: a bufio.Scanner reading newline-delimited JSON lines
// from the request body, one line per item, generalized here from a
// single CDC sink line to a bundle of insert/save/obsolete items.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/santedb/mdm/internal/interceptor"
	"github.com/santedb/mdm/internal/mdmerr"
	"github.com/santedb/mdm/internal/mdmlog"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/merger"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/query"
)

// NewServer assembles the MDM engine's HTTP surface.
func NewServer(bundle *interceptor.Bundle, mg *merger.Merger, synth *query.Synthesizer) http.Handler {
	s := &server{bundle: bundle, merger: mg, synth: synth}
	mux := http.NewServeMux()
	mux.HandleFunc("/bundle", s.handleBundle)
	mux.HandleFunc("/merge", s.handleMerge)
	mux.HandleFunc("/unmerge", s.handleUnmerge)
	mux.HandleFunc("/search", s.handleSearch)
	return mux
}

type server struct {
	bundle *interceptor.Bundle
	merger *merger.Merger
	synth  *query.Synthesizer
}

// bundleLine is the wire shape of a single newline-delimited bundle
// item: exactly one of insert/save/obsolete is populated.
type bundleLine struct {
	Insert      *model.Record `json:"insert,omitempty"`
	Save        *model.Record `json:"save,omitempty"`
	ObsoleteKey *string       `json:"obsoleteKey,omitempty"`
}

func (s *server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var items []interceptor.BundleItem
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var bl bundleLine
		if err := json.Unmarshal(line, &bl); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		item, err := bl.toItem()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal := principalOf(r)
	committed, err := s.bundle.Apply(r.Context(), principal, items)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"committed": len(committed)})
}

func (bl bundleLine) toItem() (interceptor.BundleItem, error) {
	switch {
	case bl.Insert != nil:
		return interceptor.BundleItem{Insert: bl.Insert}, nil
	case bl.Save != nil:
		return interceptor.BundleItem{Save: bl.Save}, nil
	case bl.ObsoleteKey != nil:
		k, err := model.ParseKey(*bl.ObsoleteKey)
		if err != nil {
			return interceptor.BundleItem{}, err
		}
		return interceptor.BundleItem{ObsoleteKey: &k}, nil
	default:
		return interceptor.BundleItem{}, nil
	}
}

type mergeRequest struct {
	Survivor string `json:"survivor"`
	Merged   string `json:"merged"`
}

func (s *server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.mergeOrUnmerge(w, r, s.merger.Merge)
}

func (s *server) handleUnmerge(w http.ResponseWriter, r *http.Request) {
	s.mergeOrUnmerge(w, r, s.merger.Unmerge)
}

type mergeOp func(ctx context.Context, principal mdmrepo.Principal, survivor, merged model.Key) error

func (s *server) mergeOrUnmerge(w http.ResponseWriter, r *http.Request, op mergeOp) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	survivor, err := model.ParseKey(req.Survivor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	merged, err := model.ParseKey(req.Merged)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), principalOf(r), survivor, merged); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var precondition *mdmerr.PreconditionError
	var denied *mdmerr.PermissionDeniedError
	var orphan *mdmerr.OrphanDetected
	if errors.As(err, &precondition) || errors.As(err, &denied) || errors.As(err, &orphan) {
		status = http.StatusBadRequest
	}
	mdmlog.FromContext(ctx).WithError(err).Warn("mdm request failed")
	http.Error(w, err.Error(), status)
}

func principalOf(r *http.Request) mdmrepo.Principal {
	if name := r.Header.Get("X-Mdm-Principal"); name != "" {
		return mdmrepo.Principal{IdentityKind: "User", Name: name}
	}
	return mdmrepo.Principal{}
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := mdmrepo.Query{}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Fields = append(q.Fields, mdmrepo.QueryField{Path: "type", Value: t})
	}
	if mt := r.URL.Query().Get("mdmType"); mt != "" {
		q.Fields = append(q.Fields, mdmrepo.QueryField{Path: "$mdm.type", Value: mt})
	}

	recs, err := s.synth.Search(r.Context(), q)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}
