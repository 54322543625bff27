// Package mdmtest provides an in-process Store fixture for exercising
// the Data Manager, Master View, Query Synthesizer, Merger, and
// Batch-Match Job without a real database, following the shape of the
// teacher's sinktest fixtures (a self-contained, reusable test
// collaborator) without requiring one of the teacher's actual
// database-backed harnesses.
package mdmtest

import (
	"context"
	"sort"
	"sync"

	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/model"
)

// MemStore is an in-memory mdmrepo.Store/BundlePersister, safe for
// concurrent use, good enough for unit tests that don't exercise
// concurrent-transaction isolation.
type MemStore struct {
	mu            sync.Mutex
	records       map[model.Key]*model.Record
	relationships map[model.Key]*model.Relationship
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		records:       make(map[model.Key]*model.Record),
		relationships: make(map[model.Key]*model.Relationship),
	}
}

var _ mdmrepo.Store = (*MemStore)(nil)
var _ mdmrepo.BundlePersister = (*MemStore)(nil)

func clone[T any](v T) *T { c := v; return &c }

// GetRecord implements mdmrepo.Store.
func (s *MemStore) GetRecord(_ context.Context, key model.Key) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return nil, errNotFound{key}
	}
	return clone(*r), nil
}

// QueryRecords implements mdmrepo.Store: a snapshot cursor over every
// record matching q's class/type/status predicates, honoring
// Skip/Take the same way the real backends page a result set.
func (s *MemStore) QueryRecords(_ context.Context, q mdmrepo.Query) (mdmrepo.ResultCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Record
	for _, r := range s.records {
		if recordMatches(r, q) {
			matched = append(matched, clone(*r))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Key.String() < matched[j].Key.String()
	})

	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Skip:]
		}
	}
	if q.Take > 0 && q.Take < len(matched) {
		matched = matched[:q.Take]
	}

	return &memCursor{records: matched}, nil
}

func recordMatches(r *model.Record, q mdmrepo.Query) bool {
	if q.Class != nil && r.Class != *q.Class {
		return false
	}
	if len(q.Keys) > 0 {
		found := false
		for _, k := range q.Keys {
			if k == r.Key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, f := range q.Fields {
		switch f.Path {
		case "type":
			if v, ok := f.Value.(string); !ok || r.Type != v {
				return false
			}
		case "status":
			if v, ok := f.Value.(string); !ok || string(r.Status) != v {
				return false
			}
		}
	}
	return true
}

// InsertRecord implements mdmrepo.Store.
func (s *MemStore) InsertRecord(_ context.Context, r *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key] = clone(*r)
	return nil
}

// UpdateRecord implements mdmrepo.Store.
func (s *MemStore) UpdateRecord(ctx context.Context, r *model.Record) error {
	return s.InsertRecord(ctx, r)
}

// DeleteRecord implements mdmrepo.Store.
func (s *MemStore) DeleteRecord(_ context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// GetRelationship implements mdmrepo.Store.
func (s *MemStore) GetRelationship(_ context.Context, key model.Key) (*model.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[key]
	if !ok {
		return nil, errNotFound{key}
	}
	return clone(*r), nil
}

// QueryRelationships implements mdmrepo.Store.
func (s *MemStore) QueryRelationships(_ context.Context, q mdmrepo.Query) ([]model.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Relationship
	for _, r := range s.relationships {
		if relationshipMatches(r, q) {
			out = append(out, *clone(*r))
		}
	}
	return out, nil
}

func relationshipMatches(r *model.Relationship, q mdmrepo.Query) bool {
	for _, f := range q.Fields {
		switch f.Path {
		case "source":
			k, ok := f.Value.(model.Key)
			if !ok || r.SourceKey != k {
				return false
			}
		case "target":
			k, ok := f.Value.(model.Key)
			if !ok || r.TargetKey != k {
				return false
			}
		}
	}
	return true
}

// InsertRelationship implements mdmrepo.Store.
func (s *MemStore) InsertRelationship(_ context.Context, r *model.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[r.Key] = clone(*r)
	return nil
}

// UpdateRelationship implements mdmrepo.Store.
func (s *MemStore) UpdateRelationship(ctx context.Context, r *model.Relationship) error {
	return s.InsertRelationship(ctx, r)
}

// DeleteRelationship implements mdmrepo.Store.
func (s *MemStore) DeleteRelationship(_ context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relationships, key)
	return nil
}

// Commit implements mdmrepo.BundlePersister: every instruction is
// applied in order, mirroring the real backends' single-transaction
// semantics without an actual rollback path (test-only).
func (s *MemStore) Commit(ctx context.Context, instructions []model.Instruction) ([]model.Instruction, error) {
	for _, instr := range instructions {
		switch {
		case instr.Record != nil:
			if err := s.InsertRecord(ctx, instr.Record); err != nil {
				return nil, err
			}
		case instr.DeleteRecordKey != nil:
			if err := s.DeleteRecord(ctx, *instr.DeleteRecordKey); err != nil {
				return nil, err
			}
		case instr.Relationship != nil:
			if instr.Relationship.IsMarkedDelete() {
				if err := s.DeleteRelationship(ctx, instr.Relationship.Key); err != nil {
					return nil, err
				}
				continue
			}
			if err := s.InsertRelationship(ctx, instr.Relationship); err != nil {
				return nil, err
			}
		}
	}
	return instructions, nil
}

type errNotFound struct{ key model.Key }

func (e errNotFound) Error() string { return "not found: " + e.key.String() }

type memCursor struct {
	records []*model.Record
	pos     int
}

func (c *memCursor) Next(context.Context) (*model.Record, error) {
	if c.pos >= len(c.records) {
		return nil, nil
	}
	r := c.records[c.pos]
	c.pos++
	return r, nil
}

func (c *memCursor) State() string { return "" }

func (c *memCursor) Close(context.Context) error { return nil }
