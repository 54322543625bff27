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

// Package mdmrepo declares the collaborator contracts the MDM core
// consumes: the persistence service, the bundle persister, and the
// repository notification events (§6). Concrete backends (Postgres,
// MySQL, the legacy lib/pq shim) live in sibling files in this
// package; the core datamgr/interceptor/query packages depend only on
// these interfaces.
package mdmrepo

import (
	"context"

	"github.com/santedb/mdm/internal/model"
)

// Query describes a filter over records or relationships. Field is a
// dotted path (e.g. "identifier.value"); for relationship-projected
// filters the path is of the form
// "relationship[MasterRecord].source@<Type>.<field>" per §4.4.
type Query struct {
	Class  *model.Key
	Keys   []model.Key
	Fields []QueryField
	Sort   []SortField
	Skip   int
	Take   int
}

// QueryField is a single equality/membership predicate.
type QueryField struct {
	Path  string
	Value any
}

// SortField requests ordering by a projected field.
type SortField struct {
	Path       string
	Descending bool
}

// Store is the generic persistence service collaborator (§6):
// "Get, Query, Insert, Update, Delete". It is generic over Record and
// Relationship in spirit; Go expresses that as two method families on
// one interface rather than a type parameter, since records and
// relationships are independently keyed.
type Store interface {
	GetRecord(ctx context.Context, key model.Key) (*model.Record, error)
	QueryRecords(ctx context.Context, q Query) (ResultCursor, error)
	InsertRecord(ctx context.Context, r *model.Record) error
	UpdateRecord(ctx context.Context, r *model.Record) error
	DeleteRecord(ctx context.Context, key model.Key) error

	GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error)
	QueryRelationships(ctx context.Context, q Query) ([]model.Relationship, error)
	InsertRelationship(ctx context.Context, r *model.Relationship) error
	UpdateRelationship(ctx context.Context, r *model.Relationship) error
	DeleteRelationship(ctx context.Context, key model.Key) error
}

// UnionStore is an optional extension to Store: a persistence variant
// capable of combining two predicates into one page of results, which
// §4.4 requires when both a MASTER predicate and a LOCAL-reachable
// predicate must be combined in one page.
type UnionStore interface {
	Store
	QueryUnion(ctx context.Context, a, b Query) (ResultCursor, error)
}

// ResultCursor is an iterator handle over a query's results (§9
// "Stateful query results"). The SQL-backed cursors stream rows from
// the database; mdmtest.MemStore's cursor holds its whole result set
// in memory. No Store operation resumes a query from a state token.
type ResultCursor interface {
	Next(ctx context.Context) (*model.Record, error)
	// State returns an opaque resume token; every implementation in
	// this repository returns the empty string.
	State() string
	Close(ctx context.Context) error
}

// BundlePersister commits a totally-ordered sequence of instructions
// under a single transaction and returns the persisted sequence with
// assigned keys (§6).
type BundlePersister interface {
	Commit(ctx context.Context, instructions []model.Instruction) ([]model.Instruction, error)
}

// EventKind enumerates the repository lifecycle events the host
// exposes per type (§6, §4.3).
type EventKind int

// Recognized event kinds.
const (
	EventPrePersistenceValidate EventKind = iota
	EventInserting
	EventSaving
	EventObsoleting
	EventRetrieving
	EventRetrieved
	EventQuerying
	EventQueried
)

// Principal represents the caller's application/device identity (§9
// "Caller/application provenance"): an explicit structure, not an
// ambient value.
type Principal struct {
	IdentityKind string // "Application" | "Device" | "User"
	Name         string
}
