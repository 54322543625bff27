package model

import (
	"github.com/santedb/mdm/internal/mdmconst"
)

// BatchOperation tags a Relationship (or Record) instruction with the
// action the bundle persister should take (§3).
type BatchOperation int

// Recognized batch operations.
const (
	OpNone BatchOperation = iota
	Insert
	Update
	Delete
	InsertOrUpdate
)

// Relationship is a directed association source -> target, typed by a
// relationshipType, carrying a classification, an optional strength,
// an obsoletion marker, and a batch operation tag (§3).
type Relationship struct {
	Key              Key
	SourceKey        Key
	TargetKey        Key
	RelationshipType mdmconst.RelationshipType
	Classification   mdmconst.Classification
	Strength         *float64 // nil when not applicable
	ObsoleteSeq      *int64   // nil = current
	BatchOperation   BatchOperation
}

// IsCurrent reports whether the relationship has not been obsoleted.
func (r *Relationship) IsCurrent() bool { return r.ObsoleteSeq == nil }

// MarkDelete tags the relationship for deletion in the current
// transaction. Invariant 8 (§3) forbids a relationship from being
// both obsoleted and marked Delete in the same transaction, so this
// also clears any obsoletion sequence.
func (r *Relationship) MarkDelete() {
	r.BatchOperation = Delete
	r.ObsoleteSeq = nil
}

// IsMarkedDelete reports whether the in-memory copy has been tagged
// for deletion, whether or not it has been committed yet.
func (r *Relationship) IsMarkedDelete() bool { return r.BatchOperation == Delete }

// Of constructs a new current relationship of the given type between
// source and target, with the given classification.
func Of(sourceKey, targetKey Key, rt mdmconst.RelationshipType, class mdmconst.Classification) Relationship {
	return Relationship{
		Key:              NewKey(),
		SourceKey:        sourceKey,
		TargetKey:        targetKey,
		RelationshipType: rt,
		Classification:   class,
		BatchOperation:   InsertOrUpdate,
	}
}

// WithStrength attaches a match strength in [0,1] to the relationship.
func (r Relationship) WithStrength(strength float64) Relationship {
	if strength < 0 {
		strength = 0
	} else if strength > 1 {
		strength = 1
	}
	r.Strength = &strength
	return r
}

// Instruction is a single item in an MDM transaction: a Record
// upsert, a Record deletion, or a Relationship tagged with a batch
// operation, in the order they must be applied (§5 "Ordering").
type Instruction struct {
	Record          *Record
	DeleteRecordKey *Key
	Relationship    *Relationship
}

// RecordInstruction wraps a record upsert as an instruction.
func RecordInstruction(r *Record) Instruction { return Instruction{Record: r} }

// DeleteRecordInstruction wraps a hard record deletion as an
// instruction, used when evicting an orphaned MASTER with
// Config.DeleteEmptyMasters set (§9).
func DeleteRecordInstruction(key Key) Instruction {
	k := key
	return Instruction{DeleteRecordKey: &k}
}

// RelationshipInstruction wraps a relationship as an instruction.
func RelationshipInstruction(r *Relationship) Instruction { return Instruction{Relationship: r} }
