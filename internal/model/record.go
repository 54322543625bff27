// Package model defines the MDM data model: records, relationships,
// and the identified values that make up a golden-record graph (§3).
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/santedb/mdm/internal/mdmconst"
)

// Key uniquely identifies a Record. Every record has a unique opaque
// key (§3).
type Key uuid.UUID

// NewKey allocates a fresh, random key.
func NewKey() Key { return Key(uuid.New()) }

// ParseKey parses the canonical string form of a Key.
func ParseKey(s string) (Key, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Key{}, err
	}
	return Key(u), nil
}

// String renders the canonical form.
func (k Key) String() string { return uuid.UUID(k).String() }

// IsZero reports whether the key has never been assigned.
func (k Key) IsZero() bool { return k == Key{} }

// MarshalText renders the canonical string form, so a Key serializes
// as a plain UUID string rather than a raw byte array wherever it
// appears in a JSON-encoded Record or Relationship.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the canonical string form.
func (k *Key) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*k = Key(u)
	return nil
}

// Identifier is a domain identifier carried by a record (e.g. a
// national health ID).
type Identifier struct {
	Domain string
	Value  string
}

// Determiner classifies a record's relationship to the truth: an
// instance, or a record-of-truth.
type Determiner string

// Recognized determiner values. Any other string is a valid
// domain-specific determiner; RecordOfTruth is the one MDM cares
// about.
const (
	DeterminerInstance     Determiner = "Instance"
	DeterminerRecordOfTruth Determiner = "RecordOfTruth"
)

// Status is the lifecycle status of a record.
type Status string

// Recognized statuses.
const (
	StatusActive   Status = "Active"
	StatusObsolete Status = "Obsolete"
)

// Provenance records which application/device created a record.
type Provenance struct {
	ApplicationID Key
	DeviceID      Key
}

// Record is an identified object carrying demographic and
// administrative data (§3). Name/address/telecom/note bodies are
// opaque to the MDM engine; it only needs their keys for the RoT
// promotion key-clearing step (§4.2.7), so they're modeled as a
// generic sub-object list.
type Record struct {
	Key          Key
	Class        Key
	Determiner   Determiner
	Status       Status
	Type         string
	Identifiers  []Identifier
	Names        []SubObject
	Addresses    []SubObject
	Telecoms     []SubObject
	Notes        []SubObject
	Participations []SubObject
	LanguageCommunication []SubObject
	Tags         map[string]string
	Relationships []Relationship
	Provenance   Provenance
	CreatedAt    time.Time
}

// SubObject is a demographic sub-object (name, address, telecom, ...)
// whose inner key must be cleared when a LOCAL is promoted to RoT
// (§4.2.7), so that persistence treats it as freshly authored.
type SubObject struct {
	Key  Key
	Data map[string]any
}

// ClearKey empties the sub-object's key.
func (s *SubObject) ClearKey() { s.Key = Key{} }

// IsMaster reports whether the record is a MASTER (§3: "a Record
// whose class equals MasterRecordClassification").
func (r *Record) IsMaster() bool {
	return r.Class == Key(mdmconst.MasterRecordClassification)
}

// IsRecordOfTruth reports whether the record is a curated
// Record-of-Truth (§3).
func (r *Record) IsRecordOfTruth() bool {
	return r.Determiner == DeterminerRecordOfTruth
}

// Tag returns the value of a named tag and whether it was present.
func (r *Record) Tag(name string) (string, bool) {
	if r.Tags == nil {
		return "", false
	}
	v, ok := r.Tags[name]
	return v, ok
}

// SetTag sets a named tag, allocating the map if necessary.
func (r *Record) SetTag(name, value string) {
	if r.Tags == nil {
		r.Tags = make(map[string]string)
	}
	r.Tags[name] = value
}

// RemoveTag deletes a named tag if present.
func (r *Record) RemoveTag(name string) {
	if r.Tags == nil {
		return
	}
	delete(r.Tags, name)
}

// HasIdentifier reports whether the record carries the given
// (domain, value) pair.
func (r *Record) HasIdentifier(id Identifier) bool {
	for _, have := range r.Identifiers {
		if have.Domain == id.Domain && have.Value == id.Value {
			return true
		}
	}
	return false
}

// MergeIdentifiers appends any identifiers from other not already
// present, deduplicated by (domain, value) as required when
// synthesizing a Master View (§4.1).
func (r *Record) MergeIdentifiers(other []Identifier) {
	for _, id := range other {
		if !r.HasIdentifier(id) {
			r.Identifiers = append(r.Identifiers, id)
		}
	}
}
