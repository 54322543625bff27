// Package matcher declares the record-matching collaborator contract
// consumed by the Data Manager (§6). The matching rule language itself
// is out of scope (§1 Non-goals); this package only describes the
// shape of the request/response.
package matcher

import (
	"context"

	"github.com/santedb/mdm/internal/model"
)

// Classification is the matcher's verdict for a single candidate.
type Classification int

// Recognized classifications (§6).
const (
	NonMatch Classification = iota
	Probable
	Match
)

// Result is a single candidate returned by the matcher: the key of
// the record it was compared against (a LOCAL or, after resolution, a
// MASTER), its classification, and a strength in [0,1].
type Result struct {
	CandidateKey   model.Key
	Classification Classification
	Strength       float64
}

// Configuration describes an active match configuration (§6): an id,
// the set of applicable types, a status, and a tag bag including
// $mdm.auto-link.
type Configuration struct {
	ID               string
	ApplicableTypes  []string
	Active           bool
	Tags             map[string]string
}

// AutoLink reports whether this configuration has $mdm.auto-link=true.
func (c Configuration) AutoLink() bool {
	return c.Tags[autoLinkTag] == "true"
}

const autoLinkTag = "$mdm.auto-link"

// ConfigurationService enumerates active configurations applicable to
// a type (§6).
type ConfigurationService interface {
	Active(ctx context.Context, recordType string) ([]Configuration, error)
}

// Client is the matcher collaborator: given a record, a configuration
// id, and an ignore-key set, return classified candidates (§6).
type Client interface {
	Classify(ctx context.Context, rec *model.Record, configurationID string, ignore map[model.Key]bool) ([]Result, error)
}
