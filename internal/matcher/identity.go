package matcher

import (
	"context"

	"github.com/santedb/mdm/internal/model"
)

// IdentityClient is the built-in $identity matcher (§6
// IdentityConfiguration): two records Match when they share at least
// one (domain, value) identifier pair exactly, and are otherwise
// NonMatch. The matching rule language itself is explicitly
// out-of-scope (§1 Non-goals); this is only the trivial default so a
// standalone deployment has something to Classify against without
// wiring an external matching engine.
type IdentityClient struct {
	Store interface {
		QueryByIdentifier(ctx context.Context, id model.Identifier) ([]model.Key, error)
	}
}

// Classify implements Client.
func (c *IdentityClient) Classify(ctx context.Context, rec *model.Record, configurationID string, ignore map[model.Key]bool) ([]Result, error) {
	if configurationID != IdentityConfiguration {
		return nil, nil
	}

	seen := make(map[model.Key]bool)
	var out []Result
	for _, id := range rec.Identifiers {
		keys, err := c.Store.QueryByIdentifier(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k == rec.Key || ignore[k] || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Result{CandidateKey: k, Classification: Match, Strength: 1.0})
		}
	}
	return out, nil
}

var _ Client = (*IdentityClient)(nil)

// StaticConfigs is a fixed-set ConfigurationService, suitable for a
// standalone deployment or tests that don't need a configuration
// store backing.
type StaticConfigs []Configuration

// Active implements ConfigurationService.
func (s StaticConfigs) Active(_ context.Context, recordType string) ([]Configuration, error) {
	var out []Configuration
	for _, c := range s {
		if !c.Active {
			continue
		}
		if len(c.ApplicableTypes) == 0 {
			out = append(out, c)
			continue
		}
		for _, t := range c.ApplicableTypes {
			if t == recordType {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

var _ ConfigurationService = StaticConfigs(nil)

// DefaultIdentityConfiguration is the always-on, auto-linking
// $identity configuration a fresh deployment starts with.
func DefaultIdentityConfiguration() Configuration {
	return Configuration{
		ID:     IdentityConfiguration,
		Active: true,
		Tags:   map[string]string{autoLinkTag: "true"},
	}
}
