// Package app wires the MDM engine's collaborators together. Grounded
// on the teacher's source/cdc wire_gen.go / sinktest providers: small
// ProvideX functions returning a value (and, where a resource needs
// releasing, a cleanup func), assembled by hand here in the same shape
// github.com/google/wire would generate.
package app

import (
	"context"

	"github.com/pkg/errors"

	"github.com/santedb/mdm/internal/batchmatch"
	"github.com/santedb/mdm/internal/config"
	"github.com/santedb/mdm/internal/datamgr"
	"github.com/santedb/mdm/internal/interceptor"
	"github.com/santedb/mdm/internal/master"
	"github.com/santedb/mdm/internal/matcher"
	"github.com/santedb/mdm/internal/mdmrepo"
	"github.com/santedb/mdm/internal/merger"
	"github.com/santedb/mdm/internal/model"
	"github.com/santedb/mdm/internal/policy"
	"github.com/santedb/mdm/internal/query"
)

// Store bundles the two Store-shaped capabilities a deployment needs:
// the Store itself, and the BundlePersister it doubles as. Every
// concrete backend (Postgres, MySQL, legacy-pq) implements both.
type Store interface {
	mdmrepo.Store
	mdmrepo.BundlePersister
}

// ProvideStore dials the backend named by cfg.Store.Driver.
func ProvideStore(ctx context.Context, cfg config.StoreConfig) (Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := mdmrepo.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "mysql":
		s, err := mdmrepo.NewMySQLStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "legacy-pq":
		s, err := mdmrepo.NewLegacyPQStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unrecognized storeDriver %q", cfg.Driver)
	}
}

// ProvideConfigurationService returns the default built-in $identity
// configuration set; a deployment wanting a real external matching
// engine supplies its own matcher.ConfigurationService instead.
func ProvideConfigurationService() matcher.ConfigurationService {
	return matcher.StaticConfigs{matcher.DefaultIdentityConfiguration()}
}

// ProvideMatcher constructs the built-in $identity matcher over the
// same Store used for persistence.
func ProvideMatcher(store Store) matcher.Client {
	return &matcher.IdentityClient{Store: identityQuerier{store}}
}

// identityQuerier adapts mdmrepo.Store's generic QueryRecords into the
// narrow identifier lookup matcher.IdentityClient needs.
type identityQuerier struct {
	store mdmrepo.Store
}

func (q identityQuerier) QueryByIdentifier(ctx context.Context, id model.Identifier) ([]model.Key, error) {
	cursor, err := q.store.QueryRecords(ctx, mdmrepo.Query{
		Fields: []mdmrepo.QueryField{
			{Path: "identifier.domain", Value: id.Domain},
			{Path: "identifier.value", Value: id.Value},
		},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Key
	for {
		rec, err := cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if rec.HasIdentifier(id) {
			out = append(out, rec.Key)
		}
	}
	return out, nil
}

// ProvideEnforcer returns the permissive policy enforcer used when no
// external policy service is configured; production deployments
// replace this with an Enforcer backed by their own authorization
// service.
func ProvideEnforcer() policy.Enforcer {
	return policy.Allow{}
}

// ProvideCache returns the in-process MasterLinkCache.
func ProvideCache() mdmrepo.MasterLinkCache {
	return mdmrepo.NewMemCache()
}

// ProvideManager assembles the Data Manager from its collaborators.
func ProvideManager(store Store, m matcher.Client, configs matcher.ConfigurationService, cache mdmrepo.MasterLinkCache, cfg *config.Config) *datamgr.Manager {
	return &datamgr.Manager{
		Store:              store,
		Matcher:            m,
		Configs:            configs,
		Cache:              cache,
		DeleteEmptyMasters: cfg.DeleteEmptyMasters,
	}
}

// ProvideView constructs the Master View over store.
func ProvideView(store Store) *master.View {
	return &master.View{Store: store}
}

// ProvideSynthesizer constructs the Query Synthesizer.
func ProvideSynthesizer(store Store, view *master.View) *query.Synthesizer {
	return &query.Synthesizer{Store: store, View: view}
}

// ProvideResource constructs the Resource Interceptor.
func ProvideResource(mgr *datamgr.Manager, view *master.View, enforcer policy.Enforcer) *interceptor.Resource {
	return &interceptor.Resource{Manager: mgr, View: view, Enforcer: enforcer}
}

// ProvideBundle constructs the Bundle Interceptor.
func ProvideBundle(resource *interceptor.Resource, store Store) *interceptor.Bundle {
	return &interceptor.Bundle{Resource: resource, Persister: store}
}

// ProvideMerger constructs the curator-facing Merger.
func ProvideMerger(mgr *datamgr.Manager, store Store, enforcer policy.Enforcer) *merger.Merger {
	return &merger.Merger{
		Manager:   mgr,
		Store:     store,
		Persister: store,
		Enforcer:  enforcer,
		Events:    merger.NoopEvents{},
	}
}

// ProvideJobConfig extracts the batch-match runtime config from cfg.
func ProvideJobConfig(cfg *config.Config) batchmatch.Config {
	return cfg.Batch.AsJobConfig()
}

// ProvideBatchJob constructs the Batch-Match Job.
func ProvideBatchJob(store Store, mgr *datamgr.Manager, jobCfg batchmatch.Config) *batchmatch.Job {
	return &batchmatch.Job{
		Store:     store,
		Manager:   mgr,
		Persister: store,
		Config:    jobCfg,
	}
}
