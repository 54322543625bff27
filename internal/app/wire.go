//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/santedb/mdm/internal/batchmatch"
	"github.com/santedb/mdm/internal/config"
	"github.com/santedb/mdm/internal/interceptor"
	"github.com/santedb/mdm/internal/merger"
	"github.com/santedb/mdm/internal/query"
)

// ServerApp bundles every collaborator a running mdmd server needs.
type ServerApp struct {
	Store     Store
	Resource  *interceptor.Resource
	Bundle    *interceptor.Bundle
	Merger    *merger.Merger
	Synth     *query.Synthesizer
}

// InitializeServer assembles a ServerApp from cfg. This file is only
// compiled with the wireinject build tag; wire_gen.go carries the
// real, checked-in assembly.
func InitializeServer(ctx context.Context, cfg *config.Config) (*ServerApp, func(), error) {
	panic(wire.Build(
		ProvideStore,
		ProvideConfigurationService,
		ProvideMatcher,
		ProvideEnforcer,
		ProvideCache,
		ProvideManager,
		ProvideView,
		ProvideSynthesizer,
		ProvideResource,
		ProvideBundle,
		ProvideMerger,
		wire.Struct(new(ServerApp), "*"),
	))
}

// InitializeBatchJob assembles a standalone batch-match Job from cfg.
func InitializeBatchJob(ctx context.Context, cfg *config.Config) (*batchmatch.Job, func(), error) {
	panic(wire.Build(
		ProvideStore,
		ProvideConfigurationService,
		ProvideMatcher,
		ProvideEnforcer,
		ProvideCache,
		ProvideManager,
		ProvideJobConfig,
		ProvideBatchJob,
	))
}
