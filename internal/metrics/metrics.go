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

// Package metrics exposes Prometheus counters and histograms for the
// MDM transaction engine, grounded on
// internal/staging/stage/metrics.go in the teacher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram buckets shared by every duration
// metric in this package.
var LatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var (
	// TransactionsCommitted counts successfully committed MDM
	// transactions.
	TransactionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdm_transactions_committed_total",
		Help: "the number of MDM transactions successfully committed",
	})

	// TransactionsFailed counts bundle persister commit failures.
	TransactionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdm_transactions_failed_total",
		Help: "the number of MDM transactions that failed to commit",
	})

	// CandidatesEmitted counts Candidate relationships emitted by
	// match-and-link.
	CandidatesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdm_candidates_emitted_total",
		Help: "the number of Candidate relationships emitted",
	})

	// MasterLinksEstablished counts MasterRecord relationships
	// created or upgraded.
	MasterLinksEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdm_master_links_established_total",
		Help: "the number of MasterRecord relationships established, by classification",
	}, []string{"classification"})

	// MatcherDuration records time spent waiting on the matcher
	// collaborator, per configuration.
	MatcherDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mdm_matcher_duration_seconds",
		Help:    "time spent invoking the matcher collaborator",
		Buckets: LatencyBuckets,
	}, []string{"configuration"})

	// MatcherFailures counts per-configuration matcher failures that
	// were logged and skipped (§7).
	MatcherFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdm_matcher_failures_total",
		Help: "the number of per-configuration matcher failures",
	}, []string{"configuration"})

	// BatchMatchProgress reports the fraction complete [0,1] of the
	// currently running batch-match job.
	BatchMatchProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdm_batch_match_progress_ratio",
		Help: "fraction complete of the currently running batch-match job",
	})
)
