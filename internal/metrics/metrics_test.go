package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/santedb/mdm/internal/metrics"
)

func TestTransactionCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(metrics.TransactionsCommitted)
	metrics.TransactionsCommitted.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TransactionsCommitted))
}

func TestMasterLinksEstablishedIsLabeledByClassification(t *testing.T) {
	before := testutil.ToFloat64(metrics.MasterLinksEstablished.WithLabelValues("MASTER"))
	metrics.MasterLinksEstablished.WithLabelValues("MASTER").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MasterLinksEstablished.WithLabelValues("MASTER")))
}

func TestBatchMatchProgressIsAGauge(t *testing.T) {
	metrics.BatchMatchProgress.Set(0.5)
	assert.Equal(t, 0.5, testutil.ToFloat64(metrics.BatchMatchProgress))
	metrics.BatchMatchProgress.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BatchMatchProgress))
}
