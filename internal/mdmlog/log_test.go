package mdmlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/santedb/mdm/internal/mdmlog"
)

func TestFromContextWithoutSpanReturnsBareEntry(t *testing.T) {
	entry := mdmlog.FromContext(context.Background())
	assert.NotNil(t, entry)
	_, ok := entry.Data[mdmlog.FieldTraceID]
	assert.False(t, ok)
}

func TestFromContextWithSpanAddsTraceID(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	assert.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	assert.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	entry := mdmlog.FromContext(ctx)
	assert.Equal(t, traceID.String(), entry.Data[mdmlog.FieldTraceID])
}
