// Package mdmlog centralizes the structured logging field names used
// across the MDM engine, following the teacher's
// log.WithFields(log.Fields{...}) idiom (internal/source/cdc/resolver.go).
package mdmlog

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Field names used consistently across packages so that log
// aggregation queries don't have to special-case each subsystem.
const (
	FieldRecord         = "record"
	FieldMaster         = "master"
	FieldLocal          = "local"
	FieldRelationship   = "relationship"
	FieldConfiguration  = "configuration"
	FieldDuration       = "duration"
	FieldCount          = "count"
	FieldTraceID        = "trace_id"
)

// WithRecord returns an entry tagged with a record key field. Callers
// compose additional fields with further WithField/WithFields calls.
func WithRecord(key fmt.Stringer) *log.Entry {
	return log.WithField(FieldRecord, key.String())
}

// FromContext returns an entry tagged with the active span's trace ID,
// if ctx carries a span context with a trace ID (recording or not), so logs and traces for the same
// request can be correlated. Returns the bare standard logger when no
// span is present.
func FromContext(ctx context.Context) *log.Entry {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return log.NewEntry(log.StandardLogger())
	}
	return log.WithField(FieldTraceID, sc.TraceID().String())
}
