// Package observe carries the structured logger and tracer shared by the
// memory core. Every component takes an *Observer; nil means Discard.
package observe

import (
	"context"
	"io"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/felixgeelhaar/memtrigger"

// Options selects the log format, level and tracer provider.
type Options struct {
	// JSON writes one JSON object per line instead of console output.
	JSON bool
	// Verbose enables debug and info output; otherwise only warnings and
	// errors are logged.
	Verbose bool
	// Tracer defaults to the global provider.
	Tracer trace.TracerProvider
}

// Observer handles logging and tracing.
type Observer struct {
	log      *bolt.Logger
	provider trace.TracerProvider
	tracer   trace.Tracer
}

// New creates an Observer writing logs to out.
func New(out io.Writer, opts Options) *Observer {
	var h bolt.Handler
	if opts.JSON {
		h = bolt.NewJSONHandler(out)
	} else {
		h = bolt.NewConsoleHandler(out)
	}
	l := bolt.New(h)
	if !opts.Verbose {
		l.SetLevel(bolt.WARN)
	}

	tp := opts.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{
		log:      l,
		provider: tp,
		tracer:   tp.Tracer(instrumentation),
	}
}

// Discard returns an Observer that drops all logs and uses the global tracer.
func Discard() *Observer {
	return New(io.Discard, Options{})
}

// Log returns the underlying logger.
func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a span named after the operation, e.g. "memory.store".
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Close flushes the tracer provider when it supports shutdown.
func (o *Observer) Close() error {
	if s, ok := o.provider.(interface{ Shutdown(context.Context) error }); ok {
		return s.Shutdown(context.Background())
	}
	return nil
}
