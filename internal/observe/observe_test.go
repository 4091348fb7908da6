package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_QuietByDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, Options{})

	obs.Log().Info().Str("record", "r-1").Msg("memory stored")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered without verbose, got %q", buf.String())
	}

	obs.Log().Warn().Str("dependency", "memory").Msg("circuit opened")
	if !strings.Contains(buf.String(), "circuit opened") {
		t.Errorf("expected warning in output, got %q", buf.String())
	}
}

func TestNew_JSONLines(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := New(buf, Options{JSON: true, Verbose: true})

	obs.Log().Info().
		Str("correlation_id", "run-42").
		Int("records", 2).
		Msg("memory stored")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON object, got %q: %v", buf.String(), err)
	}
	if line["correlation_id"] != "run-42" {
		t.Errorf("missing correlation_id in %v", line)
	}
}

func TestStartSpan_UsesProvider(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := New(&bytes.Buffer{}, Options{Tracer: tp})

	ctx, parent := obs.StartSpan(context.Background(), "trigger.handle")
	_, child := obs.StartSpan(ctx, "memory.store")
	Fail(child, errors.New("connection refused"))
	Fail(child, nil)
	child.End()
	parent.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	store, handle := ended[0], ended[1]
	if store.Name() != "memory.store" || handle.Name() != "trigger.handle" {
		t.Fatalf("unexpected span order %q, %q", store.Name(), handle.Name())
	}
	if store.Parent().SpanID() != handle.SpanContext().SpanID() {
		t.Error("memory.store should be a child of trigger.handle")
	}
	if store.Status().Code != codes.Error || len(store.Events()) != 1 {
		t.Errorf("expected one recorded error, got status %v events %d", store.Status(), len(store.Events()))
	}
	if handle.Status().Code == codes.Error {
		t.Error("parent span should not be marked failed")
	}

	if err := obs.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	obs := Discard()
	obs.Log().Error().Msg("dropped")
	_, span := obs.StartSpan(context.Background(), "recall.enhance")
	span.End()
	if err := obs.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
