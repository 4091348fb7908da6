package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Error ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != CategoryError {
		t.Errorf("expected %q, got %q", CategoryError, c)
	}

	if _, err := ParseCategory("gossip"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSortCategories(t *testing.T) {
	cs := []Category{CategoryPerformance, CategoryPattern, CategoryError}
	SortCategories(cs)
	want := []Category{CategoryPattern, CategoryError, CategoryPerformance}
	for i := range want {
		if cs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cs)
		}
	}
}

func TestEvent_Validate(t *testing.T) {
	ok := NewEvent(EventWorkflowComplete, "engine", "c1", nil)
	if err := ok.Validate(); err != nil {
		t.Errorf("expected valid event, got %v", err)
	}

	testCases := []struct {
		name  string
		event Event
		field string
	}{
		{"missing type", Event{Source: "x", Timestamp: time.Now()}, "event_type"},
		{"missing source", Event{Type: "x", Timestamp: time.Now()}, "source_component"},
		{"missing timestamp", Event{Type: "x", Source: "y"}, "timestamp"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, ve.Field)
			}
		})
	}
}

func TestNewEvent_CopiesPayload(t *testing.T) {
	payload := map[string]any{"success": false}
	e := NewEvent(EventWorkflowComplete, "engine", "c1", payload)
	payload["success"] = true

	if e.Payload["success"] != false {
		t.Error("event payload should not change when the caller's map does")
	}
}

func TestEvent_Field(t *testing.T) {
	e := NewEvent("x", "y", "", map[string]any{
		"success": false,
		"metrics": map[string]any{"duration_ms": 1200},
	})

	if v, ok := e.Field("success"); !ok || v != false {
		t.Errorf("expected success=false, got %v (%v)", v, ok)
	}
	if v, ok := e.Field("metrics.duration_ms"); !ok || v != 1200 {
		t.Errorf("expected nested lookup, got %v (%v)", v, ok)
	}
	if _, ok := e.Field("metrics.missing"); ok {
		t.Error("expected missing nested field")
	}
	if _, ok := e.Field("success.deeper"); ok {
		t.Error("expected lookup through a scalar to fail")
	}
}

func TestRecord_Validate(t *testing.T) {
	r := Record{Category: CategoryError, Content: "boom", CreatedAt: time.Now()}
	if err := r.Validate(); err != nil {
		t.Errorf("expected valid record, got %v", err)
	}
	r.Category = "nope"
	if !IsValidation(r.Validate()) {
		t.Error("expected validation error for unknown category")
	}
}

func TestIdempotentIdentity(t *testing.T) {
	k1 := IdempotencyKey(CategoryError, "content", "c1")
	k2 := IdempotencyKey(CategoryError, "content", "c1")
	k3 := IdempotencyKey(CategoryError, "content", "c2")

	if k1 != k2 {
		t.Error("same inputs must yield the same key")
	}
	if k1 == k3 {
		t.Error("different correlation ids must yield different keys")
	}
	if RecordID(k1) != RecordID(k2) {
		t.Error("record ids must be stable for the same key")
	}
	if RecordID(k1) == RecordID(k3) {
		t.Error("record ids must differ for different keys")
	}
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", Unavailable(errors.New("conn refused")), true},
		{"circuit open", fmt.Errorf("write: %w", ErrCircuitOpen), true},
		{"timeout", ErrTimeout, true},
		{"deadline", context.DeadlineExceeded, true},
		{"validation", &ValidationError{Field: "content", Reason: "is required"}, false},
		{"not found", ErrNotFound, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("expected untouched string, got %q", got)
	}
	if got := Truncate("abcdefghij", 8); got != "abcde..." {
		t.Errorf("unexpected cut %q", got)
	}

	long := strings.Repeat("é", 400)
	for n := 4; n < 12; n++ {
		got := Truncate(long, n)
		if !utf8.ValidString(got) {
			t.Fatalf("Truncate(_, %d) produced invalid UTF-8 %q", n, got)
		}
		if len(got) > n {
			t.Errorf("Truncate(_, %d) returned %d bytes", n, len(got))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("expected ellipsis, got %q", got)
		}
	}
}
