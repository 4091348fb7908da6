package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

func newRecord(c memory.Category, content, corr string, at time.Time) memory.Record {
	key := memory.IdempotencyKey(c, content, corr)
	return memory.Record{
		ID:             memory.RecordID(key),
		Category:       c,
		Content:        content,
		Metadata:       map[string]any{"correlation_id": corr},
		Tags:           []string{"test"},
		CreatedAt:      at,
		IdempotencyKey: key,
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")

	s, err := NewSQLiteStore(dbPath, embed.NewHash(128))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		rec := newRecord(memory.CategoryError, "database connection timeout in checkout", "c1", now)
		id, err := s.Store(ctx, rec)
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if id != rec.ID {
			t.Errorf("Expected id %s, got %s", rec.ID, id)
		}

		got, err := s.Retrieve(ctx, id)
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if got.Content != rec.Content || got.Category != rec.Category {
			t.Errorf("Unexpected record %+v", got)
		}
		if got.Metadata["correlation_id"] != "c1" {
			t.Errorf("Expected metadata to round trip, got %v", got.Metadata)
		}
		if !got.HasTag("test") {
			t.Errorf("Expected tags to round trip, got %v", got.Tags)
		}
		if got.EmbeddingRef != "hash" {
			t.Errorf("Expected embedding ref 'hash', got %q", got.EmbeddingRef)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("Expected created_at %v, got %v", rec.CreatedAt, got.CreatedAt)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		rec := newRecord(memory.CategoryPattern, "cache warmup before deploy", "c2", now)
		for i := 0; i < 3; i++ {
			if _, err := s.Store(ctx, rec); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}
		counts, err := s.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if counts[memory.CategoryPattern] != 1 {
			t.Errorf("Expected 1 pattern record, got %d", counts[memory.CategoryPattern])
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Retrieve(ctx, "non-existent")
		if !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		_, err := s.Store(ctx, memory.Record{Category: memory.CategoryError, CreatedAt: now})
		if !memory.IsValidation(err) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})

	t.Run("Search", func(t *testing.T) {
		s.Store(ctx, newRecord(memory.CategoryError, "payment service returned 502 bad gateway", "c3", now))

		matches, err := s.Search(ctx, memory.Query{Text: "database connection timeout", Limit: 5})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(matches) == 0 {
			t.Fatal("Expected matches")
		}
		if matches[0].Record.Content != "database connection timeout in checkout" {
			t.Errorf("Expected best match first, got %q", matches[0].Record.Content)
		}
		for i := 1; i < len(matches); i++ {
			if matches[i].Score > matches[i-1].Score {
				t.Errorf("Matches not sorted by score: %v", matches)
			}
		}

		filtered, _ := s.Search(ctx, memory.Query{Text: "database connection timeout", Category: memory.CategoryPattern})
		for _, m := range filtered {
			if m.Record.Category != memory.CategoryPattern {
				t.Errorf("Expected only pattern records, got %s", m.Record.Category)
			}
		}

		strict, _ := s.Search(ctx, memory.Query{Text: "database connection timeout", MinScore: 0.99})
		for _, m := range strict {
			if m.Score < 0.99 {
				t.Errorf("Match below min score: %f", m.Score)
			}
		}
	})

	t.Run("Health", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
		if err := s.CheckConfig(ctx); err != nil {
			t.Errorf("CheckConfig failed: %v", err)
		}
		if err := s.CheckIntegrity(ctx); err != nil {
			t.Errorf("CheckIntegrity failed: %v", err)
		}
	})
}

func TestSQLiteStore_EmbedderChange(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")

	s, err := NewSQLiteStore(dbPath, embed.NewHash(0))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(dbPath, &namedEmbedder{Hash: embed.NewHash(0), name: "other"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.CheckConfig(context.Background()); err == nil {
		t.Error("Expected config check to flag the embedder change")
	}
}

type namedEmbedder struct {
	*embed.Hash
	name string
}

func (n *namedEmbedder) Name() string { return n.name }

func TestSQLiteStore_Limits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limits := func(c memory.Category) memory.Limits {
		return memory.Limits{Retention: 24 * time.Hour, Capacity: 2}
	}
	s, err := NewSQLiteStore(":memory:", embed.NewHash(0),
		WithLimits(limits), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	old := newRecord(memory.CategoryDecision, "adopt trunk based development", "old", now.Add(-48*time.Hour))
	if _, err := s.Store(ctx, old); err != nil {
		t.Fatal(err)
	}
	for i, content := range []string{"use feature flags", "split the monolith", "ship weekly"} {
		rec := newRecord(memory.CategoryDecision, content, "new", now.Add(time.Duration(i)*time.Minute))
		if _, err := s.Store(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	counts, _ := s.Count(ctx)
	if counts[memory.CategoryDecision] != 2 {
		t.Errorf("Expected capacity of 2, got %d", counts[memory.CategoryDecision])
	}
	if _, err := s.Retrieve(ctx, old.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Expected expired record to be pruned, got %v", err)
	}
	if _, err := s.Retrieve(ctx, newRecord(memory.CategoryDecision, "ship weekly", "new", now).ID); err != nil {
		t.Errorf("Expected newest record to survive: %v", err)
	}
}

func TestFinish(t *testing.T) {
	now := time.Now()
	matches := []memory.Match{
		{Record: memory.Record{ID: "a", CreatedAt: now.Add(-time.Hour)}, Score: 0.7},
		{Record: memory.Record{ID: "b", CreatedAt: now}, Score: 0.7},
		{Record: memory.Record{ID: "c"}, Score: 0.9},
		{Record: memory.Record{ID: "d"}, Score: 0.2},
	}
	got := Finish(matches, memory.Query{MinScore: 0.5, Limit: 2})
	if len(got) != 2 || got[0].Record.ID != "c" || got[1].Record.ID != "b" {
		t.Errorf("Unexpected order %v", got)
	}
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0.25, -1, 3.5}
	blob, err := encodeVector(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeVector(blob)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("Expected %v, got %v", in, out)
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for truncated vector")
	}
}
