// Package chromem stores memory records in an embedded chromem-go database,
// one collection per category.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/store"
)

// Store wraps chromem-go for vector storage.
type Store struct {
	db          *chromem.DB
	embedder    embed.Embedder
	opts        store.Options
	collections map[memory.Category]*chromem.Collection
	mu          sync.RWMutex
}

var (
	_ memory.Store         = (*Store)(nil)
	_ memory.HealthChecker = (*Store)(nil)
)

// New creates a store. An empty path keeps everything in memory; otherwise
// documents are persisted under path.
func New(path string, e embed.Embedder, opts ...store.Option) (*Store, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}
	return &Store{
		db:          db,
		embedder:    e,
		opts:        store.ApplyOptions(opts...),
		collections: make(map[memory.Category]*chromem.Collection),
	}, nil
}

func collectionName(c memory.Category) string {
	return "memories_" + string(c)
}

// collection returns the collection for a category, creating it on first use.
func (s *Store) collection(c memory.Category) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[c]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, exists := s.collections[c]; exists {
		return col, nil
	}

	// Documents and queries are both embedded by s.embedder.
	col, err := s.db.GetOrCreateCollection(collectionName(c), map[string]string{"category": string(c)}, s.embedFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[c] = col
	return col, nil
}

func (s *Store) embedFunc(ctx context.Context, text string) ([]float32, error) {
	return s.vector(ctx, text)
}

// vector embeds text and guarantees a non-zero result, which chromem needs
// to normalize.
func (s *Store) vector(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	for _, v := range vec {
		if v != 0 {
			return vec, nil
		}
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedder returned an empty vector")
	}
	vec[0] = 1e-6
	return vec, nil
}

func (s *Store) Store(ctx context.Context, rec memory.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		if rec.IdempotencyKey == "" {
			rec.IdempotencyKey = memory.IdempotencyKey(rec.Category, rec.Content, "")
		}
		rec.ID = memory.RecordID(rec.IdempotencyKey)
	}

	col, err := s.collection(rec.Category)
	if err != nil {
		return "", err
	}
	if _, err := col.GetByID(ctx, rec.ID); err == nil {
		return rec.ID, nil
	}

	vec, err := s.vector(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("failed to embed content: %w", err)
	}
	meta, err := encodeMetadata(rec, s.embedder.Name())
	if err != nil {
		return "", err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: vec,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}

	if err := s.prune(ctx, col, rec.Category, vec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Store) Retrieve(ctx context.Context, id string) (memory.Record, error) {
	for _, c := range memory.Categories() {
		col, err := s.collection(c)
		if err != nil {
			return memory.Record{}, err
		}
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		return decodeRecord(doc.ID, doc.Content, doc.Metadata)
	}
	return memory.Record{}, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
}

func (s *Store) Search(ctx context.Context, q memory.Query) ([]memory.Match, error) {
	vec, err := s.vector(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}

	categories := memory.Categories()
	if q.Category != "" {
		categories = []memory.Category{q.Category}
	}

	now := s.opts.Now()
	var matches []memory.Match
	for _, c := range categories {
		col, err := s.collection(c)
		if err != nil {
			return nil, err
		}
		// chromem-go requires nResults <= collection size.
		n := min(limit, col.Count())
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		for _, r := range results {
			rec, err := decodeRecord(r.ID, r.Content, r.Metadata)
			if err != nil {
				return nil, err
			}
			if store.Expired(s.opts.Limits(c), rec.CreatedAt, now) {
				continue
			}
			matches = append(matches, memory.Match{
				Record: rec,
				Score:  store.Clamp(float64(r.Similarity)),
				Kind:   memory.MatchSemantic,
			})
		}
	}
	return store.Finish(matches, q), nil
}

// prune deletes expired documents and the oldest ones above capacity.
// chromem has no listing call, so a full-size query stands in for one.
func (s *Store) prune(ctx context.Context, col *chromem.Collection, c memory.Category, vec []float32) error {
	limits := s.opts.Limits(c)
	count := col.Count()
	if limits.Retention <= 0 && (limits.Capacity <= 0 || count <= limits.Capacity) {
		return nil
	}

	all, err := col.QueryEmbedding(ctx, vec, count, nil, nil)
	if err != nil {
		return fmt.Errorf("chromem query: %w", err)
	}
	type entry struct {
		id        string
		createdAt time.Time
	}
	entries := make([]entry, 0, len(all))
	for _, r := range all {
		entries = append(entries, entry{id: r.ID, createdAt: parseTime(r.Metadata["created_at"])})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].createdAt.After(entries[j].createdAt)
		}
		return entries[i].id < entries[j].id
	})

	now := s.opts.Now()
	var drop []string
	kept := 0
	for _, e := range entries {
		if store.Expired(limits, e.createdAt, now) || (limits.Capacity > 0 && kept >= limits.Capacity) {
			drop = append(drop, e.id)
			continue
		}
		kept++
	}
	if len(drop) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, drop...); err != nil {
		return fmt.Errorf("failed to prune collection: %w", err)
	}
	return nil
}

// Count returns the number of records per category.
func (s *Store) Count(_ context.Context) (map[memory.Category]int, error) {
	counts := make(map[memory.Category]int)
	for _, c := range memory.Categories() {
		col, err := s.collection(c)
		if err != nil {
			return nil, err
		}
		if n := col.Count(); n > 0 {
			counts[c] = n
		}
	}
	return counts, nil
}

// Ping always succeeds; the database is in process.
func (s *Store) Ping(context.Context) error {
	return nil
}

// CheckConfig verifies that every category has a collection.
func (s *Store) CheckConfig(context.Context) error {
	for _, c := range memory.Categories() {
		if _, err := s.collection(c); err != nil {
			return err
		}
	}
	return nil
}

// CheckIntegrity verifies that stored documents can be queried and decoded.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	for name, col := range s.db.ListCollections() {
		n := col.Count()
		if n == 0 {
			continue
		}
		probe, err := s.vector(ctx, "integrity probe")
		if err != nil {
			return fmt.Errorf("failed to embed probe: %w", err)
		}
		// Fails when stored vectors have a different dimension.
		results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
		if err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
		for _, r := range results {
			if _, err := decodeRecord(r.ID, r.Content, r.Metadata); err != nil {
				return fmt.Errorf("collection %s: %w", name, err)
			}
		}
	}
	return nil
}

func encodeMetadata(rec memory.Record, embeddingRef string) (map[string]string, error) {
	meta := map[string]string{
		"category":        string(rec.Category),
		"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"supersedes":      rec.Supersedes,
		"idempotency_key": rec.IdempotencyKey,
		"embedding_ref":   embeddingRef,
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta["metadata"] = string(b)
	}
	if len(rec.Tags) > 0 {
		b, err := json.Marshal(rec.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		meta["tags"] = string(b)
	}
	return meta, nil
}

func decodeRecord(id, content string, meta map[string]string) (memory.Record, error) {
	rec := memory.Record{
		ID:             id,
		Category:       memory.Category(meta["category"]),
		Content:        content,
		CreatedAt:      parseTime(meta["created_at"]),
		Supersedes:     meta["supersedes"],
		IdempotencyKey: meta["idempotency_key"],
		EmbeddingRef:   meta["embedding_ref"],
	}
	if raw := meta["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return memory.Record{}, fmt.Errorf("unmarshal metadata of %s: %w", id, err)
		}
	}
	if raw := meta["tags"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Tags); err != nil {
			return memory.Record{}, fmt.Errorf("unmarshal tags of %s: %w", id, err)
		}
	}
	return rec, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
