package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

const schemaVersion = "1"

type SQLiteStore struct {
	db       *sql.DB
	embedder embed.Embedder
	opts     Options
}

var (
	_ memory.Store         = (*SQLiteStore)(nil)
	_ memory.HealthChecker = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:"
// keeps everything in process.
func NewSQLiteStore(dbPath string, e embed.Embedder, opts ...Option) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:       db,
		embedder: e,
		opts:     ApplyOptions(opts...),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			tags TEXT,
			created_at INTEGER NOT NULL,
			supersedes TEXT,
			idempotency_key TEXT,
			embedding_ref TEXT,
			embedding BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_category_created ON records(category, created_at);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}

	if err := s.SetConfig("schema_version", schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	current, err := s.GetConfig("embedder")
	if err != nil {
		return fmt.Errorf("failed to read embedder config: %w", err)
	}
	if current == "" {
		return s.SetConfig("embedder", s.embedderID())
	}
	return nil
}

func (s *SQLiteStore) embedderID() string {
	return s.embedder.Name()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Record Implementation

func (s *SQLiteStore) Store(ctx context.Context, rec memory.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		if rec.IdempotencyKey == "" {
			rec.IdempotencyKey = memory.IdempotencyKey(rec.Category, rec.Content, "")
		}
		rec.ID = memory.RecordID(rec.IdempotencyKey)
	}

	vector, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("failed to embed content: %w", err)
	}
	blob, err := encodeVector(vector)
	if err != nil {
		return "", err
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}

	// An existing id means a retried write of the same logical record.
	query := `INSERT INTO records (id, category, content, metadata, tags, created_at, supersedes, idempotency_key, embedding_ref, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Category), rec.Content, string(metaJSON), string(tagsJSON),
		rec.CreatedAt.UTC().UnixNano(), rec.Supersedes, rec.IdempotencyKey, s.embedder.Name(), blob)
	if err != nil {
		return "", fmt.Errorf("failed to insert record: %w", err)
	}

	if err := s.prune(ctx, rec.Category); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, id string) (memory.Record, error) {
	query := `SELECT id, category, content, metadata, tags, created_at, supersedes, idempotency_key, embedding_ref FROM records WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	rec, _, err := scanRecord(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.Record{}, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
		}
		return memory.Record{}, err
	}
	return rec, nil
}

// Count returns the number of records per category.
func (s *SQLiteStore) Count(ctx context.Context) (map[memory.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM records GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[memory.Category]int)
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, err
		}
		counts[memory.Category(c)] = n
	}
	return counts, rows.Err()
}

// Health Implementation

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CheckConfig verifies the schema and that stored vectors were produced by
// the configured embedder.
func (s *SQLiteStore) CheckConfig(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'records'`).Scan(&name)
	if err != nil {
		return fmt.Errorf("records table missing: %w", err)
	}
	version, err := s.GetConfig("schema_version")
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("schema version %q, expected %q", version, schemaVersion)
	}
	stored, err := s.GetConfig("embedder")
	if err != nil {
		return err
	}
	if stored != s.embedderID() {
		return fmt.Errorf("records were embedded with %s, configured embedder is %s", stored, s.embedderID())
	}
	return nil
}

func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, withVector bool) (memory.Record, []float32, error) {
	var (
		rec                           memory.Record
		category                      string
		metaJSON, tagsJSON            sql.NullString
		supersedes, key, embeddingRef sql.NullString
		createdAt                     int64
		blob                          []byte
	)
	dest := []any{&rec.ID, &category, &rec.Content, &metaJSON, &tagsJSON, &createdAt, &supersedes, &key, &embeddingRef}
	if withVector {
		dest = append(dest, &blob)
	}
	if err := row.Scan(dest...); err != nil {
		return memory.Record{}, nil, err
	}

	rec.Category = memory.Category(category)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.Supersedes = supersedes.String
	rec.IdempotencyKey = key.String
	rec.EmbeddingRef = embeddingRef.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return memory.Record{}, nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return memory.Record{}, nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	var vector []float32
	if withVector {
		var err error
		if vector, err = decodeVector(blob); err != nil {
			return memory.Record{}, nil, err
		}
	}
	return rec, vector, nil
}
