package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// Search embeds the query text and scores every candidate in process.
// Fine for a local store of a few tens of thousands of records.
func (s *SQLiteStore) Search(ctx context.Context, q memory.Query) ([]memory.Match, error) {
	queryVector, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	query := `SELECT id, category, content, metadata, tags, created_at, supersedes, idempotency_key, embedding_ref, embedding FROM records`
	var args []any
	if q.Category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(q.Category))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	now := s.opts.Now()
	var matches []memory.Match
	for rows.Next() {
		rec, vector, err := scanRecord(rows, true)
		if err != nil {
			return nil, err
		}
		if Expired(s.opts.Limits(rec.Category), rec.CreatedAt, now) {
			continue
		}
		matches = append(matches, memory.Match{
			Record: rec,
			Score:  Clamp(embed.Cosine(queryVector, vector)),
			Kind:   memory.MatchSemantic,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return Finish(matches, q), nil
}

// prune enforces retention and capacity for one category.
func (s *SQLiteStore) prune(ctx context.Context, c memory.Category) error {
	limits := s.opts.Limits(c)

	if limits.Retention > 0 {
		cutoff := s.opts.Now().Add(-limits.Retention).UTC().UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE category = ? AND created_at < ?`, string(c), cutoff); err != nil {
			return fmt.Errorf("failed to apply retention: %w", err)
		}
	}

	if limits.Capacity > 0 {
		query := `DELETE FROM records WHERE category = ? AND id NOT IN (
			SELECT id FROM records WHERE category = ? ORDER BY created_at DESC, id LIMIT ?
		)`
		if _, err := s.db.ExecContext(ctx, query, string(c), string(c), limits.Capacity); err != nil {
			return fmt.Errorf("failed to apply capacity: %w", err)
		}
	}
	return nil
}

func encodeVector(vector []float32) ([]byte, error) {
	vecBuf := new(bytes.Buffer)
	if err := binary.Write(vecBuf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return vecBuf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return vector, nil
}
