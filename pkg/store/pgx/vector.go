package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// VectorStore persists embeddings in a pgvector-indexed table and answers
// similarity queries with cosine distance.
type VectorStore struct {
	db         *DB
	dimensions int
}

const vectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vectors (
	id        TEXT PRIMARY KEY,
	content   TEXT NOT NULL,
	metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding VECTOR(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS vectors_embedding_idx
	ON vectors USING hnsw (embedding vector_cosine_ops);
`

// NewVectorStore installs the vector schema and returns the store.
// Dimensions must match the embedding model in use.
func NewVectorStore(ctx context.Context, db *DB, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector store requires a positive embedding dimension, got %d", dimensions)
	}
	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(vectorSchema, dimensions)); err != nil {
		return nil, wrapErr(err)
	}
	return &VectorStore{db: db, dimensions: dimensions}, nil
}

const upsertBatch = 250

// Upsert inserts or replaces records by ID.
func (s *VectorStore) Upsert(ctx context.Context, records []common.VectorRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	defer func() { metrics.RecordStoreOp("postgres-vector", "upsert", err) }()

	for _, r := range records {
		if len(r.Embedding) != s.dimensions {
			return fmt.Errorf("embedding dimension mismatch for %s: got %d want %d", r.ID, len(r.Embedding), s.dimensions)
		}
	}
	return util.ChunkRange(len(records), upsertBatch, func(start, end int) error {
		batch := &pgx.Batch{}
		for _, r := range records[start:end] {
			meta, err := json.Marshal(r.Metadata)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO vectors (id, content, metadata, embedding)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET content = EXCLUDED.content,
				    metadata = EXCLUDED.metadata,
				    embedding = EXCLUDED.embedding`,
				r.ID, r.Text, meta, pgvector.NewVector(r.Embedding))
		}
		return wrapErr(s.db.Pool.SendBatch(ctx, batch).Close())
	})
}

// Get returns the record with the given ID, if present.
func (s *VectorStore) Get(ctx context.Context, id string) (common.VectorRecord, bool, error) {
	var (
		r    common.VectorRecord
		meta []byte
		vec  pgvector.Vector
	)
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, content, metadata, embedding FROM vectors WHERE id = $1`, id,
	).Scan(&r.ID, &r.Text, &meta, &vec)
	if err != nil {
		if err == pgx.ErrNoRows {
			return common.VectorRecord{}, false, nil
		}
		return common.VectorRecord{}, false, wrapErr(err)
	}
	if err := json.Unmarshal(meta, &r.Metadata); err != nil {
		return common.VectorRecord{}, false, err
	}
	r.Embedding = vec.Slice()
	return r, true, nil
}

// QuerySimilar returns up to k records with cosine similarity >= minScore,
// most similar first.
func (s *VectorStore) QuerySimilar(ctx context.Context, embedding []float32, k int, minScore float64) (_ []common.SimilarityMatch, err error) {
	if k <= 0 {
		return nil, nil
	}
	defer func() { metrics.RecordStoreOp("postgres-vector", "query_similar", err) }()
	if len(embedding) != s.dimensions {
		return nil, fmt.Errorf("query embedding dimension mismatch: got %d want %d", len(embedding), s.dimensions)
	}

	vec := pgvector.NewVector(embedding)
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, content, metadata, embedding, 1 - (embedding <=> $1) AS score
		FROM vectors
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, id
		LIMIT $3`,
		vec, minScore, k)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var matches []common.SimilarityMatch
	for rows.Next() {
		var (
			m    common.SimilarityMatch
			meta []byte
			emb  pgvector.Vector
		)
		if err := rows.Scan(&m.ID, &m.Text, &meta, &emb, &m.Score); err != nil {
			return nil, wrapErr(err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, err
		}
		m.Embedding = emb.Slice()
		matches = append(matches, m)
	}
	return matches, wrapErr(rows.Err())
}

// Delete removes the given IDs. Missing IDs are ignored.
func (s *VectorStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM vectors WHERE id = ANY($1)`, ids)
	return wrapErr(err)
}

// Persist is a no-op; the database is durable.
func (s *VectorStore) Persist(ctx context.Context) error { return nil }

// Load is a no-op; the database is durable.
func (s *VectorStore) Load(ctx context.Context) error { return nil }
