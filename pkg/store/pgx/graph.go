package pgx

import (
	"context"
	"strings"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/metrics"

	"github.com/jackc/pgx/v5"
)

// GraphStore persists the knowledge graph in PostgreSQL. Merge-by-identity-key
// runs inside a transaction with row locks so concurrent upserts of the same
// key serialize instead of clobbering each other.
type GraphStore struct {
	db         *DB
	weightMode common.WeightMode
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	ordinal     INT NOT NULL,
	content     TEXT NOT NULL,
	token_count INT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	key         TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	chunk_ids   TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS relationships (
	key         TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	source_key  TEXT NOT NULL,
	target_key  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	weight      DOUBLE PRECISION NOT NULL DEFAULT 0,
	chunk_ids   TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS relationships_source_idx ON relationships (source_key);
CREATE INDEX IF NOT EXISTS relationships_target_idx ON relationships (target_key);

CREATE TABLE IF NOT EXISTS communities (
	id          TEXT PRIMARY KEY,
	level       INT NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	entity_keys TEXT[] NOT NULL DEFAULT '{}',
	summary     TEXT NOT NULL DEFAULT '',
	rank        DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// NewGraphStore installs the graph schema and returns the store.
func NewGraphStore(ctx context.Context, db *DB, weightMode common.WeightMode) (*GraphStore, error) {
	if _, err := db.Pool.Exec(ctx, graphSchema); err != nil {
		return nil, wrapErr(err)
	}
	return &GraphStore{db: db, weightMode: weightMode}, nil
}

// UpsertEntities merges entities into the graph by identity key.
func (s *GraphStore) UpsertEntities(ctx context.Context, entities []common.Entity) (err error) {
	if len(entities) == 0 {
		return nil
	}
	defer func() { metrics.RecordStoreOp("postgres-graph", "upsert_entities", err) }()

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertEntitiesTx(ctx, tx, entities); err != nil {
		return err
	}
	return wrapErr(tx.Commit(ctx))
}

func (s *GraphStore) upsertEntitiesTx(ctx context.Context, tx pgx.Tx, entities []common.Entity) error {
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, e.Key())
	}

	existing, err := lockEntities(ctx, tx, keys)
	if err != nil {
		return err
	}

	for _, e := range entities {
		key := e.Key()
		merged := e
		if prev, ok := existing[key]; ok {
			merged = common.MergeEntities(prev, e)
		} else {
			merged.Description = common.MergeDescriptions(e.Description, "")
			merged.ChunkIDs = common.UnionChunkIDs(e.ChunkIDs, nil)
		}
		existing[key] = merged

		_, err := tx.Exec(ctx, `
			INSERT INTO entities (key, id, name, type, description, chunk_ids)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (key) DO UPDATE
			SET id = EXCLUDED.id,
			    description = EXCLUDED.description,
			    chunk_ids = EXCLUDED.chunk_ids`,
			key, merged.ID, merged.Name, merged.Type, merged.Description, merged.ChunkIDs)
		if err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func lockEntities(ctx context.Context, tx pgx.Tx, keys []string) (map[string]common.Entity, error) {
	rows, err := tx.Query(ctx, `
		SELECT key, id, name, type, description, chunk_ids
		FROM entities WHERE key = ANY($1)
		ORDER BY key
		FOR UPDATE`, keys)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	existing := make(map[string]common.Entity, len(keys))
	for rows.Next() {
		var (
			key string
			e   common.Entity
		)
		if err := rows.Scan(&key, &e.ID, &e.Name, &e.Type, &e.Description, &e.ChunkIDs); err != nil {
			return nil, wrapErr(err)
		}
		existing[key] = e
	}
	return existing, wrapErr(rows.Err())
}

// UpsertRelationships merges relationships into the graph by identity key.
// Missing endpoint entities are created as stubs so edges never dangle.
func (s *GraphStore) UpsertRelationships(ctx context.Context, relationships []common.Relationship) (err error) {
	if len(relationships) == 0 {
		return nil
	}
	defer func() { metrics.RecordStoreOp("postgres-graph", "upsert_relationships", err) }()

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx)

	var stubs []common.Entity
	for _, r := range relationships {
		for _, endpoint := range []string{r.SourceKey, r.TargetKey} {
			name, typ, _ := strings.Cut(endpoint, "\x1f")
			stubs = append(stubs, common.Entity{Name: name, Type: typ, ChunkIDs: r.ChunkIDs})
		}
	}
	if err := s.upsertEntitiesTx(ctx, tx, stubs); err != nil {
		return err
	}

	keys := make([]string, 0, len(relationships))
	for _, r := range relationships {
		keys = append(keys, r.Key())
	}
	rows, err := tx.Query(ctx, `
		SELECT key, id, source_key, target_key, description, weight, chunk_ids
		FROM relationships WHERE key = ANY($1)
		ORDER BY key
		FOR UPDATE`, keys)
	if err != nil {
		return wrapErr(err)
	}
	existing := make(map[string]common.Relationship, len(keys))
	for rows.Next() {
		var (
			key string
			r   common.Relationship
		)
		if err := rows.Scan(&key, &r.ID, &r.SourceKey, &r.TargetKey, &r.Description, &r.Weight, &r.ChunkIDs); err != nil {
			rows.Close()
			return wrapErr(err)
		}
		existing[key] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapErr(err)
	}

	for _, r := range relationships {
		key := r.Key()
		merged := r
		if prev, ok := existing[key]; ok {
			merged = common.MergeRelationships(prev, r, s.weightMode)
		} else {
			merged.Description = common.MergeDescriptions(r.Description, "")
			merged.ChunkIDs = common.UnionChunkIDs(r.ChunkIDs, nil)
		}
		existing[key] = merged

		_, err := tx.Exec(ctx, `
			INSERT INTO relationships (key, id, source_key, target_key, description, weight, chunk_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (key) DO UPDATE
			SET id = EXCLUDED.id,
			    description = EXCLUDED.description,
			    weight = EXCLUDED.weight,
			    chunk_ids = EXCLUDED.chunk_ids`,
			key, merged.ID, merged.SourceKey, merged.TargetKey, merged.Description, merged.Weight, merged.ChunkIDs)
		if err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit(ctx))
}

// GetEntity returns the entity with the given identity key, if present.
func (s *GraphStore) GetEntity(ctx context.Context, key string) (common.Entity, bool, error) {
	var e common.Entity
	err := s.db.Pool.QueryRow(ctx, `
		SELECT e.id, e.name, e.type, e.description, e.chunk_ids,
		       (SELECT count(*) FROM relationships r WHERE r.source_key = e.key OR r.target_key = e.key)
		FROM entities e WHERE e.key = $1`, key,
	).Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.ChunkIDs, &e.Degree)
	if err != nil {
		if err == pgx.ErrNoRows {
			return common.Entity{}, false, nil
		}
		return common.Entity{}, false, wrapErr(err)
	}
	return e, true, nil
}

// GetRelationship returns the relationship with the given identity key, if
// present.
func (s *GraphStore) GetRelationship(ctx context.Context, key string) (common.Relationship, bool, error) {
	var r common.Relationship
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, source_key, target_key, description, weight, chunk_ids
		FROM relationships WHERE key = $1`, key,
	).Scan(&r.ID, &r.SourceKey, &r.TargetKey, &r.Description, &r.Weight, &r.ChunkIDs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return common.Relationship{}, false, nil
		}
		return common.Relationship{}, false, wrapErr(err)
	}
	return r, true, nil
}

// Neighbors walks the graph breadth-first from key up to hops edges away.
func (s *GraphStore) Neighbors(ctx context.Context, key string, hops int) ([]common.Entity, []common.Relationship, error) {
	if hops <= 0 {
		return nil, nil, nil
	}

	visited := map[string]struct{}{key: {}}
	visitedRels := map[string]struct{}{}
	var relationships []common.Relationship

	frontier := []string{key}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		rows, err := s.db.Pool.Query(ctx, `
			SELECT key, id, source_key, target_key, description, weight, chunk_ids
			FROM relationships
			WHERE source_key = ANY($1) OR target_key = ANY($1)
			ORDER BY key`, frontier)
		if err != nil {
			return nil, nil, wrapErr(err)
		}

		var next []string
		for rows.Next() {
			var (
				rKey string
				r    common.Relationship
			)
			if err := rows.Scan(&rKey, &r.ID, &r.SourceKey, &r.TargetKey, &r.Description, &r.Weight, &r.ChunkIDs); err != nil {
				rows.Close()
				return nil, nil, wrapErr(err)
			}
			if _, seen := visitedRels[rKey]; !seen {
				visitedRels[rKey] = struct{}{}
				relationships = append(relationships, r)
			}
			for _, endpoint := range []string{r.SourceKey, r.TargetKey} {
				if _, seen := visited[endpoint]; !seen {
					visited[endpoint] = struct{}{}
					next = append(next, endpoint)
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, wrapErr(err)
		}
		frontier = next
	}

	delete(visited, key)
	keys := make([]string, 0, len(visited))
	for k := range visited {
		keys = append(keys, k)
	}
	entities, err := s.entitiesByKeys(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	return entities, relationships, nil
}

func (s *GraphStore) entitiesByKeys(ctx context.Context, keys []string) ([]common.Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT e.id, e.name, e.type, e.description, e.chunk_ids,
		       (SELECT count(*) FROM relationships r WHERE r.source_key = e.key OR r.target_key = e.key)
		FROM entities e WHERE e.key = ANY($1)
		ORDER BY e.key`, keys)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var entities []common.Entity
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.ChunkIDs, &e.Degree); err != nil {
			return nil, wrapErr(err)
		}
		entities = append(entities, e)
	}
	return entities, wrapErr(rows.Err())
}

// SetEntityDescription overwrites an entity description in place.
func (s *GraphStore) SetEntityDescription(ctx context.Context, key, description string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE entities SET description = $2 WHERE key = $1`, key, description)
	return wrapErr(err)
}

// SetRelationshipDescription overwrites a relationship description in place.
func (s *GraphStore) SetRelationshipDescription(ctx context.Context, key, description string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE relationships SET description = $2 WHERE key = $1`, key, description)
	return wrapErr(err)
}

// Degree returns the number of relationships touching the entity.
func (s *GraphStore) Degree(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM relationships WHERE source_key = $1 OR target_key = $1`, key,
	).Scan(&n)
	return n, wrapErr(err)
}

// Snapshot returns a detached copy of the whole graph. The three reads run
// in one repeatable-read transaction so a concurrent ingest cannot produce
// relationships referencing entities missing from the same snapshot.
func (s *GraphStore) Snapshot(ctx context.Context) (_ *common.Graph, err error) {
	defer func() { metrics.RecordStoreOp("postgres-graph", "snapshot", err) }()

	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer tx.Rollback(ctx)

	g := &common.Graph{}

	rows, err := tx.Query(ctx, `
		SELECT e.id, e.name, e.type, e.description, e.chunk_ids,
		       (SELECT count(*) FROM relationships r WHERE r.source_key = e.key OR r.target_key = e.key)
		FROM entities e ORDER BY e.key`)
	if err != nil {
		return nil, wrapErr(err)
	}
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.ChunkIDs, &e.Degree); err != nil {
			rows.Close()
			return nil, wrapErr(err)
		}
		g.Entities = append(g.Entities, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}

	rows, err = tx.Query(ctx, `
		SELECT id, source_key, target_key, description, weight, chunk_ids
		FROM relationships ORDER BY key`)
	if err != nil {
		return nil, wrapErr(err)
	}
	for rows.Next() {
		var r common.Relationship
		if err := rows.Scan(&r.ID, &r.SourceKey, &r.TargetKey, &r.Description, &r.Weight, &r.ChunkIDs); err != nil {
			rows.Close()
			return nil, wrapErr(err)
		}
		g.Relationships = append(g.Relationships, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}

	rows, err = tx.Query(ctx,
		`SELECT id, document_id, ordinal, content, token_count FROM chunks ORDER BY id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	for rows.Next() {
		var c common.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount); err != nil {
			rows.Close()
			return nil, wrapErr(err)
		}
		g.Chunks = append(g.Chunks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return g, wrapErr(tx.Commit(ctx))
}

// UpsertChunks inserts or replaces chunks by ID.
func (s *GraphStore) UpsertChunks(ctx context.Context, chunks []common.Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	defer func() { metrics.RecordStoreOp("postgres-graph", "upsert_chunks", err) }()

	return util.ChunkRange(len(chunks), upsertBatch, func(start, end int) error {
		batch := &pgx.Batch{}
		for _, c := range chunks[start:end] {
			batch.Queue(`
				INSERT INTO chunks (id, document_id, ordinal, content, token_count)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE
				SET document_id = EXCLUDED.document_id,
				    ordinal = EXCLUDED.ordinal,
				    content = EXCLUDED.content,
				    token_count = EXCLUDED.token_count`,
				c.ID, c.DocumentID, c.Ordinal, c.Text, c.TokenCount)
		}
		return wrapErr(s.db.Pool.SendBatch(ctx, batch).Close())
	})
}

// GetChunks returns the chunks with the given IDs, skipping missing ones.
func (s *GraphStore) GetChunks(ctx context.Context, ids []string) ([]common.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, document_id, ordinal, content, token_count
		FROM chunks WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []common.Chunk
	for rows.Next() {
		var c common.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, c)
	}
	return out, wrapErr(rows.Err())
}

// RemoveChunk removes the chunk and strips it from entity and relationship
// provenance. Entities and relationships left without any source chunk are
// deleted.
func (s *GraphStore) RemoveChunk(ctx context.Context, chunkID string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx)

	steps := []string{
		`DELETE FROM chunks WHERE id = $1`,
		`UPDATE relationships SET chunk_ids = array_remove(chunk_ids, $1) WHERE $1 = ANY(chunk_ids)`,
		`DELETE FROM relationships WHERE cardinality(chunk_ids) = 0`,
		`UPDATE entities SET chunk_ids = array_remove(chunk_ids, $1) WHERE $1 = ANY(chunk_ids)`,
		`DELETE FROM entities e
		 WHERE cardinality(e.chunk_ids) = 0
		   AND NOT EXISTS (
			SELECT 1 FROM relationships r
			WHERE r.source_key = e.key OR r.target_key = e.key)`,
	}
	for _, sql := range steps {
		if _, err := tx.Exec(ctx, sql, chunkID); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit(ctx))
}

// ReplaceCommunities swaps the community forest atomically.
func (s *GraphStore) ReplaceCommunities(ctx context.Context, communities []common.Community) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM communities`); err != nil {
		return wrapErr(err)
	}
	for _, c := range communities {
		_, err := tx.Exec(ctx, `
			INSERT INTO communities (id, level, parent_id, entity_keys, summary, rank)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.Level, c.ParentID, c.EntityKeys, c.Summary, c.Rank)
		if err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit(ctx))
}

// Communities returns the current community forest.
func (s *GraphStore) Communities(ctx context.Context) ([]common.Community, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, level, parent_id, entity_keys, summary, rank
		FROM communities ORDER BY level, id`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []common.Community
	for rows.Next() {
		var c common.Community
		if err := rows.Scan(&c.ID, &c.Level, &c.ParentID, &c.EntityKeys, &c.Summary, &c.Rank); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, c)
	}
	return out, wrapErr(rows.Err())
}

// Persist is a no-op; the database is durable.
func (s *GraphStore) Persist(ctx context.Context) error { return nil }

// Load is a no-op; the database is durable.
func (s *GraphStore) Load(ctx context.Context) error { return nil }
