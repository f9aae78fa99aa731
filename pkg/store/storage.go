package store

import (
	"context"

	"github.com/lattix-ai/lattix/pkg/common"
)

// VectorStore persists embedded text and answers nearest-neighbour queries
// by cosine similarity. Implementations are safe for concurrent use.
type VectorStore interface {
	Upsert(ctx context.Context, records []common.VectorRecord) error
	Get(ctx context.Context, id string) (common.VectorRecord, bool, error)

	// QuerySimilar returns up to k records with similarity >= minScore,
	// ordered by descending similarity.
	QuerySimilar(ctx context.Context, embedding []float32, k int, minScore float64) ([]common.SimilarityMatch, error)

	Delete(ctx context.Context, ids ...string) error

	Persist(ctx context.Context) error
	Load(ctx context.Context) error
}

// GraphStore persists the knowledge graph. Upserts merge by identity key:
// chunk IDs union, descriptions accumulate, relationship weights combine by
// the configured WeightMode. Implementations are safe for concurrent use.
type GraphStore interface {
	UpsertEntities(ctx context.Context, entities []common.Entity) error
	UpsertRelationships(ctx context.Context, relationships []common.Relationship) error

	GetEntity(ctx context.Context, key string) (common.Entity, bool, error)
	GetRelationship(ctx context.Context, key string) (common.Relationship, bool, error)

	// Neighbors returns the entities and relationships reachable from key
	// within the given number of hops, excluding the origin entity itself.
	Neighbors(ctx context.Context, key string, hops int) ([]common.Entity, []common.Relationship, error)

	Degree(ctx context.Context, key string) (int, error)

	// SetEntityDescription and SetRelationshipDescription overwrite a
	// description in place, bypassing merge accumulation. Used after
	// summarization compresses merged fragments.
	SetEntityDescription(ctx context.Context, key, description string) error
	SetRelationshipDescription(ctx context.Context, key, description string) error

	// Snapshot returns a detached copy of the whole graph.
	Snapshot(ctx context.Context) (*common.Graph, error)

	UpsertChunks(ctx context.Context, chunks []common.Chunk) error
	GetChunks(ctx context.Context, ids []string) ([]common.Chunk, error)

	// RemoveChunk removes a chunk and every reference to it; entities and
	// relationships left with no source chunk are deleted.
	RemoveChunk(ctx context.Context, chunkID string) error

	// ReplaceCommunities atomically swaps the community forest for the
	// result of a detection run.
	ReplaceCommunities(ctx context.Context, communities []common.Community) error
	Communities(ctx context.Context) ([]common.Community, error)

	Persist(ctx context.Context) error
	Load(ctx context.Context) error
}

// KVStore is a byte-oriented cache with optional durability, used for
// extraction results and community report caching.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	Persist(ctx context.Context) error
	Load(ctx context.Context) error
}
