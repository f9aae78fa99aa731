package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"
)

const lockStripes = 64

// keyLocks serializes merges that touch the same identity key without
// funnelling unrelated keys through one mutex.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

// lockKeys locks the stripes covering keys in ascending stripe order and
// returns the unlock function. Ordering prevents deadlock between
// overlapping key sets.
func (l *keyLocks) lockKeys(keys []string) func() {
	stripeSet := make(map[int]struct{}, len(keys))
	for _, key := range keys {
		h := fnv.New32a()
		h.Write([]byte(key))
		stripeSet[int(h.Sum32()%lockStripes)] = struct{}{}
	}
	stripes := make([]int, 0, len(stripeSet))
	for s := range stripeSet {
		stripes = append(stripes, s)
	}
	sort.Ints(stripes)

	for _, s := range stripes {
		l.stripes[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			l.stripes[stripes[i]].Unlock()
		}
	}
}

// commitChunk writes one chunk's extraction into the graph store and then
// the vector index. The graph write happens before the vector upsert; if the
// vector upsert fails, the chunk's graph contribution is rolled back so the
// two stores never disagree about committed chunks.
func (c *GraphClient) commitChunk(
	ctx context.Context,
	chunk common.Chunk,
	entities []common.Entity,
	relationships []common.Relationship,
) error {
	// A chunk ID already in the store means an earlier run committed this
	// exact content. Merging its extraction again would re-add relationship
	// weights and duplicate nothing else, so the whole commit is skipped.
	existing, err := c.graphStore.GetChunks(ctx, []string{chunk.ID})
	if err != nil {
		return fmt.Errorf("check chunk %s: %w", chunk.ID, err)
	}
	if len(existing) > 0 {
		logger.Debug("[Graph][Commit] Chunk already committed", "chunk", chunk.ID)
		return nil
	}

	keys := make([]string, 0, len(entities)+len(relationships))
	for _, e := range entities {
		keys = append(keys, e.Key())
	}
	for _, r := range relationships {
		keys = append(keys, r.SourceKey, r.TargetKey)
	}

	if err := c.graphStore.UpsertChunks(ctx, []common.Chunk{chunk}); err != nil {
		return fmt.Errorf("store chunk %s: %w", chunk.ID, err)
	}

	unlock := c.locks.lockKeys(keys)
	err = func() error {
		if err := c.graphStore.UpsertEntities(ctx, entities); err != nil {
			return fmt.Errorf("merge entities for chunk %s: %w", chunk.ID, err)
		}
		if err := c.graphStore.UpsertRelationships(ctx, relationships); err != nil {
			return fmt.Errorf("merge relationships for chunk %s: %w", chunk.ID, err)
		}
		return nil
	}()
	unlock()
	if err != nil {
		c.rollbackChunk(ctx, chunk, nil)
		return err
	}

	records, err := c.embedChunk(ctx, chunk, entities)
	if err != nil {
		c.rollbackChunk(ctx, chunk, nil)
		return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
	}
	if err := c.vectorStore.Upsert(ctx, records); err != nil {
		ids := make([]string, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		c.rollbackChunk(ctx, chunk, ids)
		return fmt.Errorf("index chunk %s: %w", chunk.ID, err)
	}
	return nil
}

// embedChunk produces the vector records for a committed chunk: the chunk
// text itself plus every entity it contributed, embedded with the entity's
// full merged description so repeated mentions sharpen the vector.
func (c *GraphClient) embedChunk(
	ctx context.Context,
	chunk common.Chunk,
	entities []common.Entity,
) ([]common.VectorRecord, error) {
	inputs := make([][]byte, 0, len(entities)+1)
	inputs = append(inputs, []byte(chunk.Text))

	merged := make([]common.Entity, 0, len(entities))
	for _, e := range entities {
		current, ok, err := c.graphStore.GetEntity(ctx, e.Key())
		if err != nil {
			return nil, err
		}
		if !ok {
			current = e
		}
		merged = append(merged, current)
		text := current.Name
		if current.Description != "" {
			text += "\n" + current.Description
		}
		inputs = append(inputs, []byte(text))
	}

	embeddings, err := c.aiClient.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(embeddings), len(inputs))
	}

	records := make([]common.VectorRecord, 0, len(inputs))
	records = append(records, common.VectorRecord{
		ID:        chunk.ID,
		Text:      chunk.Text,
		Embedding: embeddings[0],
		Metadata: map[string]string{
			"kind":        "chunk",
			"document_id": chunk.DocumentID,
		},
	})
	for i, e := range merged {
		records = append(records, common.VectorRecord{
			ID:        e.ID,
			Text:      e.Name,
			Embedding: embeddings[i+1],
			Metadata: map[string]string{
				"kind":       "entity",
				"entity_key": e.Key(),
			},
		})
	}
	return records, nil
}

// rollbackChunk undoes a partially committed chunk. Rollback is best-effort;
// failures leave the chunk's provenance behind, which re-ingestion repairs.
func (c *GraphClient) rollbackChunk(ctx context.Context, chunk common.Chunk, vectorIDs []string) {
	if err := c.graphStore.RemoveChunk(ctx, chunk.ID); err != nil {
		logger.Error("[Graph][Commit] Rollback failed", "chunk", chunk.ID, "error", err)
	}
	if len(vectorIDs) > 0 {
		if err := c.vectorStore.Delete(ctx, vectorIDs...); err != nil {
			logger.Error("[Graph][Commit] Vector rollback failed", "chunk", chunk.ID, "error", err)
		}
	}
}
