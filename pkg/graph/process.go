package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"
	"github.com/lattix-ai/lattix/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// extraction pairs the two halves of a chunk's extraction result so the
// whole attempt retries as a unit.
type extraction struct {
	entities      []common.Entity
	relationships []common.Relationship
}

// Result summarizes one ingest run. A chunk appears either in
// CommittedChunks or FailedChunkIDs, never both; failed chunks leave no
// trace in the stores.
type Result struct {
	CommittedChunks   int
	FailedChunkIDs    []string
	EntityCount       int
	RelationshipCount int
}

// ProcessDocument splits the document and ingests the resulting chunks.
func (c *GraphClient) ProcessDocument(ctx context.Context, docID, text string) (*Result, error) {
	chunks, err := SplitDocument(docID, text, c.chunkConfig)
	if err != nil {
		return nil, fmt.Errorf("split document %s: %w", docID, err)
	}
	return c.ProcessChunks(ctx, chunks)
}

// ProcessChunks extracts and commits the given chunks concurrently. Chunk
// failures are isolated: a chunk that exhausts its extraction retries or
// fails to commit is reported in FailedChunkIDs while its siblings proceed.
func (c *GraphClient) ProcessChunks(ctx context.Context, chunks []common.Chunk) (*Result, error) {
	// Chunk IDs are content hashes, so repeated text collapses to one ID.
	// Committing the same ID twice in one run would merge its extraction
	// twice, so duplicates are dropped up front.
	seen := make(map[string]struct{}, len(chunks))
	unique := make([]common.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if _, ok := seen[ch.ID]; ok {
			continue
		}
		seen[ch.ID] = struct{}{}
		unique = append(unique, ch)
	}
	chunks = unique

	if len(chunks) == 0 {
		return &Result{}, nil
	}

	done := metrics.TimeIngest()

	var (
		mu           sync.Mutex
		committed    int
		failed       []string
		entityKeys   = make(map[string]struct{})
		relationKeys = make(map[string]struct{})
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelChunks)
	for _, chunk := range chunks {
		ch := chunk
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			ext, err := util.RetryBackoff(gCtx, util.BackoffOptions{
				MaxTries:  c.maxRetries,
				BaseDelay: c.retryBaseDelay,
			}, func(ctx context.Context) (extraction, error) {
				entities, relationships, err := c.extractFromChunk(ctx, ch)
				return extraction{entities, relationships}, err
			})
			entities, relationships := ext.entities, ext.relationships
			if err != nil {
				logger.Warn("[Graph][Process] Chunk extraction failed", "chunk", ch.ID, "error", err)
				mu.Lock()
				failed = append(failed, ch.ID)
				mu.Unlock()
				return nil
			}

			if err := c.commitChunk(gCtx, ch, entities, relationships); err != nil {
				logger.Warn("[Graph][Process] Chunk commit failed", "chunk", ch.ID, "error", err)
				mu.Lock()
				failed = append(failed, ch.ID)
				mu.Unlock()
				return nil
			}

			mu.Lock()
			committed++
			for _, e := range entities {
				entityKeys[e.Key()] = struct{}{}
			}
			for _, r := range relationships {
				relationKeys[r.Key()] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		done(false)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		done(false)
		return nil, err
	}

	c.compressDescriptions(ctx, sortedKeys(entityKeys), sortedKeys(relationKeys))

	sort.Strings(failed)
	done(len(failed) == 0)

	logger.Info("[Graph][Process] Ingest finished",
		"committed", committed,
		"failed", len(failed),
		"entities", len(entityKeys),
		"relationships", len(relationKeys),
	)
	return &Result{
		CommittedChunks:   committed,
		FailedChunkIDs:    failed,
		EntityCount:       len(entityKeys),
		RelationshipCount: len(relationKeys),
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
