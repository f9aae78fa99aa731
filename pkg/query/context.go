package query

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lattix-ai/lattix/pkg/common"
)

// neighborDecay discounts entities reached by expansion relative to the
// seed entity that led to them.
const neighborDecay = 0.5

// contextSource is one retrievable unit of context: a chunk, an entity, a
// relationship, or a community report. key is set for entity sources and
// holds the graph identity key.
type contextSource struct {
	id    string
	kind  string
	key   string
	text  string
	score float64
}

func (c *GraphQueryClient) embedQuery(ctx context.Context, text string) ([]float32, error) {
	embedding, err := c.aiClient.GenerateEmbedding(ctx, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return embedding, nil
}

// gatherNaive retrieves the nearest chunks by vector similarity.
func (c *GraphQueryClient) gatherNaive(ctx context.Context, text string, p Params) ([]contextSource, error) {
	embedding, err := c.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.nearestByKind(ctx, embedding, "chunk", p)
}

// gatherLocal seeds on the entities most similar to the query, expands to
// their neighborhood, and pulls in the chunks that back them.
func (c *GraphQueryClient) gatherLocal(ctx context.Context, text string, p Params) ([]contextSource, error) {
	embedding, err := c.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.localFromEmbedding(ctx, embedding, p)
}

func (c *GraphQueryClient) localFromEmbedding(ctx context.Context, embedding []float32, p Params) ([]contextSource, error) {
	seeds, err := c.nearestByKind(ctx, embedding, "entity", p)
	if err != nil {
		return nil, err
	}

	sources := make([]contextSource, 0, len(seeds)*4)
	chunkScores := map[string]float64{}

	for _, seed := range seeds {
		key := seed.key
		entity, ok, err := c.graphStore.GetEntity(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load seed entity %q: %w", key, err)
		}
		if !ok {
			continue
		}
		sources = append(sources, entitySource(entity, seed.score))
		for _, id := range entity.ChunkIDs {
			if seed.score > chunkScores[id] {
				chunkScores[id] = seed.score
			}
		}

		neighbors, relationships, err := c.graphStore.Neighbors(ctx, key, p.MaxHops)
		if err != nil {
			return nil, fmt.Errorf("expand entity %q: %w", key, err)
		}
		neighborScore := seed.score * neighborDecay
		for _, n := range neighbors {
			sources = append(sources, entitySource(n, neighborScore))
		}
		for _, r := range relationships {
			sources = append(sources, relationshipSource(r, neighborScore))
			for _, id := range r.ChunkIDs {
				if neighborScore > chunkScores[id] {
					chunkScores[id] = neighborScore
				}
			}
		}
	}

	chunkIDs := make([]string, 0, len(chunkScores))
	for id := range chunkScores {
		chunkIDs = append(chunkIDs, id)
	}
	sort.Strings(chunkIDs)
	chunks, err := c.graphStore.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("load source chunks: %w", err)
	}
	for _, chunk := range chunks {
		sources = append(sources, contextSource{
			id:    chunk.ID,
			kind:  "chunk",
			text:  chunk.Text,
			score: chunkScores[chunk.ID],
		})
	}
	return dedupeSources(sources), nil
}

// gatherGlobal retrieves community reports, ranked by a blend of the
// community's importance rank and the query's similarity to its report.
func (c *GraphQueryClient) gatherGlobal(ctx context.Context, text string, p Params) ([]contextSource, error) {
	embedding, err := c.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.globalFromEmbedding(ctx, embedding, p)
}

func (c *GraphQueryClient) globalFromEmbedding(ctx context.Context, embedding []float32, p Params) ([]contextSource, error) {
	communities, err := c.graphStore.Communities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load communities: %w", err)
	}
	candidates := make([]common.Community, 0, len(communities))
	maxRank := 0.0
	for _, community := range communities {
		if community.Summary == "" {
			continue
		}
		candidates = append(candidates, community)
		if community.Rank > maxRank {
			maxRank = community.Rank
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Reports are not held in the vector index, so their similarity to the
	// query is computed here from freshly embedded summaries.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Rank != candidates[j].Rank {
			return candidates[i].Rank > candidates[j].Rank
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit := p.TopK * 3; len(candidates) > limit {
		candidates = candidates[:limit]
	}

	inputs := make([][]byte, len(candidates))
	for i, community := range candidates {
		inputs[i] = []byte(community.Summary)
	}
	summaryEmbeddings, err := c.aiClient.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embed community reports: %w", err)
	}
	if len(summaryEmbeddings) != len(candidates) {
		return nil, fmt.Errorf("community embedding count mismatch: got %d want %d", len(summaryEmbeddings), len(candidates))
	}

	sources := make([]contextSource, 0, len(candidates))
	for i, community := range candidates {
		similarity := cosineSimilarity(embedding, summaryEmbeddings[i])
		if similarity < p.MinSimilarity {
			continue
		}
		rankShare := 0.0
		if maxRank > 0 {
			rankShare = community.Rank / maxRank
		}
		sources = append(sources, contextSource{
			id:    community.ID,
			kind:  "community",
			text:  community.Summary,
			score: 0.7*similarity + 0.3*rankShare,
		})
	}
	sortSources(sources)
	if len(sources) > p.TopK {
		sources = sources[:p.TopK]
	}
	return sources, nil
}

// gatherHybrid runs local and global retrieval concurrently and fuses the
// results, deduplicated by source ID.
func (c *GraphQueryClient) gatherHybrid(ctx context.Context, text string, p Params) ([]contextSource, error) {
	embedding, err := c.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		merged []contextSource
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sources, err := c.localFromEmbedding(gCtx, embedding, p)
		if err != nil {
			return err
		}
		mu.Lock()
		merged = append(merged, sources...)
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		sources, err := c.globalFromEmbedding(gCtx, embedding, p)
		if err != nil {
			return err
		}
		mu.Lock()
		merged = append(merged, sources...)
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupeSources(merged), nil
}

// nearestByKind queries the vector index and keeps the top matches of one
// record kind. The index holds chunks and entities side by side, so it is
// overfetched and filtered.
func (c *GraphQueryClient) nearestByKind(ctx context.Context, embedding []float32, kind string, p Params) ([]contextSource, error) {
	matches, err := c.vectorStore.QuerySimilar(ctx, embedding, p.TopK*4, p.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	sources := make([]contextSource, 0, p.TopK)
	for _, match := range matches {
		if match.Metadata["kind"] != kind {
			continue
		}
		sources = append(sources, contextSource{
			id:    match.ID,
			kind:  kind,
			key:   match.Metadata["entity_key"],
			text:  match.Text,
			score: match.Score,
		})
		if len(sources) == p.TopK {
			break
		}
	}
	return sources, nil
}

func entitySource(e common.Entity, score float64) contextSource {
	text := e.Name
	if e.Type != "" {
		text += " (" + e.Type + ")"
	}
	if e.Description != "" {
		text += ": " + strings.Join(common.DescriptionFragments(e.Description), " ")
	}
	return contextSource{id: e.ID, kind: "entity", text: text, score: score}
}

func relationshipSource(r common.Relationship, score float64) contextSource {
	text := fmt.Sprintf("%s -> %s (weight %.1f)", keyName(r.SourceKey), keyName(r.TargetKey), r.Weight)
	if r.Description != "" {
		text += ": " + strings.Join(common.DescriptionFragments(r.Description), " ")
	}
	return contextSource{id: r.ID, kind: "relationship", text: text, score: score}
}

func keyName(key string) string {
	name, _, _ := strings.Cut(key, "\x1f")
	return name
}

// dedupeSources collapses duplicate IDs keeping the best score, then orders
// by descending score with ID as the tie-break.
func dedupeSources(sources []contextSource) []contextSource {
	byID := make(map[string]contextSource, len(sources))
	for _, s := range sources {
		if existing, ok := byID[s.id]; !ok || s.score > existing.score {
			byID[s.id] = s
		}
	}
	out := make([]contextSource, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortSources(out)
	return out
}

func sortSources(sources []contextSource) {
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].score != sources[j].score {
			return sources[i].score > sources[j].score
		}
		return sources[i].id < sources[j].id
	})
}

// assembleContext renders sources into the prompt context, dropping the
// lowest-ranked items once the token budget is reached. It returns the
// rendered context, the sources that made it in keyed by ID, and the token
// count actually used.
func (c *GraphQueryClient) assembleContext(sources []contextSource, maxTokens int) (string, map[string]contextSource, int) {
	var b strings.Builder
	included := make(map[string]contextSource, len(sources))
	total := 0
	for _, s := range sources {
		line := fmt.Sprintf("[%s] %s", s.id, s.text)
		tokens := len(c.enc.Encode(line, nil, nil))
		if total+tokens > maxTokens && total > 0 {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(line)
		included[s.id] = s
		total += tokens
		if total >= maxTokens {
			break
		}
	}
	return b.String(), included, total
}

var citationPattern = regexp.MustCompile(`\[([A-Za-z0-9][A-Za-z0-9_.:-]*)\]`)

// parseCitations extracts bracketed source references from the answer and
// keeps only those naming a source that was actually in the context, in
// order of first mention.
func parseCitations(answer string, included map[string]contextSource) []Citation {
	var citations []Citation
	seen := map[string]struct{}{}
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		id := match[1]
		source, ok := included[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		citations = append(citations, Citation{
			SourceID: id,
			Excerpt:  excerpt(source.text, 200),
		})
	}
	return citations
}

func excerpt(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
