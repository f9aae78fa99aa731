package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	memorystore "github.com/lattix-ai/lattix/pkg/store/memory"
)

// fakeAI scripts provider responses for pipeline tests.
type fakeAI struct {
	mu          sync.Mutex
	extractCall int
	gleanCalls  int
	checkCalls  int

	extract    func(prompt string) (extractResponse, error)
	gleanYes   int
	completion string
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if f.completion != "" {
		return f.completion, nil
	}
	return "ok", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch v := out.(type) {
	case *extractResponse:
		if name == "glean_entities_and_relationships" {
			f.gleanCalls++
			*v = extractResponse{}
			return nil
		}
		f.extractCall++
		res, err := f.extract(prompt)
		if err != nil {
			return err
		}
		*v = res
		return nil
	case *gleanCheck:
		f.checkCalls++
		if f.checkCalls <= f.gleanYes {
			v.Continue = "YES"
		} else {
			v.Continue = "NO"
		}
		return nil
	default:
		data, _ := json.Marshal(map[string]any{})
		return json.Unmarshal(data, out)
	}
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := f.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (f *fakeAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		v := float32(len(in)%7 + 1)
		out[i] = []float32{v, 1, 0, 0}
	}
	return out, nil
}

func (f *fakeAI) ResetMetrics()               {}
func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func newTestClient(t *testing.T, fake *fakeAI, params NewGraphClientParams) *GraphClient {
	t.Helper()
	params.AIClient = fake
	if params.GraphStore == nil {
		params.GraphStore = memorystore.NewGraphStore(memorystore.GraphParams{})
	}
	if params.VectorStore == nil {
		params.VectorStore = memorystore.NewVectorStore(memorystore.VectorParams{})
	}
	if params.KVStore == nil {
		params.KVStore = memorystore.NewKVStore(memorystore.KVParams{})
	}
	c, err := NewGraphClient(params)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func scriptedExtract(prompt string) (extractResponse, error) {
	return extractResponse{
		Entities: []extractEntity{
			{EntityName: "ADA LOVELACE", EntityType: "PERSON", EntityDescription: "Mathematician"},
			{EntityName: "ANALYTICAL ENGINE", EntityType: "PRODUCT", EntityDescription: "Mechanical computer"},
		},
		Relationships: []extractRelationship{
			{SourceEntity: "ADA LOVELACE", TargetEntity: "ANALYTICAL ENGINE", RelationshipDescription: "Wrote programs for it", RelationshipStrength: 8},
		},
	}, nil
}

func TestProcessChunksCommitsGraph(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: scriptedExtract}
	graphStore := memorystore.NewGraphStore(memorystore.GraphParams{})
	vectorStore := memorystore.NewVectorStore(memorystore.VectorParams{})
	c := newTestClient(t, fake, NewGraphClientParams{GraphStore: graphStore, VectorStore: vectorStore})

	res, err := c.ProcessDocument(ctx, "doc-1", "Ada Lovelace wrote programs for the Analytical Engine.")
	if err != nil {
		t.Fatal(err)
	}
	if res.CommittedChunks != 1 || len(res.FailedChunkIDs) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.EntityCount != 2 || res.RelationshipCount != 1 {
		t.Errorf("counts = %d entities, %d relationships", res.EntityCount, res.RelationshipCount)
	}

	g, _ := graphStore.Snapshot(ctx)
	if len(g.Entities) != 2 || len(g.Relationships) != 1 || len(g.Chunks) != 1 {
		t.Fatalf("graph = %d entities, %d relationships, %d chunks", len(g.Entities), len(g.Relationships), len(g.Chunks))
	}

	// chunk and both entities are indexed
	for _, e := range g.Entities {
		if _, ok, _ := vectorStore.Get(ctx, e.ID); !ok {
			t.Errorf("entity %s not indexed", e.Name)
		}
	}
	if _, ok, _ := vectorStore.Get(ctx, g.Chunks[0].ID); !ok {
		t.Error("chunk not indexed")
	}
}

func TestProcessChunksIdempotentReingest(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: scriptedExtract}
	graphStore := memorystore.NewGraphStore(memorystore.GraphParams{})
	c := newTestClient(t, fake, NewGraphClientParams{GraphStore: graphStore})

	text := "Ada Lovelace wrote programs for the Analytical Engine."
	if _, err := c.ProcessDocument(ctx, "doc-1", text); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := fake.extractCall

	res, err := c.ProcessDocument(ctx, "doc-1", text)
	if err != nil {
		t.Fatal(err)
	}
	if fake.extractCall != callsAfterFirst {
		t.Errorf("re-ingest hit the provider: %d calls, want %d", fake.extractCall, callsAfterFirst)
	}
	if res.CommittedChunks != 1 {
		t.Errorf("re-ingest result = %+v", res)
	}

	// same chunk ID, so no duplicate provenance
	g, _ := graphStore.Snapshot(ctx)
	if len(g.Chunks) != 1 {
		t.Errorf("expected 1 chunk after re-ingest, got %d", len(g.Chunks))
	}
	for _, e := range g.Entities {
		if len(e.ChunkIDs) != 1 {
			t.Errorf("entity %s has chunk IDs %v", e.Name, e.ChunkIDs)
		}
	}
}

func TestProcessChunksReingestKeepsWeights(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: scriptedExtract}
	graphStore := memorystore.NewGraphStore(memorystore.GraphParams{})
	c := newTestClient(t, fake, NewGraphClientParams{GraphStore: graphStore})

	chunks := []common.Chunk{
		{ID: "chunk-ada", DocumentID: "doc", Ordinal: 0, Text: "Ada Lovelace wrote programs.", TokenCount: 5},
	}
	if _, err := c.ProcessChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	weightAfter := func() float64 {
		g, err := graphStore.Snapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(g.Relationships) != 1 {
			t.Fatalf("relationships = %d, want 1", len(g.Relationships))
		}
		return g.Relationships[0].Weight
	}
	first := weightAfter()
	if first != 8 {
		t.Fatalf("initial weight = %v, want 8", first)
	}

	if _, err := c.ProcessChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	if w := weightAfter(); w != first {
		t.Errorf("re-ingest changed relationship weight: %v -> %v", first, w)
	}

	// a duplicate inside one batch must not merge twice either
	if _, err := c.ProcessChunks(ctx, []common.Chunk{chunks[0], chunks[0]}); err != nil {
		t.Fatal(err)
	}
	if w := weightAfter(); w != first {
		t.Errorf("duplicate chunk in batch changed relationship weight: %v -> %v", first, w)
	}
}

func TestProcessChunksIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: func(prompt string) (extractResponse, error) {
		if strings.Contains(prompt, "POISON") {
			return extractResponse{}, errors.New("malformed model output")
		}
		return scriptedExtract(prompt)
	}}
	graphStore := memorystore.NewGraphStore(memorystore.GraphParams{})
	c := newTestClient(t, fake, NewGraphClientParams{GraphStore: graphStore, MaxRetries: 2, RetryBaseDelay: time.Millisecond})

	chunks := []common.Chunk{
		{ID: "chunk-good", DocumentID: "doc", Ordinal: 0, Text: "Ada Lovelace wrote programs.", TokenCount: 6},
		{ID: "chunk-bad", DocumentID: "doc", Ordinal: 1, Text: "POISON", TokenCount: 1},
	}
	res, err := c.ProcessChunks(ctx, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if res.CommittedChunks != 1 {
		t.Errorf("committed = %d, want 1", res.CommittedChunks)
	}
	if len(res.FailedChunkIDs) != 1 || res.FailedChunkIDs[0] != "chunk-bad" {
		t.Errorf("failed = %v", res.FailedChunkIDs)
	}

	// the failed chunk left nothing behind
	g, _ := graphStore.Snapshot(ctx)
	for _, ch := range g.Chunks {
		if ch.ID == "chunk-bad" {
			t.Error("failed chunk was committed")
		}
	}
}

func TestExtractionSchemaViolation(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: func(string) (extractResponse, error) {
		return extractResponse{}, errors.New("not valid json")
	}}
	c := newTestClient(t, fake, NewGraphClientParams{MaxRetries: 1})

	_, _, err := c.extractFromChunk(ctx, common.Chunk{ID: "chunk-x", Text: "text"})
	var schemaErr *common.SchemaViolationError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaViolationError, got %v", err)
	}
	if schemaErr.ChunkID != "chunk-x" {
		t.Errorf("chunk ID = %q", schemaErr.ChunkID)
	}
}

func TestGleaningBounded(t *testing.T) {
	ctx := context.Background()
	// model always claims more entities are missing
	fake := &fakeAI{extract: scriptedExtract, gleanYes: 100}
	c := newTestClient(t, fake, NewGraphClientParams{MaxGleanings: 2})

	_, _, err := c.extractFromChunk(ctx, common.Chunk{ID: "chunk-1", Text: "Ada Lovelace."})
	if err != nil {
		t.Fatal(err)
	}
	if fake.gleanCalls != 2 {
		t.Errorf("glean calls = %d, want 2", fake.gleanCalls)
	}
}

func TestSummarizeDescriptionThreshold(t *testing.T) {
	ctx := context.Background()
	fake := &fakeAI{extract: scriptedExtract, completion: "A concise summary."}
	c := newTestClient(t, fake, NewGraphClientParams{SummaryThreshold: 3, SummaryMaxWords: 50})

	short := common.MergeDescriptions("one", "two")
	got, err := c.summarizeDescription(ctx, "THING", short)
	if err != nil {
		t.Fatal(err)
	}
	if got != short {
		t.Errorf("below threshold should keep fragments, got %q", got)
	}

	long := common.MergeDescriptions(common.MergeDescriptions("one", "two"), "three")
	got, err = c.summarizeDescription(ctx, "THING", long)
	if err != nil {
		t.Fatal(err)
	}
	if got != "A concise summary." {
		t.Errorf("above threshold should summarize, got %q", got)
	}
}
