package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	memorystore "github.com/lattix-ai/lattix/pkg/store/memory"
)

// stubAI scripts embeddings by input text and returns a fixed answer.
type stubAI struct {
	mu              sync.Mutex
	embeddings      map[string][]float32
	answer          string
	completionCalls int
	lastOptions     ai.GenerateOptions
}

func (s *stubAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionCalls++
	o := ai.GenerateOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	s.lastOptions = o
	return s.answer, nil
}

func (s *stubAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return errors.New("unexpected structured completion")
}

func (s *stubAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := s.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (s *stubAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := s.embeddings[string(in)]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0, 0, 1}
	}
	return out, nil
}

func (s *stubAI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completionCalls
}

func (s *stubAI) ResetMetrics()               {}
func (s *stubAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func newTestQueryClient(t *testing.T, stub *stubAI, graphStore *memorystore.GraphStore, vectorStore *memorystore.VectorStore, defaults Params) *GraphQueryClient {
	t.Helper()
	c, err := NewGraphQueryClient(NewGraphQueryClientParams{
		AIClient:    stub,
		GraphStore:  graphStore,
		VectorStore: vectorStore,
		Defaults:    defaults,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

const question = "Who founded Acme Corp?"

// seedCorpus loads a small two-chunk graph: Jane Doe founded Acme Corp.
// Embeddings are crafted so the question lands on Jane and chunk-a1.
func seedCorpus(t *testing.T) (*memorystore.GraphStore, *memorystore.VectorStore) {
	t.Helper()
	ctx := context.Background()
	graphStore := memorystore.NewGraphStore(memorystore.GraphParams{})
	vectorStore := memorystore.NewVectorStore(memorystore.VectorParams{})

	chunks := []common.Chunk{
		{ID: "chunk-a1", DocumentID: "doc-1", Ordinal: 0, Text: "Jane Doe founded Acme Corp in 1949.", TokenCount: 10},
		{ID: "chunk-a2", DocumentID: "doc-1", Ordinal: 1, Text: "The desert is home to many road runners.", TokenCount: 10},
	}
	janeKey := common.EntityKey("JANE DOE", "PERSON")
	acmeKey := common.EntityKey("ACME CORP", "ORGANIZATION")
	entities := []common.Entity{
		{ID: "ent-jane", Name: "JANE DOE", Type: "PERSON", Description: "Founder of Acme Corp", ChunkIDs: []string{"chunk-a1"}},
		{ID: "ent-acme", Name: "ACME CORP", Type: "ORGANIZATION", Description: "Maker of elaborate traps", ChunkIDs: []string{"chunk-a1"}},
	}
	relationships := []common.Relationship{
		{ID: "rel-founded", SourceKey: janeKey, TargetKey: acmeKey, Description: "Jane Doe founded Acme Corp", Weight: 9, ChunkIDs: []string{"chunk-a1"}},
	}
	if err := graphStore.UpsertChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	if err := graphStore.UpsertEntities(ctx, entities); err != nil {
		t.Fatal(err)
	}
	if err := graphStore.UpsertRelationships(ctx, relationships); err != nil {
		t.Fatal(err)
	}

	records := []common.VectorRecord{
		{ID: "chunk-a1", Text: chunks[0].Text, Embedding: []float32{0.9, 0.1, 0, 0}, Metadata: map[string]string{"kind": "chunk", "document_id": "doc-1"}},
		{ID: "chunk-a2", Text: chunks[1].Text, Embedding: []float32{0, 1, 0, 0}, Metadata: map[string]string{"kind": "chunk", "document_id": "doc-1"}},
		{ID: "ent-jane", Text: "JANE DOE", Embedding: []float32{1, 0, 0, 0}, Metadata: map[string]string{"kind": "entity", "entity_key": janeKey}},
		{ID: "ent-acme", Text: "ACME CORP", Embedding: []float32{0.8, 0.2, 0, 0}, Metadata: map[string]string{"kind": "entity", "entity_key": acmeKey}},
	}
	if err := vectorStore.Upsert(ctx, records); err != nil {
		t.Fatal(err)
	}
	return graphStore, vectorStore
}

func queryEmbeddings() map[string][]float32 {
	return map[string][]float32{question: {1, 0, 0, 0}}
}

func TestQueryNaiveCitesChunks(t *testing.T) {
	ctx := context.Background()
	graphStore, vectorStore := seedCorpus(t)
	stub := &stubAI{
		embeddings: queryEmbeddings(),
		answer:     "Jane Doe founded Acme Corp [chunk-a1]. See also [ent-jane] and [made-up-id].",
	}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	res, err := c.Query(ctx, question, Params{Mode: ModeNaive, TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientContext {
		t.Fatal("expected context, got InsufficientContext")
	}
	if res.Mode != ModeNaive {
		t.Fatalf("mode = %q, want %q", res.Mode, ModeNaive)
	}
	if res.ContextTokens <= 0 {
		t.Fatalf("context tokens = %d, want > 0", res.ContextTokens)
	}
	// Naive context holds chunks only, so the entity and the invented ID
	// must both be rejected.
	if len(res.Citations) != 1 || res.Citations[0].SourceID != "chunk-a1" {
		t.Fatalf("citations = %+v, want exactly chunk-a1", res.Citations)
	}
	if !strings.Contains(res.Citations[0].Excerpt, "Jane Doe founded") {
		t.Fatalf("excerpt = %q, want chunk text", res.Citations[0].Excerpt)
	}
	if len(stub.lastOptions.SystemPrompts) != 1 || !strings.Contains(stub.lastOptions.SystemPrompts[0], "[chunk-a1]") {
		t.Fatal("synthesis prompt does not carry the retrieved context")
	}
}

func TestQueryLocalIncludesProvenance(t *testing.T) {
	ctx := context.Background()
	graphStore, vectorStore := seedCorpus(t)
	stub := &stubAI{
		embeddings: queryEmbeddings(),
		answer:     "Jane Doe founded Acme Corp [ent-jane] [rel-founded] [chunk-a1].",
	}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	res, err := c.Query(ctx, question, Params{Mode: ModeLocal, TopK: 2, MaxHops: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientContext {
		t.Fatal("expected context, got InsufficientContext")
	}
	got := map[string]bool{}
	for _, cit := range res.Citations {
		got[cit.SourceID] = true
	}
	for _, want := range []string{"ent-jane", "rel-founded", "chunk-a1"} {
		if !got[want] {
			t.Fatalf("citations %+v missing %s", res.Citations, want)
		}
	}
	context := stub.lastOptions.SystemPrompts[0]
	if !strings.Contains(context, "JANE DOE -> ACME CORP") && !strings.Contains(context, "ACME CORP -> JANE DOE") {
		t.Fatalf("local context misses the relationship line:\n%s", context)
	}
}

func TestQueryGlobalRanksCommunities(t *testing.T) {
	ctx := context.Background()
	graphStore, vectorStore := seedCorpus(t)
	communities := []common.Community{
		{ID: "com-acme", Level: 0, EntityKeys: []string{common.EntityKey("JANE DOE", "PERSON")}, Summary: "Acme Corp and its founder Jane Doe.", Rank: 10},
		{ID: "com-desert", Level: 0, EntityKeys: []string{common.EntityKey("ROAD RUNNER", "CONCEPT")}, Summary: "Desert wildlife and road runners.", Rank: 2},
	}
	if err := graphStore.ReplaceCommunities(ctx, communities); err != nil {
		t.Fatal(err)
	}
	embeddings := queryEmbeddings()
	embeddings[communities[0].Summary] = []float32{1, 0, 0, 0}
	embeddings[communities[1].Summary] = []float32{0, 1, 0, 0}
	stub := &stubAI{
		embeddings: embeddings,
		answer:     "The corpus is mostly about Acme Corp [com-acme].",
	}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	res, err := c.Query(ctx, question, Params{Mode: ModeGlobal, TopK: 5, MinSimilarity: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientContext {
		t.Fatal("expected community context")
	}
	if len(res.Citations) != 1 || res.Citations[0].SourceID != "com-acme" {
		t.Fatalf("citations = %+v, want exactly com-acme", res.Citations)
	}
	// The dissimilar community must have been filtered out entirely.
	if strings.Contains(stub.lastOptions.SystemPrompts[0], "com-desert") {
		t.Fatal("dissimilar community leaked into the context")
	}
}

func TestQueryHybridFusesSources(t *testing.T) {
	ctx := context.Background()
	graphStore, vectorStore := seedCorpus(t)
	community := common.Community{
		ID: "com-acme", Level: 0,
		EntityKeys: []string{common.EntityKey("JANE DOE", "PERSON")},
		Summary:    "Acme Corp and its founder Jane Doe.",
		Rank:       10,
	}
	if err := graphStore.ReplaceCommunities(ctx, []common.Community{community}); err != nil {
		t.Fatal(err)
	}
	embeddings := queryEmbeddings()
	embeddings[community.Summary] = []float32{1, 0, 0, 0}
	stub := &stubAI{
		embeddings: embeddings,
		answer:     "Jane Doe founded Acme Corp [ent-jane] [com-acme].",
	}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	res, err := c.Query(ctx, question, Params{Mode: ModeHybrid, TopK: 3, MaxHops: 1})
	if err != nil {
		t.Fatal(err)
	}
	context := stub.lastOptions.SystemPrompts[0]
	for _, want := range []string{"[ent-jane]", "[com-acme]", "[chunk-a1]"} {
		if !strings.Contains(context, want) {
			t.Fatalf("hybrid context misses %s:\n%s", want, context)
		}
	}
	if len(res.Citations) != 2 {
		t.Fatalf("citations = %+v, want ent-jane and com-acme", res.Citations)
	}
}

func TestQueryEmptyStoresInsufficientContext(t *testing.T) {
	ctx := context.Background()
	stub := &stubAI{embeddings: queryEmbeddings()}
	c := newTestQueryClient(t, stub,
		memorystore.NewGraphStore(memorystore.GraphParams{}),
		memorystore.NewVectorStore(memorystore.VectorParams{}),
		Params{},
	)

	for _, mode := range []Mode{ModeNaive, ModeLocal, ModeGlobal, ModeHybrid} {
		res, err := c.Query(ctx, question, Params{Mode: mode})
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if !res.InsufficientContext {
			t.Fatalf("%s: expected InsufficientContext on empty stores", mode)
		}
		if res.Answer != "" {
			t.Fatalf("%s: answer = %q, want empty", mode, res.Answer)
		}
	}
	if calls := stub.calls(); calls != 0 {
		t.Fatalf("completion calls = %d, want 0", calls)
	}
}

func TestQueryMinSimilarityBoundary(t *testing.T) {
	ctx := context.Background()
	graphStore, vectorStore := seedCorpus(t)
	stub := &stubAI{embeddings: queryEmbeddings(), answer: "unreachable"}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	// Cosine similarity never exceeds 1, so nothing can clear this bar.
	res, err := c.Query(ctx, question, Params{Mode: ModeNaive, MinSimilarity: 1.01})
	if err != nil {
		t.Fatal(err)
	}
	if !res.InsufficientContext {
		t.Fatal("expected InsufficientContext above the achievable similarity")
	}
	if calls := stub.calls(); calls != 0 {
		t.Fatalf("completion calls = %d, want 0", calls)
	}
}

func TestQueryUnknownMode(t *testing.T) {
	graphStore, vectorStore := seedCorpus(t)
	stub := &stubAI{embeddings: queryEmbeddings()}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	if _, err := c.Query(context.Background(), question, Params{Mode: Mode("telepathic")}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestAssembleContextTrimsLowestRanked(t *testing.T) {
	graphStore, vectorStore := seedCorpus(t)
	stub := &stubAI{embeddings: queryEmbeddings()}
	c := newTestQueryClient(t, stub, graphStore, vectorStore, Params{})

	top := contextSource{id: "chunk-top", kind: "chunk", text: strings.Repeat("alpha ", 30), score: 0.9}
	low := contextSource{id: "chunk-low", kind: "chunk", text: strings.Repeat("omega ", 30), score: 0.1}
	topTokens := len(c.enc.Encode(fmt.Sprintf("[%s] %s", top.id, top.text), nil, nil))

	contextText, included, tokens := c.assembleContext([]contextSource{top, low}, topTokens+2)
	if _, ok := included["chunk-top"]; !ok {
		t.Fatal("top-ranked source missing from context")
	}
	if _, ok := included["chunk-low"]; ok {
		t.Fatal("low-ranked source should have been trimmed")
	}
	if tokens != topTokens {
		t.Fatalf("context tokens = %d, want %d", tokens, topTokens)
	}
	if strings.Contains(contextText, "omega") {
		t.Fatal("trimmed source text leaked into the context")
	}
}
