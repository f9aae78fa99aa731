package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/ai/ollama"
	"github.com/lattix-ai/lattix/pkg/ai/openai"
	"github.com/lattix-ai/lattix/pkg/query"
	"github.com/lattix-ai/lattix/pkg/tasks"
)

const docText = "Jane Doe founded Acme Corp in 1949."

var extractJSON = `{
	"entities": [
		{"entity_name": "JANE DOE", "entity_type": "PERSON", "entity_description": "Founder of Acme Corp"},
		{"entity_name": "ACME CORP", "entity_type": "ORGANIZATION", "entity_description": "Company founded in 1949"}
	],
	"relationships": [
		{"source_entity": "JANE DOE", "target_entity": "ACME CORP", "relationship_description": "Jane Doe founded Acme Corp", "relationship_strength": 9}
	]
}`

// fakeEngineAI scripts the provider for end-to-end engine tests.
type fakeEngineAI struct {
	answer string
}

func (f *fakeEngineAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return f.answer, nil
}

func (f *fakeEngineAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	switch name {
	case "extract_entities_and_relationships":
		return json.Unmarshal([]byte(extractJSON), out)
	case "glean_entities_and_relationships":
		return json.Unmarshal([]byte(`{"entities": [], "relationships": []}`), out)
	case "glean_continuation":
		return json.Unmarshal([]byte(`{"continue": "NO"}`), out)
	default:
		return fmt.Errorf("unexpected structured call %q", name)
	}
}

func (f *fakeEngineAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := f.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (f *fakeEngineAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{1, float32(len(in)%5) * 0.1, 0, 0}
	}
	return out, nil
}

func (f *fakeEngineAI) ResetMetrics()               {}
func (f *fakeEngineAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func newTestEngine(t *testing.T, fake *fakeEngineAI) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{
		AIClient:      fake,
		CommunitySeed: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestEngineIngestAndQuery(t *testing.T) {
	ctx := context.Background()
	chunkID := util.HashID("chunk", docText)
	fake := &fakeEngineAI{answer: fmt.Sprintf("Jane Doe founded Acme Corp [%s].", chunkID)}
	e := newTestEngine(t, fake)

	result, err := e.Ingest(ctx, "doc-1", docText)
	if err != nil {
		t.Fatal(err)
	}
	if result.CommittedChunks != 1 || len(result.FailedChunkIDs) != 0 {
		t.Fatalf("ingest result = %+v, want one committed chunk", result)
	}
	if result.EntityCount != 2 || result.RelationshipCount != 1 {
		t.Fatalf("counts = %d entities / %d relationships, want 2/1", result.EntityCount, result.RelationshipCount)
	}

	res, err := e.Query(ctx, "Who founded Acme Corp?", query.Params{Mode: query.ModeLocal})
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientContext {
		t.Fatal("expected context after ingest")
	}
	if len(res.Citations) != 1 || res.Citations[0].SourceID != chunkID {
		t.Fatalf("citations = %+v, want the ingested chunk", res.Citations)
	}
}

func TestEngineIngestIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeEngineAI{answer: "ok"})

	first, err := e.Ingest(ctx, "doc-1", docText)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Ingest(ctx, "doc-1", docText)
	if err != nil {
		t.Fatal(err)
	}
	if second.EntityCount != first.EntityCount || second.RelationshipCount != first.RelationshipCount {
		t.Fatalf("re-ingest changed counts: first %+v second %+v", first, second)
	}
}

func TestEngineIngestChunksSegments(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeEngineAI{answer: "ok"})

	result, err := e.IngestChunks(ctx, "doc-1", []string{docText, "  ", "Acme Corp builds elaborate traps."})
	if err != nil {
		t.Fatal(err)
	}
	if result.CommittedChunks != 2 {
		t.Fatalf("committed = %d, want 2 (blank segment dropped)", result.CommittedChunks)
	}
}

func TestEngineRebuildCommunities(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeEngineAI{answer: "A community around Acme Corp."})

	if _, err := e.Ingest(ctx, "doc-1", docText); err != nil {
		t.Fatal(err)
	}
	communities, err := e.RebuildCommunities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(communities) != 1 {
		t.Fatalf("communities = %d, want 1", len(communities))
	}
	if communities[0].Summary == "" || communities[0].Rank <= 0 {
		t.Fatalf("community %+v missing summary or rank", communities[0])
	}

	// The forest now serves global queries.
	res, err := e.Query(ctx, "What is this corpus about?", query.Params{Mode: query.ModeGlobal})
	if err != nil {
		t.Fatal(err)
	}
	if res.InsufficientContext {
		t.Fatal("expected community context after rebuild")
	}
}

func TestEngineQueryAsync(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeEngineAI{answer: "Jane Doe founded Acme Corp."})
	if _, err := e.Ingest(ctx, "doc-1", docText); err != nil {
		t.Fatal(err)
	}

	id, err := e.QueryAsync("Who founded Acme Corp?", query.Params{Mode: query.ModeNaive})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := e.Status(id)
		if !ok {
			t.Fatal("task vanished")
		}
		if snap.State == tasks.StateCompleted {
			res, ok := snap.Result.(*query.QueryResult)
			if !ok {
				t.Fatalf("result type %T, want *query.QueryResult", snap.Result)
			}
			if !strings.Contains(res.Answer, "Jane Doe") {
				t.Fatalf("answer = %q", res.Answer)
			}
			return
		}
		if snap.State == tasks.StateFailed {
			t.Fatalf("task failed: %s", snap.Err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", snap.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineGlobalQueryEmptyGraph(t *testing.T) {
	e := newTestEngine(t, &fakeEngineAI{answer: "unreachable"})

	res, err := e.Query(context.Background(), "Anything?", query.Params{Mode: query.ModeGlobal})
	if err != nil {
		t.Fatal(err)
	}
	if !res.InsufficientContext {
		t.Fatal("global query on an empty graph must report InsufficientContext")
	}
}

func TestProviderParamsFromEnv(t *testing.T) {
	t.Setenv("AI_CHAT_MODEL", "llama3.1")
	t.Setenv("AI_CHAT_KEY", "sk-env")
	t.Setenv("AI_EMBED_DIM", "256")

	p := openaiParamsFromEnv(openai.Params{CompletionModel: "gpt-4o-mini"})
	if p.CompletionModel != "gpt-4o-mini" {
		t.Errorf("explicit model overridden: %q", p.CompletionModel)
	}
	if p.ChatKey != "sk-env" {
		t.Errorf("chat key = %q, want env value", p.ChatKey)
	}
	if p.EmbeddingDim != 256 {
		t.Errorf("embedding dim = %d, want 256", p.EmbeddingDim)
	}

	o := ollamaParamsFromEnv(ollama.Params{ApiKey: "explicit"})
	if o.CompletionModel != "llama3.1" {
		t.Errorf("completion model = %q, want env value", o.CompletionModel)
	}
	if o.ApiKey != "explicit" {
		t.Errorf("explicit api key overridden: %q", o.ApiKey)
	}
}

func TestEngineRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := New(ctx, Config{AIClient: &fakeEngineAI{}, GraphDSN: "bolt://localhost"}); err == nil {
		t.Fatal("expected error for unsupported graph DSN")
	}
}
