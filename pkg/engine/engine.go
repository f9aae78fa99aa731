package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/ai/ollama"
	"github.com/lattix-ai/lattix/pkg/ai/openai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/community"
	"github.com/lattix-ai/lattix/pkg/graph"
	"github.com/lattix-ai/lattix/pkg/logger"
	"github.com/lattix-ai/lattix/pkg/query"
	"github.com/lattix-ai/lattix/pkg/store"
	"github.com/lattix-ai/lattix/pkg/tasks"
)

// Config wires an Engine: the AI provider, one DSN per store, and the
// tuning knobs of each pipeline stage. Zero values take the component
// defaults; store DSNs default to memory://.
type Config struct {
	// Provider selects the built-in AI client, "openai" or "ollama".
	// AIClient, when set, is used directly and Provider is ignored.
	Provider string
	OpenAI   openai.Params
	Ollama   ollama.Params
	AIClient ai.Client

	VectorDSN string
	GraphDSN  string
	KVDSN     string

	WeightMode   common.WeightMode
	EmbeddingDim int
	MaxRecords   int

	Chunking         graph.ChunkConfig
	EntityTypes      []string
	MaxGleanings     int
	MaxRetries       int
	ParallelChunks   int
	SummaryThreshold int
	SummaryMaxWords  int

	CommunitySeed      int64
	CommunityMaxLevels int
	CommunityMinSize   int
	// CommunityRebuildEvery rebuilds the community forest after this many
	// committed chunks. Zero leaves rebuilds to explicit calls.
	CommunityRebuildEvery int

	QueryDefaults query.Params

	TaskWorkers   int
	TaskQueueSize int
	TaskRetention int
}

// Engine is the top-level entry point: it owns the stores, the ingestion
// pipeline, the community detector, the query planner, and the background
// task manager.
//
// An Engine should be created using New and shut down with Close.
type Engine struct {
	aiClient    ai.Client
	graphStore  store.GraphStore
	vectorStore store.VectorStore
	kvStore     store.KVStore

	graphClient *graph.GraphClient
	queryClient *query.GraphQueryClient
	detector    *community.Detector
	manager     *tasks.Manager

	chunking     graph.ChunkConfig
	rebuildEvery int
	mutationsMu  sync.Mutex
	mutations    int
}

// New creates an Engine from cfg. Storage initialization is the only fatal
// startup path: an unreachable backend fails construction, everything else
// degrades to per-call errors.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	aiClient := cfg.AIClient
	if aiClient == nil {
		var err error
		aiClient, err = newProvider(cfg)
		if err != nil {
			return nil, err
		}
	}

	opts := store.Options{
		WeightMode: cfg.WeightMode,
		Dimensions: cfg.EmbeddingDim,
		MaxRecords: cfg.MaxRecords,
	}
	vectorDSN := orDefault(cfg.VectorDSN, "memory://")
	graphDSN := orDefault(cfg.GraphDSN, "memory://")
	kvDSN := orDefault(cfg.KVDSN, "memory://")

	vectorStore, err := store.OpenVectorStore(ctx, vectorDSN, opts)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	graphStore, err := store.OpenGraphStore(ctx, graphDSN, opts)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	kvStore, err := store.OpenKVStore(ctx, kvDSN, opts)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	for _, load := range []func(context.Context) error{vectorStore.Load, graphStore.Load, kvStore.Load} {
		if err := load(ctx); err != nil {
			return nil, fmt.Errorf("load store state: %w", err)
		}
	}

	graphClient, err := graph.NewGraphClient(graph.NewGraphClientParams{
		AIClient:         aiClient,
		GraphStore:       graphStore,
		VectorStore:      vectorStore,
		KVStore:          kvStore,
		ChunkConfig:      cfg.Chunking,
		EntityTypes:      cfg.EntityTypes,
		WeightMode:       cfg.WeightMode,
		MaxGleanings:     cfg.MaxGleanings,
		MaxRetries:       cfg.MaxRetries,
		ParallelChunks:   cfg.ParallelChunks,
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryMaxWords:  cfg.SummaryMaxWords,
	})
	if err != nil {
		return nil, err
	}

	queryClient, err := query.NewGraphQueryClient(query.NewGraphQueryClientParams{
		AIClient:    aiClient,
		GraphStore:  graphStore,
		VectorStore: vectorStore,
		Encoder:     cfg.Chunking.Encoder,
		Defaults:    cfg.QueryDefaults,
	})
	if err != nil {
		return nil, err
	}

	// Postgres-backed graphs may be shared between processes; a lease guard
	// keeps concurrent rebuilds from racing each other.
	guard, err := store.OpenRebuildGuard(ctx, graphDSN)
	if err != nil {
		return nil, fmt.Errorf("open rebuild guard: %w", err)
	}
	var rebuildLock community.RebuildLock
	if guard != nil {
		rebuildLock = guard
	}

	detector, err := community.NewDetector(community.NewDetectorParams{
		GraphStore: graphStore,
		AIClient:   aiClient,
		KVStore:    kvStore,
		Lock:       rebuildLock,
		Seed:       cfg.CommunitySeed,
		MaxLevels:  cfg.CommunityMaxLevels,
		MinSize:    cfg.CommunityMinSize,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		aiClient:     aiClient,
		graphStore:   graphStore,
		vectorStore:  vectorStore,
		kvStore:      kvStore,
		graphClient:  graphClient,
		queryClient:  queryClient,
		detector:     detector,
		manager: tasks.NewManager(tasks.NewManagerParams{
			Workers:   cfg.TaskWorkers,
			QueueSize: cfg.TaskQueueSize,
			Retention: cfg.TaskRetention,
		}),
		chunking:     cfg.Chunking,
		rebuildEvery: cfg.CommunityRebuildEvery,
	}, nil
}

func newProvider(cfg Config) (ai.Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return openai.New(openaiParamsFromEnv(cfg.OpenAI)), nil
	case "ollama":
		return ollama.New(ollamaParamsFromEnv(cfg.Ollama))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// openaiParamsFromEnv fills unset provider parameters from AI_* environment
// variables. Explicit config always wins over the environment.
func openaiParamsFromEnv(p openai.Params) openai.Params {
	p.CompletionModel = orDefault(p.CompletionModel, util.GetEnvString("AI_CHAT_MODEL", ""))
	p.EmbeddingModel = orDefault(p.EmbeddingModel, util.GetEnvString("AI_EMBED_MODEL", ""))
	p.ChatURL = orDefault(p.ChatURL, util.GetEnvString("AI_CHAT_URL", ""))
	p.ChatKey = orDefault(p.ChatKey, util.GetEnvString("AI_CHAT_KEY", ""))
	p.EmbeddingURL = orDefault(p.EmbeddingURL, util.GetEnvString("AI_EMBED_URL", ""))
	p.EmbeddingKey = orDefault(p.EmbeddingKey, util.GetEnvString("AI_EMBED_KEY", ""))
	if p.EmbeddingDim <= 0 {
		p.EmbeddingDim = int(util.GetEnvNumeric("AI_EMBED_DIM", 0))
	}
	return p
}

// ollamaParamsFromEnv fills unset provider parameters from AI_* environment
// variables. Ollama serves chat and embeddings from one endpoint, so only
// the chat variables apply.
func ollamaParamsFromEnv(p ollama.Params) ollama.Params {
	p.CompletionModel = orDefault(p.CompletionModel, util.GetEnvString("AI_CHAT_MODEL", ""))
	p.EmbeddingModel = orDefault(p.EmbeddingModel, util.GetEnvString("AI_EMBED_MODEL", ""))
	p.BaseURL = orDefault(p.BaseURL, util.GetEnvString("AI_CHAT_URL", ""))
	p.ApiKey = orDefault(p.ApiKey, util.GetEnvString("AI_CHAT_KEY", ""))
	if p.EmbeddingDim <= 0 {
		p.EmbeddingDim = int(util.GetEnvNumeric("AI_EMBED_DIM", 0))
	}
	return p
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Ingest splits text into chunks and runs the full ingestion pipeline.
func (e *Engine) Ingest(ctx context.Context, docID, text string) (*graph.Result, error) {
	result, err := e.graphClient.ProcessDocument(ctx, docID, text)
	if err != nil {
		return nil, err
	}
	e.noteMutations(ctx, result.CommittedChunks)
	return result, nil
}

// IngestChunks ingests pre-segmented text, for callers whose documents are
// split by an upstream parser.
func (e *Engine) IngestChunks(ctx context.Context, docID string, segments []string) (*graph.Result, error) {
	chunks, err := graph.ChunksFromSegments(docID, segments, e.chunking)
	if err != nil {
		return nil, err
	}
	result, err := e.graphClient.ProcessChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	e.noteMutations(ctx, result.CommittedChunks)
	return result, nil
}

// Query answers a question synchronously.
func (e *Engine) Query(ctx context.Context, text string, params query.Params) (*query.QueryResult, error) {
	return e.queryClient.Query(ctx, text, params)
}

// QueryAsync submits the query as a background task and returns its ID. The
// task runs under the manager's lifetime, not the caller's context; use
// Status and CancelTask to follow it.
func (e *Engine) QueryAsync(text string, params query.Params) (string, error) {
	return e.manager.Submit(func(taskCtx context.Context) (any, error) {
		return e.queryClient.Query(taskCtx, text, params)
	})
}

// Status reports a background task.
func (e *Engine) Status(taskID string) (tasks.Task, bool) {
	return e.manager.Status(taskID)
}

// CancelTask requests cooperative cancellation of a background task.
func (e *Engine) CancelTask(taskID string) bool {
	return e.manager.Cancel(taskID)
}

// RebuildCommunities detects and summarizes the community forest from the
// current graph, replacing the stored forest.
func (e *Engine) RebuildCommunities(ctx context.Context) ([]common.Community, error) {
	communities, err := e.detector.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	e.mutationsMu.Lock()
	e.mutations = 0
	e.mutationsMu.Unlock()
	return communities, nil
}

// noteMutations counts committed chunks toward the automatic community
// rebuild trigger. A failed triggered rebuild keeps the counter so the next
// ingest retries it.
func (e *Engine) noteMutations(ctx context.Context, committed int) {
	if e.rebuildEvery <= 0 || committed == 0 {
		return
	}
	e.mutationsMu.Lock()
	e.mutations += committed
	due := e.mutations >= e.rebuildEvery
	e.mutationsMu.Unlock()
	if !due {
		return
	}
	if _, err := e.RebuildCommunities(ctx); err != nil {
		logger.Warn("[Engine] Triggered community rebuild failed", "error", err)
	}
}

// Persist flushes every store that supports durability.
func (e *Engine) Persist(ctx context.Context) error {
	for name, persist := range map[string]func(context.Context) error{
		"vector": e.vectorStore.Persist,
		"graph":  e.graphStore.Persist,
		"kv":     e.kvStore.Persist,
	} {
		if err := persist(ctx); err != nil {
			return fmt.Errorf("persist %s store: %w", name, err)
		}
	}
	return nil
}

// Close drains background tasks and persists store state.
func (e *Engine) Close(ctx context.Context) error {
	e.manager.Close()
	return e.Persist(ctx)
}
