package graph

import (
	"fmt"
	"time"

	"github.com/lattix-ai/lattix/internal/util"
	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/store"
)

// GraphClient builds and maintains the knowledge graph: it splits documents,
// extracts entities and relationships, merges them into the graph store, and
// keeps the vector index in sync.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	aiClient    ai.Client
	graphStore  store.GraphStore
	vectorStore store.VectorStore
	kvStore     store.KVStore

	chunkConfig    ChunkConfig
	entityTypes    []string
	weightMode     common.WeightMode
	maxGleanings   int
	maxRetries     int
	retryBaseDelay time.Duration
	parallelChunks int

	// summaryThreshold is the fragment count above which merged descriptions
	// are compressed through the completion model.
	summaryThreshold int
	summaryMaxWords  int

	locks *keyLocks
}

// NewGraphClientParams defines the configuration for creating a GraphClient.
//
// ParallelChunks controls how many chunks are extracted concurrently.
// MaxGleanings bounds the extra extraction passes per chunk; zero disables
// gleaning. MaxRetries bounds extraction attempts before a chunk is reported
// failed; attempts back off exponentially starting from RetryBaseDelay.
type NewGraphClientParams struct {
	AIClient    ai.Client
	GraphStore  store.GraphStore
	VectorStore store.VectorStore
	KVStore     store.KVStore

	ChunkConfig    ChunkConfig
	EntityTypes    []string
	WeightMode     common.WeightMode
	MaxGleanings   int
	MaxRetries     int
	RetryBaseDelay time.Duration
	ParallelChunks int

	SummaryThreshold int
	SummaryMaxWords  int
}

// NewGraphClient creates and returns a new GraphClient configured with the
// provided parameters.
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.AIClient == nil {
		return nil, fmt.Errorf("graph client requires an AI client")
	}
	if params.GraphStore == nil || params.VectorStore == nil {
		return nil, fmt.Errorf("graph client requires graph and vector stores")
	}

	entityTypes := util.DedupeStrings(params.EntityTypes)
	if len(entityTypes) == 0 {
		entityTypes = ai.DefaultEntityTypes
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryBaseDelay := params.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = 500 * time.Millisecond
	}
	parallel := params.ParallelChunks
	if parallel <= 0 {
		parallel = 8
	}
	maxGleanings := params.MaxGleanings
	if maxGleanings < 0 {
		maxGleanings = 0
	}
	summaryThreshold := params.SummaryThreshold
	if summaryThreshold <= 0 {
		summaryThreshold = 6
	}
	summaryMaxWords := params.SummaryMaxWords
	if summaryMaxWords <= 0 {
		summaryMaxWords = 300
	}

	return &GraphClient{
		aiClient:         params.AIClient,
		graphStore:       params.GraphStore,
		vectorStore:      params.VectorStore,
		kvStore:          params.KVStore,
		chunkConfig:      params.ChunkConfig.withDefaults(),
		entityTypes:      entityTypes,
		weightMode:       params.WeightMode,
		maxGleanings:     maxGleanings,
		maxRetries:       maxRetries,
		retryBaseDelay:   retryBaseDelay,
		parallelChunks:   parallel,
		summaryThreshold: summaryThreshold,
		summaryMaxWords:  summaryMaxWords,
		locks:            newKeyLocks(),
	}, nil
}
