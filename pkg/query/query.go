package query

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/logger"
	"github.com/lattix-ai/lattix/pkg/metrics"
	"github.com/lattix-ai/lattix/pkg/store"
)

// Mode selects the retrieval strategy used to build query context.
type Mode string

const (
	// ModeNaive retrieves the nearest chunks by vector similarity.
	ModeNaive Mode = "naive"
	// ModeLocal seeds on similar entities and expands their neighborhood.
	ModeLocal Mode = "local"
	// ModeGlobal retrieves community reports for corpus-level questions.
	ModeGlobal Mode = "global"
	// ModeHybrid fuses local and global retrieval.
	ModeHybrid Mode = "hybrid"
)

// Params configures a single query. A Params value is never mutated after
// construction; zero fields fall back to the client defaults.
type Params struct {
	Mode             Mode
	TopK             int
	MaxHops          int
	MinSimilarity    float64
	MaxContextTokens int
}

func (p Params) withDefaults(d Params) Params {
	if p.Mode == "" {
		p.Mode = d.Mode
	}
	if p.Mode == "" {
		p.Mode = ModeLocal
	}
	if p.TopK <= 0 {
		p.TopK = d.TopK
	}
	if p.TopK <= 0 {
		p.TopK = 10
	}
	if p.MaxHops <= 0 {
		p.MaxHops = d.MaxHops
	}
	if p.MaxHops <= 0 {
		p.MaxHops = 2
	}
	if p.MinSimilarity <= 0 {
		p.MinSimilarity = d.MinSimilarity
	}
	if p.MaxContextTokens <= 0 {
		p.MaxContextTokens = d.MaxContextTokens
	}
	if p.MaxContextTokens <= 0 {
		p.MaxContextTokens = 4000
	}
	return p
}

// Citation links a statement in the answer back to a stored source.
type Citation struct {
	SourceID string `json:"source_id"`
	Excerpt  string `json:"excerpt"`
}

// QueryResult is the outcome of a query. InsufficientContext marks the
// defined no-answer outcome: nothing in the stores met the relevance
// threshold, so no completion was attempted. Callers must treat it as a
// valid result, not a failure.
type QueryResult struct {
	Answer              string     `json:"answer"`
	Citations           []Citation `json:"citations"`
	Mode                Mode       `json:"mode"`
	ContextTokens       int        `json:"context_tokens"`
	InsufficientContext bool       `json:"insufficient_context"`
}

// GraphQueryClient answers questions from the knowledge graph. Each mode is
// a pure function of the query and the current store state; answers are
// synthesized strictly from retrieved context and carry citations back to
// chunk, entity, or community IDs.
//
// A GraphQueryClient should be created using NewGraphQueryClient.
type GraphQueryClient struct {
	aiClient    ai.Client
	graphStore  store.GraphStore
	vectorStore store.VectorStore

	defaults Params
	enc      *tiktoken.Tiktoken
}

// NewGraphQueryClientParams defines the configuration for creating a
// GraphQueryClient. Encoder names the tiktoken encoding used for the context
// token budget and defaults to o200k_base. Defaults fills unset Params
// fields per query.
type NewGraphQueryClientParams struct {
	AIClient    ai.Client
	GraphStore  store.GraphStore
	VectorStore store.VectorStore

	Encoder  string
	Defaults Params
}

// NewGraphQueryClient creates and returns a new GraphQueryClient configured
// with the provided parameters.
func NewGraphQueryClient(params NewGraphQueryClientParams) (*GraphQueryClient, error) {
	if params.AIClient == nil {
		return nil, fmt.Errorf("query client requires an AI client")
	}
	if params.GraphStore == nil || params.VectorStore == nil {
		return nil, fmt.Errorf("query client requires graph and vector stores")
	}

	encoder := params.Encoder
	if encoder == "" {
		encoder = "o200k_base"
	}
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoder, err)
	}

	return &GraphQueryClient{
		aiClient:    params.AIClient,
		graphStore:  params.GraphStore,
		vectorStore: params.VectorStore,
		defaults:    params.Defaults,
		enc:         enc,
	}, nil
}

// Query answers text using the strategy selected by params.Mode. When no
// retrieved material meets params.MinSimilarity the result reports
// InsufficientContext and no completion call is made.
func (c *GraphQueryClient) Query(ctx context.Context, text string, params Params) (*QueryResult, error) {
	p := params.withDefaults(c.defaults)
	done := metrics.TimeQuery(string(p.Mode))

	sources, err := c.gather(ctx, text, p)
	if err != nil {
		done(false)
		return nil, err
	}
	if len(sources) == 0 {
		logger.Debug("[Query] No context above threshold", "mode", p.Mode, "minSimilarity", p.MinSimilarity)
		done(true)
		return &QueryResult{Mode: p.Mode, InsufficientContext: true}, nil
	}

	contextText, included, contextTokens := c.assembleContext(sources, p.MaxContextTokens)

	answer, err := c.aiClient.GenerateCompletion(
		ctx,
		text,
		ai.WithSystemPrompts(fmt.Sprintf(ai.QueryPrompt, contextText)),
		ai.WithTemperature(0.2),
	)
	if err != nil {
		done(false)
		return nil, fmt.Errorf("synthesize answer: %w", err)
	}

	result := &QueryResult{
		Answer:        answer,
		Citations:     parseCitations(answer, included),
		Mode:          p.Mode,
		ContextTokens: contextTokens,
	}
	logger.Info("[Query] Answered",
		"mode", p.Mode,
		"sources", len(included),
		"contextTokens", contextTokens,
		"citations", len(result.Citations),
	)
	done(true)
	return result, nil
}

func (c *GraphQueryClient) gather(ctx context.Context, text string, p Params) ([]contextSource, error) {
	switch p.Mode {
	case ModeNaive:
		return c.gatherNaive(ctx, text, p)
	case ModeLocal:
		return c.gatherLocal(ctx, text, p)
	case ModeGlobal:
		return c.gatherGlobal(ctx, text, p)
	case ModeHybrid:
		return c.gatherHybrid(ctx, text, p)
	default:
		return nil, fmt.Errorf("unknown query mode %q", p.Mode)
	}
}
