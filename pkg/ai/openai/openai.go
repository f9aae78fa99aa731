package openai

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// Client talks to an OpenAI-compatible API for completions and embeddings.
// Chat and embedding endpoints can point at different hosts, which is common
// when embeddings are served by a separate deployment.
//
// A Client should be created with New.
type Client struct {
	completionModel string
	embeddingModel  string
	embeddingDim    int

	reqLock     *semaphore.Weighted
	callTimeout time.Duration

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	chat  *openai.Client
	embed *openai.Client
}

// Params configures a Client. ChatURL/EmbeddingURL may be empty for the
// public API endpoint. MaxConcurrentRequests bounds in-flight provider
// calls; CallTimeout bounds each individual call.
type Params struct {
	CompletionModel string
	EmbeddingModel  string
	EmbeddingDim    int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	MaxConcurrentRequests int64
	CallTimeout           time.Duration
}

// New creates a Client configured with the provided parameters.
func New(params Params) *Client {
	maxReq := params.MaxConcurrentRequests
	if maxReq <= 0 {
		maxReq = 8
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = 1536
	}

	return &Client{
		completionModel: params.CompletionModel,
		embeddingModel:  params.EmbeddingModel,
		embeddingDim:    dim,
		reqLock:         semaphore.NewWeighted(maxReq),
		callTimeout:     timeout,
		chat:            newAPIClient(params.ChatURL, params.ChatKey),
		embed:           newAPIClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newAPIClient(baseURL, apiKey string) *openai.Client {
	options := []option.RequestOption{}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(options...)
	return &client
}

// classifyErr wraps retryable provider failures in TransientProviderError so
// callers can distinguish them from permanent ones.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408, apierr.StatusCode == 429, apierr.StatusCode >= 500:
			return &common.TransientProviderError{Provider: "openai", Err: err}
		default:
			return err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &common.TransientProviderError{Provider: "openai", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &common.TransientProviderError{Provider: "openai", Err: err}
	}

	return err
}
