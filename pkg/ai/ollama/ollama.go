package ollama

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/common"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// Client talks to a locally-hosted Ollama server for completions and
// embeddings. Structured output is enforced through the server-side format
// field, which constrains generation to a JSON schema.
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

	api *api.Client
}

// Params configures a Client. BaseURL may be empty for the default local
// server. ApiKey, when set, is sent as a bearer token for proxied
// deployments. MaxConcurrentRequests bounds in-flight provider calls;
// CallTimeout bounds each individual call.
type Params struct {
	CompletionModel string
	EmbeddingModel  string
	EmbeddingDim    int

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	CallTimeout           time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// New creates a Client connected to the Ollama server at BaseURL (or the
// default if empty) using the configured models.
func New(params Params) (*Client, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := http.DefaultClient
	if params.ApiKey != "" {
		httpClient = &http.Client{
			Transport: &headerTransport{
				headers: map[string]string{
					"Authorization": "Bearer " + params.ApiKey,
				},
				rt: http.DefaultTransport,
			},
		}
	}

	maxReq := params.MaxConcurrentRequests
	if maxReq <= 0 {
		maxReq = 4
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = 768
	}

	return &Client{
		completionModel: params.CompletionModel,
		embeddingModel:  params.EmbeddingModel,
		embeddingDim:    dim,
		reqLock:         semaphore.NewWeighted(maxReq),
		callTimeout:     timeout,
		api:             api.NewClient(u, httpClient),
	}, nil
}

// classifyErr wraps retryable provider failures in TransientProviderError so
// callers can distinguish them from permanent ones.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 408, statusErr.StatusCode == 429, statusErr.StatusCode >= 500:
			return &common.TransientProviderError{Provider: "ollama", Err: err}
		default:
			return err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &common.TransientProviderError{Provider: "ollama", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &common.TransientProviderError{Provider: "ollama", Err: err}
	}

	return err
}
