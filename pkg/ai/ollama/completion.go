package ollama

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattix-ai/lattix/pkg/ai"
	"github.com/lattix-ai/lattix/pkg/metrics"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

// Larger prompts need an expanded context window or Ollama silently
// truncates them at the model default.
const defaultNumCtx = 4096

// GenerateCompletion sends a single-turn prompt to the completion model and
// returns the generated text.
func (c *Client) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.GenerateOptions{
		Model:       c.completionModel,
		Temperature: 0.3,
	}
	for _, o := range opts {
		o(&options)
	}

	req, err := newChatRequest(options, prompt, nil)
	if err != nil {
		return "", err
	}

	final, err := c.doChat(ctx, "completion", req)
	if err != nil {
		return "", err
	}
	return final.Message.Content, nil
}

// GenerateCompletionWithFormat sends a prompt to the completion model and
// unmarshals the response into out, using a JSON schema derived from out to
// constrain generation. Name and description are accepted for interface
// compatibility; Ollama takes only the raw schema.
func (c *Client) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	schema := ai.GenerateSchema(out)
	format, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	options := ai.GenerateOptions{
		Model:       c.completionModel,
		Temperature: 0.1,
	}
	for _, o := range opts {
		o(&options)
	}

	req, err := newChatRequest(options, prompt, format)
	if err != nil {
		return err
	}

	final, err := c.doChat(ctx, "completion_format", req)
	if err != nil {
		return err
	}
	if final.Message.Content == "" {
		return fmt.Errorf("empty response from model %s", options.Model)
	}
	return ai.UnmarshalFlexible(final.Message.Content, out)
}

func newChatRequest(options ai.GenerateOptions, prompt string, format json.RawMessage) (*api.ChatRequest, error) {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+1)
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Format:   format,
		Options:  map[string]any{"temperature": options.Temperature},
	}

	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return nil, err
	}
	tokens := 200
	for _, m := range msgs {
		tokens += len(enc.Encode(m.Content, nil, nil))
	}
	if tokens > defaultNumCtx {
		req.Options["num_ctx"] = tokens
	}

	return req, nil
}

func (c *Client) doChat(
	ctx context.Context,
	op string,
	req *api.ChatRequest,
) (*api.ChatResponse, error) {
	rCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, classifyErr(err)
	}
	defer c.reqLock.Release(1)

	done := metrics.TimeProviderCall("ollama", op)
	var final api.ChatResponse
	err := c.api.Chat(rCtx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	})
	done(err == nil)
	if err != nil {
		return nil, classifyErr(err)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})
	metrics.Default().AddProviderTokens("ollama", final.Metrics.PromptEvalCount, final.Metrics.EvalCount)

	return &final, nil
}
