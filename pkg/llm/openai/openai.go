// Package openai provides a goal reasoner backed by an OpenAI-compatible
// chat completions API.
//
// Example usage:
//
//	reasoner, err := openai.NewReasoner(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	generator := plan.NewGenerator(reasoner, nil, plan.GeneratorConfig{}, logger)
//	p, err := generator.Generate(ctx, "log in as bob", page)
package openai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/plan"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o"

	// DefaultMaxPromptTokens bounds the page digest sent on each call
	DefaultMaxPromptTokens = 6000
)

// Reasoner implements plan.Reasoner against an OpenAI-compatible API.
type Reasoner struct {
	client          openai.Client
	apiKey          string
	baseURL         string
	model           string
	temperature     float64
	maxPromptTokens int
	counter         TokenCounter
	logger          *logging.Logger
}

var _ plan.Reasoner = (*Reasoner)(nil)

// ReasonerOption is a function that configures a Reasoner.
type ReasonerOption func(*Reasoner)

// WithModel sets the model to use for completions.
func WithModel(model string) ReasonerOption {
	return func(r *Reasoner) {
		r.model = model
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
// This enables using Azure OpenAI, local models, or other compatible services.
func WithBaseURL(baseURL string) ReasonerOption {
	return func(r *Reasoner) {
		r.baseURL = baseURL
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ReasonerOption {
	return func(r *Reasoner) {
		r.temperature = t
	}
}

// WithMaxPromptTokens bounds the page digest included in each prompt.
func WithMaxPromptTokens(n int) ReasonerOption {
	return func(r *Reasoner) {
		r.maxPromptTokens = n
	}
}

// WithTokenCounter replaces the token counter used for prompt budgeting.
func WithTokenCounter(c TokenCounter) ReasonerOption {
	return func(r *Reasoner) {
		r.counter = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ReasonerOption {
	return func(r *Reasoner) {
		r.logger = l
	}
}

// NewReasoner creates a reasoner with the given API key.
//
// If apiKey is empty, it will attempt to read from the OPENAI_API_KEY environment variable.
// If baseURL is not provided via WithBaseURL option, it will check OPENAI_BASE_URL environment variable.
// When no token counter is supplied the cl100k_base encoding is loaded, falling
// back to a character estimate if the encoding is unavailable.
func NewReasoner(apiKey string, opts ...ReasonerOption) (*Reasoner, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	r := &Reasoner{
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		model:           DefaultModel,
		maxPromptTokens: DefaultMaxPromptTokens,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			r.baseURL = envBaseURL
		}
	}
	if !strings.HasSuffix(r.baseURL, "/") {
		r.baseURL += "/"
	}
	if r.maxPromptTokens <= 0 {
		r.maxPromptTokens = DefaultMaxPromptTokens
	}
	r.logger = logging.OrNop(r.logger).With("reasoner")

	if r.counter == nil {
		counter, err := NewTiktokenCounter(DefaultEncoding)
		if err != nil {
			r.logger.Warnf("Tokenizer unavailable, estimating tokens from length: %v", err)
			r.counter = EstimateCounter{}
		} else {
			r.counter = counter
		}
	}

	// Retries are owned by the task manager; the SDK must not add its own.
	r.client = openai.NewClient(
		option.WithAPIKey(r.apiKey),
		option.WithBaseURL(r.baseURL),
		option.WithMaxRetries(0),
	)
	return r, nil
}

// Model returns the model name being used.
func (r *Reasoner) Model() string {
	return r.model
}

// BaseURL returns the base URL being used.
func (r *Reasoner) BaseURL() string {
	return r.baseURL
}

// Next sends the conversation so far and interprets the reply as either a
// tool call or a terminal plan.
func (r *Reasoner) Next(ctx context.Context, req *plan.ReasonRequest) (*plan.ReasonResponse, error) {
	messages := r.buildMessages(req)

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(r.model),
		Messages:    messages,
		Temperature: openai.Float(r.temperature),
	}

	r.logger.Debugf("Requesting completion: model=%s iteration=%d/%d messages=%d",
		r.model, req.Iteration, req.MaxIterations, len(messages))

	completion, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	content := completion.Choices[0].Message.Content
	return interpret(content), nil
}

// interpret classifies a completion. A reply with neither a tool call nor a
// plan object is returned with only Raw set.
func interpret(content string) *plan.ReasonResponse {
	resp := &plan.ReasonResponse{Raw: content}

	if HasToolCall(content) {
		call, err := ParseToolCall(content)
		if err == nil {
			resp.ToolCall = call
			return resp
		}
	}

	payload, err := plan.ParsePayload(content)
	if err == nil {
		resp.Plan = payload
	}
	return resp
}

func (r *Reasoner) buildMessages(req *plan.ReasonRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2+2*len(req.History))
	messages = append(messages, openai.SystemMessage(systemPrompt(req.Tools)))
	messages = append(messages, openai.UserMessage(r.goalPrompt(req)))

	for _, ex := range req.History {
		messages = append(messages, openai.AssistantMessage(FormatToolCall(ex.Call)))
		messages = append(messages, openai.UserMessage(formatToolResult(ex.Result)))
	}

	if req.MaxIterations > 0 && req.Iteration >= req.MaxIterations {
		messages = append(messages, openai.UserMessage(finalIterationPrompt))
	}
	return messages
}
