// Package agent provides the conversational LLM agent abstraction used by
// every pipeline stage. An Agent owns one provider client, a system prompt,
// and an append-only conversation history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"reportforge/pkg/agent/llm"
	"reportforge/pkg/jsonx"
	"reportforge/pkg/logx"
)

// ErrGeneration is the sentinel returned when the provider call fails.
// Callers check for it with errors.Is and retry at the stage level.
var ErrGeneration = errors.New("generation failed")

// Agent wraps one conversational LLM endpoint. The conversation history is
// append-only between explicit resets and must never be shared across
// concurrent callers; each pipeline stage constructs its own Agent.
type Agent struct {
	client       llm.LLMClient
	logger       *logx.Logger
	systemPrompt string
	history      []llm.CompletionMessage
	temperature  float32
	maxTokens    int
	reportID     string
	role         string
	mu           sync.Mutex
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithSystemPrompt sets the agent's initial system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(t float32) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens overrides the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithReportID tags the agent with the report it is working on. The tag is
// attached to metrics and log lines.
func WithReportID(id string) Option {
	return func(a *Agent) { a.reportID = id }
}

// WithRole tags the agent with its pipeline role (thresholder, planner, ...).
func WithRole(role string) Option {
	return func(a *Agent) { a.role = role }
}

// New constructs an Agent around an already-built client. Most callers go
// through Factory.NewAgent instead, which resolves the provider and applies
// the middleware chain.
func New(client llm.LLMClient, opts ...Option) *Agent {
	a := &Agent{
		client:      client,
		logger:      logx.NewLogger("agent"),
		temperature: 0.7,
		maxTokens:   4096,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// askOptions holds per-call options for Ask and AskJSON.
type askOptions struct {
	keepHistory bool
}

// AskOption configures a single Ask or AskJSON call.
type AskOption func(*askOptions)

// WithoutHistory clears the conversation history immediately after the
// exchange is recorded. The current call still sees the full context; only
// future calls lose it.
func WithoutHistory() AskOption {
	return func(o *askOptions) { o.keepHistory = false }
}

// SetSystemPrompt replaces the agent's system prompt.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPrompt = prompt
}

// ClearHistory discards the accumulated conversation history. The system
// prompt is kept.
func (a *Agent) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

// History returns a copy of the conversation history.
func (a *Agent) History() []llm.CompletionMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.CompletionMessage, len(a.history))
	copy(out, a.history)
	return out
}

// ModelName reports the backing model identifier.
func (a *Agent) ModelName() string {
	return a.client.GetModelName()
}

// GetReportID implements metrics.ContextProvider.
func (a *Agent) GetReportID() string { return a.reportID }

// GetRole implements metrics.ContextProvider.
func (a *Agent) GetRole() string { return a.role }

// Ask appends the prompt to the history as a user message, submits the
// system prompt plus full history to the provider, records the reply, and
// returns its text. Provider failures are logged and surfaced as
// ErrGeneration; the Agent never lets a raw provider error escape.
func (a *Agent) Ask(ctx context.Context, prompt string, opts ...AskOption) (string, error) {
	return a.AskMany(ctx, []string{prompt}, opts...)
}

// AskMany is Ask for an ordered list of user messages submitted in one
// exchange.
func (a *Agent) AskMany(ctx context.Context, prompts []string, opts ...AskOption) (string, error) {
	options := askOptions{keepHistory: true}
	for _, opt := range opts {
		opt(&options)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range prompts {
		a.history = append(a.history, llm.NewUserMessage(p))
	}

	messages := make([]llm.CompletionMessage, 0, len(a.history)+1)
	if a.systemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(a.systemPrompt))
	}
	messages = append(messages, a.history...)

	req := llm.CompletionRequest{
		Messages:    messages,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		a.logger.Error("ask failed: model=%s role=%s: %v", a.client.GetModelName(), a.role, err)
		return "", fmt.Errorf("ask %s: %w", a.client.GetModelName(), errors.Join(ErrGeneration, err))
	}

	a.history = append(a.history, llm.NewAssistantMessage(resp.Content))

	if !options.keepHistory {
		a.history = nil
	}

	return resp.Content, nil
}

// AskJSON runs Ask and extracts every well-formed JSON object from the
// reply. A reply with no parseable object yields an empty slice and a nil
// error; callers treat that as a recoverable failure and retry at the stage
// level.
func (a *Agent) AskJSON(ctx context.Context, prompt string, opts ...AskOption) ([]jsonx.Object, error) {
	text, err := a.Ask(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	return jsonx.Extract(text), nil
}
