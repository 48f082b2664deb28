// Package testkit provides shared test doubles for the pipeline and agent
// packages.
package testkit

import (
	"context"
	"sync"

	"reportforge/pkg/agent/llm"
)

// Step is one scripted exchange for a ScriptedClient.
type Step struct {
	Content string
	Err     error
}

// Reply builds a successful step returning the given content.
func Reply(content string) Step {
	return Step{Content: content}
}

// Fail builds a step that returns the given error.
func Fail(err error) Step {
	return Step{Err: err}
}

// ScriptedClient is an llm.LLMClient that replays a fixed script. Once the
// script is exhausted the last step repeats, which makes "always responds X"
// stubs trivial. All calls are recorded for assertion.
type ScriptedClient struct {
	Model string

	mu    sync.Mutex
	steps []Step
	next  int
	calls []llm.CompletionRequest
}

// NewScriptedClient builds a scripted client for the given model name.
func NewScriptedClient(model string, steps ...Step) *ScriptedClient {
	return &ScriptedClient{Model: model, steps: steps}
}

// Complete implements llm.LLMClient.
func (s *ScriptedClient) Complete(_ context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, in)

	if len(s.steps) == 0 {
		return llm.CompletionResponse{}, nil
	}

	step := s.steps[s.next]
	if s.next < len(s.steps)-1 {
		s.next++
	}

	if step.Err != nil {
		return llm.CompletionResponse{}, step.Err
	}
	return llm.CompletionResponse{Content: step.Content, StopReason: "end_turn"}, nil
}

// GetModelName implements llm.LLMClient.
func (s *ScriptedClient) GetModelName() string {
	return s.Model
}

// Calls returns a copy of every request seen so far.
func (s *ScriptedClient) Calls() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.CompletionRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Complete invocations.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
