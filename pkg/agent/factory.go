package agent

import (
	"fmt"

	"reportforge/pkg/agent/internal/llmimpl/anthropic"
	"reportforge/pkg/agent/internal/llmimpl/google"
	"reportforge/pkg/agent/internal/llmimpl/ollama"
	"reportforge/pkg/agent/internal/llmimpl/openaiofficial"
	"reportforge/pkg/agent/llm"
	"reportforge/pkg/agent/middleware/metrics"
	"reportforge/pkg/agent/middleware/retry"
	"reportforge/pkg/config"
	"reportforge/pkg/logx"
)

// singleAttempt disables backoff retries inside the chain. Callers that
// want retries opt in with retry.DefaultConfig.
//
//nolint:gochecknoglobals // Sensible default config pattern
var singleAttempt = retry.Config{MaxAttempts: 1}

// Factory builds Agents with the provider client resolved from a model
// selector and the standard middleware chain (retry, metrics) applied.
type Factory struct {
	cfg      *config.Config
	recorder metrics.Recorder
	logger   *logx.Logger
}

// NewFactory creates an agent factory. Pass metrics.Nop() to disable usage
// recording.
func NewFactory(cfg *config.Config, recorder metrics.Recorder) *Factory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Factory{
		cfg:      cfg,
		recorder: recorder,
		logger:   logx.NewLogger("agent-factory"),
	}
}

// NewAgent resolves the model selector, builds the provider client, wraps it
// with the middleware chain, and returns an Agent tagged with the given
// report id and pipeline role. Selector resolution failures are configuration
// errors and are returned without retry.
func (f *Factory) NewAgent(selector, reportID, role, systemPrompt string) (*Agent, error) {
	ref, err := config.ResolveModel(selector)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", selector, err)
	}

	client, err := f.buildClient(ref)
	if err != nil {
		return nil, err
	}

	a := New(client,
		WithSystemPrompt(systemPrompt),
		WithTemperature(f.cfg.Agents.Temperature),
		WithMaxTokens(f.cfg.Agents.MaxTokens),
		WithReportID(reportID),
		WithRole(role),
	)

	// Middleware order: metrics observes every attempt's final outcome,
	// retry sits closest to the provider. The pipeline stages own
	// reprompting, so each ask issues a single provider call.
	a.client = llm.Chain(client,
		metrics.Middleware(f.recorder, nil, a, f.logger),
		retry.Middleware(retry.NewPolicy(singleAttempt, nil)),
	)

	f.logger.Debug("built agent: model=%s role=%s report=%s", ref.ModelID, role, reportID)
	return a, nil
}

// buildClient constructs the raw provider client for a resolved model.
func (f *Factory) buildClient(ref config.ModelRef) (llm.LLMClient, error) {
	switch ref.Provider {
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(config.APIKey(ref.Provider), ref.ModelID), nil
	case config.ProviderClaude:
		return anthropic.NewClaudeClientWithModel(config.APIKey(ref.Provider), ref.ModelID), nil
	case config.ProviderGemini:
		return google.NewGeminiClientWithModel(config.APIKey(ref.Provider), ref.ModelID), nil
	case config.ProviderOllama:
		return ollama.NewClientWithModel(f.cfg.OllamaHost, ref.ModelID), nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownProvider, ref.Provider)
	}
}
