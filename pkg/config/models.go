package config

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies one of the supported LLM backends. The set is closed:
// selector resolution fails for anything outside it.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
	// ProviderOllama is the local/self-hosted fallback.
	ProviderOllama Provider = "ollama"
)

// API key environment variables per provider.
const (
	EnvOpenAIKey = "OPENAI_API_KEY"
	EnvClaudeKey = "CLAUDE_API_KEY"
	EnvGeminiKey = "GEMINI_API_KEY"
)

// Selector resolution errors. All are configuration errors: reported to the
// caller immediately, never retried.
var (
	ErrMissingVariant  = errors.New("model selector has no variant segment")
	ErrUnknownProvider = errors.New("unknown model provider")
	ErrUnknownVariant  = errors.New("unknown model variant")
)

// ModelRef is a fully resolved model selection.
type ModelRef struct {
	Provider Provider
	Variant  string
	ModelID  string // Provider-native model identifier, e.g. "gpt-4o".
}

// modelCatalog maps provider -> variant -> provider-native model id.
// Hardcoded in the application, not user-configurable.
//
//nolint:gochecknoglobals // Static catalog.
var modelCatalog = map[Provider]map[string]string{
	ProviderOpenAI: {
		"4o":      "gpt-4o",
		"4o-mini": "gpt-4o-mini",
		"o1":      "o1",
		"o1-mini": "o1-mini",
	},
	ProviderGemini: {
		"1.5": "gemini-1.5-flash",
		"2.0": "gemini-2.0-flash-exp",
	},
	ProviderClaude: {
		"sonnet": "claude-3-5-sonnet-latest",
		"opus":   "claude-3-opus-latest",
	},
	ProviderOllama: {
		"llama3":   "llama3.1",
		"deepseek": "deepseek-r1:7b",
	},
}

// ResolveModel resolves a client-supplied selector of the form
// "<provider>-<variant...>". The string is split at the first separator;
// variant tokens are rejoined with the separator so multi-token variants
// like "4o-mini" resolve correctly.
func ResolveModel(selector string) (ModelRef, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(selector)), "-")
	if len(parts) < 2 {
		return ModelRef{}, fmt.Errorf("%w: %q", ErrMissingVariant, selector)
	}

	provider := Provider(parts[0])
	variants, ok := modelCatalog[provider]
	if !ok {
		return ModelRef{}, fmt.Errorf("%w: %q", ErrUnknownProvider, parts[0])
	}

	variant := strings.Join(parts[1:], "-")
	modelID, ok := variants[variant]
	if !ok {
		return ModelRef{}, fmt.Errorf("%w: %q for provider %q", ErrUnknownVariant, variant, provider)
	}

	return ModelRef{Provider: provider, Variant: variant, ModelID: modelID}, nil
}

// Providers returns the closed provider set.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderClaude, ProviderGemini, ProviderOllama}
}

// ModelInfo carries static pricing metadata for cost accounting.
type ModelInfo struct {
	Provider        Provider
	InputCPM        float64 // Cost per million input tokens (USD)
	OutputCPM       float64 // Cost per million output tokens (USD)
	MaxOutputTokens int
}

// KnownModels registry contains pricing information for the catalog models.
// Unknown models fall back to zero-cost accounting.
//
//nolint:gochecknoglobals // Static registry.
var KnownModels = map[string]ModelInfo{
	"gpt-4o": {
		Provider:        ProviderOpenAI,
		InputCPM:        2.5,
		OutputCPM:       10.0,
		MaxOutputTokens: 4096,
	},
	"gpt-4o-mini": {
		Provider:        ProviderOpenAI,
		InputCPM:        0.15,
		OutputCPM:       0.6,
		MaxOutputTokens: 4096,
	},
	"o1": {
		Provider:        ProviderOpenAI,
		InputCPM:        15.0,
		OutputCPM:       60.0,
		MaxOutputTokens: 32768,
	},
	"o1-mini": {
		Provider:        ProviderOpenAI,
		InputCPM:        1.1,
		OutputCPM:       4.4,
		MaxOutputTokens: 16384,
	},
	"gemini-1.5-flash": {
		Provider:        ProviderGemini,
		InputCPM:        0.075,
		OutputCPM:       0.3,
		MaxOutputTokens: 8192,
	},
	"gemini-2.0-flash-exp": {
		Provider:        ProviderGemini,
		InputCPM:        0.1,
		OutputCPM:       0.4,
		MaxOutputTokens: 8192,
	},
	"claude-3-5-sonnet-latest": {
		Provider:        ProviderClaude,
		InputCPM:        3.0,
		OutputCPM:       15.0,
		MaxOutputTokens: 8192,
	},
	"claude-3-opus-latest": {
		Provider:        ProviderClaude,
		InputCPM:        15.0,
		OutputCPM:       75.0,
		MaxOutputTokens: 4096,
	},
}

// GetModelInfo returns pricing info for a model, or a zero-cost default.
func GetModelInfo(modelID string) ModelInfo {
	if info, exists := KnownModels[modelID]; exists {
		return info
	}
	return ModelInfo{}
}
