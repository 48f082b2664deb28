// Package config provides configuration loading, validation, and the static
// model and standards catalogs for the report orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a field.
const (
	DefaultListenAddr  = "localhost:8820"
	DefaultRedisAddr   = "localhost:6379"
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
	DefaultTopK        = 3
	DefaultEmbedModel  = "text-embedding-3-large"
)

// ServerConfig holds the HTTP/websocket surface settings.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	ReportsDir    string `yaml:"reports_dir"`
	PrometheusURL string `yaml:"prometheus_url"` // empty disables usage queries
}

// RedisConfig holds the retrieval store settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AgentConfig holds defaults applied to every pipeline agent.
type AgentConfig struct {
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RetrievalConfig holds embedding and search settings.
type RetrievalConfig struct {
	EmbedModel string `yaml:"embed_model"`
	TopK       int    `yaml:"top_k"`
}

// Config is the root configuration for the orchestrator.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Redis      RedisConfig     `yaml:"redis"`
	Agents     AgentConfig     `yaml:"agents"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	OllamaHost string          `yaml:"ollama_host"`
	DBPath     string          `yaml:"db_path"`
}

// Load reads a YAML config file and fills in defaults. A missing file is not
// an error: the defaults alone form a working local configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ReportsDir == "" {
		c.Server.ReportsDir = filepath.Join(".", "reports")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "reportforge"
	}
	if c.Agents.Temperature == 0 {
		c.Agents.Temperature = DefaultTemperature
	}
	if c.Agents.MaxTokens == 0 {
		c.Agents.MaxTokens = DefaultMaxTokens
	}
	if c.Retrieval.EmbedModel == "" {
		c.Retrieval.EmbedModel = DefaultEmbedModel
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.OllamaHost == "" {
		c.OllamaHost = DefaultOllamaHost
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(".", "reportforge.db")
	}
}

// APIKey returns the API key for a provider from the environment.
// Ollama needs no key and always returns "".
func APIKey(provider Provider) string {
	switch provider {
	case ProviderOpenAI:
		return os.Getenv(EnvOpenAIKey)
	case ProviderClaude:
		return os.Getenv(EnvClaudeKey)
	case ProviderGemini:
		return os.Getenv(EnvGeminiKey)
	case ProviderOllama:
		return ""
	}
	return ""
}
