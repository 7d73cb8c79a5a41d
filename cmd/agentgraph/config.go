package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agentgraph CLI configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text | json
	PoolSize    int    `yaml:"pool_size"`
	MaxTurns    int    `yaml:"max_turns"`
	ToolTimeout string `yaml:"tool_timeout"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Providers  ProvidersConfig   `yaml:"providers"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Microsoft  MicrosoftConfig   `yaml:"microsoft,omitempty"`
}

// ProvidersConfig holds vendor credentials. A vendor without an API key is
// not registered.
type ProvidersConfig struct {
	OpenAI    VendorConfig `yaml:"openai,omitempty"`
	Anthropic VendorConfig `yaml:"anthropic,omitempty"`
	Gemini    VendorConfig `yaml:"gemini,omitempty"`
}

// VendorConfig configures one chat provider.
type VendorConfig struct {
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// MCPServerConfig is an MCP server whose tools are offered to Model nodes,
// prefixed with Name.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// MicrosoftConfig enables the Microsoft Graph tools.
type MicrosoftConfig struct {
	AccessToken string   `yaml:"access_token,omitempty"`
	Scopes      []string `yaml:"scopes,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(agentgraphDir(), "agentgraph.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		PoolSize:    10,
		MaxTurns:    10,
		ToolTimeout: "30s",
	}
}

func agentgraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgraph"
	}
	return filepath.Join(home, ".agentgraph")
}

func settingsPath() string {
	return filepath.Join(agentgraphDir(), "settings.yaml")
}

// loadConfig layers the settings file at path (the default location when
// empty) and the environment over the defaults. A missing file is not an
// error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("AGENTGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("AGENTGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("AGENTGRAPH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("AGENTGRAPH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("AGENTGRAPH_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTurns = n
		}
	}
	if v := getenv("AGENTGRAPH_TOOL_TIMEOUT"); v != "" {
		cfg.ToolTimeout = v
	}
	if v := getenv("AGENTGRAPH_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAI.BaseURL = v
	}
	if v := getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}
	if v := getenv("AGENTGRAPH_MS_GRAPH_TOKEN"); v != "" {
		cfg.Microsoft.AccessToken = v
	}
}

// toolTimeout parses ToolTimeout; invalid or empty values mean no override.
func (c Config) toolTimeout() time.Duration {
	d, err := time.ParseDuration(c.ToolTimeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// writeConfig stores cfg at path with owner-only permissions since it may
// hold API keys.
func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
