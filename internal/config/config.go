// Package config loads tally's YAML configuration. Values missing from the file
// fall back to the embedded defaults; a few environment variables override both.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tally/pkg/query"
	"tally/pkg/schema"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Provider kinds understood by the bootstrap.
const (
	KindOllama     = "ollama"
	KindCompletion = "completion"
	KindGemini     = "gemini"
	KindOpenAI     = "openai"
	KindEcho       = "echo"
)

// Environment overrides.
const (
	EnvDSN      = "TALLY_DSN"
	EnvDriver   = "TALLY_DRIVER"
	EnvLogLevel = "TALLY_LOG_LEVEL"
	EnvProvider = "TALLY_PROVIDER"
)

// Config is the whole configuration surface.
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Server     ServerConfig      `yaml:"server"`
	Providers  []ProviderConfig  `yaml:"providers"`
	Defaults   map[string]string `yaml:"defaults"` // operation -> provider key
	Store      StoreConfig       `yaml:"store"`
	Agent      AgentConfig       `yaml:"agent"`
	Whitelist  WhitelistConfig   `yaml:"whitelist"`
	Descriptor schema.Config     `yaml:"descriptor"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ProviderConfig configures one chat backend.
type ProviderConfig struct {
	Key         string            `yaml:"key"`
	Kind        string            `yaml:"kind"`
	BaseURL     string            `yaml:"base_url,omitempty"`
	Model       string            `yaml:"model,omitempty"`
	APIKey      string            `yaml:"api_key,omitempty"`
	APIKeyEnv   string            `yaml:"api_key_env,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Temperature float64           `yaml:"temperature,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Referer     string            `yaml:"referer,omitempty"`
	AppName     string            `yaml:"app_name,omitempty"`
	NoTools     bool              `yaml:"no_tools,omitempty"`
}

// Secret returns the API key, preferring the named environment variable.
func (p ProviderConfig) Secret() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RowCap          int           `yaml:"row_cap"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnectAttempts uint          `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
}

type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens,omitempty"`
	Temperature   float64       `yaml:"temperature,omitempty"`
	SystemPrompt  string        `yaml:"system_prompt"`
	PrimeTool     string        `yaml:"prime_tool"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
}

type WhitelistConfig struct {
	Tables        []TableConfig `yaml:"tables"`
	Relationships []LinkConfig  `yaml:"relationships"`
}

type TableConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Columns     []ColumnConfig `yaml:"columns"`
}

type ColumnConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// LinkConfig is a relationship written as "table.column" on both ends.
type LinkConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads path on top of the embedded defaults. An empty path loads the
// defaults alone. Lists in the file replace the default lists wholesale.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvProvider); v != "" {
		if c.Defaults == nil {
			c.Defaults = map[string]string{}
		}
		c.Defaults["*"] = v
	}
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	keys := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Key == "" {
			return fmt.Errorf("providers[%d]: key is required", i)
		}
		if keys[p.Key] {
			return fmt.Errorf("providers[%d]: duplicate key %q", i, p.Key)
		}
		keys[p.Key] = true
		switch p.Kind {
		case KindOllama, KindCompletion, KindGemini, KindOpenAI, KindEcho:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.Key, p.Kind)
		}
	}
	for op, key := range c.Defaults {
		switch op {
		case "chat", "generate", "*":
		default:
			return fmt.Errorf("defaults: unknown operation %q", op)
		}
		if !keys[key] {
			return fmt.Errorf("defaults[%s]: provider %q is not configured", op, key)
		}
	}
	if len(c.Whitelist.Tables) == 0 {
		return fmt.Errorf("whitelist: at least one table is required")
	}
	for _, r := range c.Whitelist.Relationships {
		if _, _, err := splitRef(r.From); err != nil {
			return err
		}
		if _, _, err := splitRef(r.To); err != nil {
			return err
		}
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must not be negative")
	}
	if c.Store.RowCap < 0 {
		return fmt.Errorf("store.row_cap must not be negative")
	}
	return nil
}

// Provider looks a provider up by key.
func (c *Config) Provider(key string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Key == key {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// BuildWhitelist converts the whitelist section into a query.Whitelist.
func (c *Config) BuildWhitelist() *query.Whitelist {
	tables := make([]query.Table, 0, len(c.Whitelist.Tables))
	for _, t := range c.Whitelist.Tables {
		cols := make([]query.Column, len(t.Columns))
		for i, col := range t.Columns {
			cols[i] = query.Column{Name: col.Name, Description: col.Description}
		}
		tables = append(tables, query.Table{Name: t.Name, Description: t.Description, Columns: cols})
	}
	rels := make([]query.Relationship, 0, len(c.Whitelist.Relationships))
	for _, r := range c.Whitelist.Relationships {
		ft, fc, _ := splitRef(r.From)
		tt, tc, _ := splitRef(r.To)
		rels = append(rels, query.Relationship{FromTable: ft, FromColumn: fc, ToTable: tt, ToColumn: tc})
	}
	return query.NewWhitelist(tables, rels)
}

func splitRef(ref string) (string, string, error) {
	table, column, ok := strings.Cut(strings.TrimSpace(ref), ".")
	if !ok || table == "" || column == "" {
		return "", "", fmt.Errorf("whitelist: relationship end %q must be table.column", ref)
	}
	return table, column, nil
}
