package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"` // optional bearer key guarding mutating routes
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // file | postgres
	Root    string `yaml:"root"`    // base directory for the file backend
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"` // pub/sub channel for cross-replica signals
}

type AIConfig struct {
	OpenAIKey    string `yaml:"openai_key"`
	OpenAIBase   string `yaml:"openai_base"`
	GeminiKey    string `yaml:"gemini_key"`
	GeminiURL    string `yaml:"gemini_url"`
	DefaultModel string `yaml:"default_model"`
}

type ToolsConfig struct {
	WorkspacePath string `yaml:"workspace_path"`
	AutoApprove   bool   `yaml:"auto_approve"` // skip the approval gate for all tools
	MCPEndpoint   string `yaml:"mcp_endpoint"` // optional streamable-HTTP MCP server
}

type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAutoLoop   int           `yaml:"max_auto_loop"` // tool auto-loop depth bound
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Tools    ToolsConfig    `yaml:"tools"`
	Session  SessionConfig  `yaml:"session"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "./data"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "ctxsync.signals"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Session.IdleTTL <= 0 {
		cfg.Session.IdleTTL = 30 * time.Minute
	}
	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = 5 * time.Minute
	}
	if cfg.Session.MaxAutoLoop <= 0 {
		cfg.Session.MaxAutoLoop = 8
	}

	// Minimal validation
	switch cfg.Storage.Backend {
	case "file":
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, errors.New("database.url is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required when redis is enabled")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
