// Package config loads the example server configuration from TOML and
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Memory   MemoryConfig   `toml:"memory"`
	KV       KVConfig       `toml:"kv"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Agent    AgentConfig    `toml:"agent"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr    string `toml:"addr"`
	BaseURL string `toml:"base_url"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type MemoryConfig struct {
	// Driver is one of "sqlite", "postgres", or "inmem".
	Driver string `toml:"driver"`
	Path   string `toml:"path"` // sqlite file path
	DSN    string `toml:"dsn"`  // postgres connection string
}

type KVConfig struct {
	// Driver is "inmem" or "redis".
	Driver    string `toml:"driver"`
	RedisAddr string `toml:"redis_addr"`
}

type SandboxConfig struct {
	// Driver is "local" or "docker".
	Driver  string `toml:"driver"`
	Root    string `toml:"root"`  // local: directory holding sandbox workspaces
	Image   string `toml:"image"` // docker: container image
	WorkDir string `toml:"work_dir"`
	// AutoStopSeconds is the heartbeat TTL; 0 selects the default.
	AutoStopSeconds int `toml:"auto_stop_seconds"`
}

type AgentConfig struct {
	Instructions   string `toml:"instructions"`
	AgentsMDPrompt string `toml:"agents_md_prompt"`
	AppName        string `toml:"app_name"`
	MaxSteps       int    `toml:"max_steps"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ParallelTools  bool   `toml:"parallel_tools"`
	CommitName     string `toml:"commit_name"` // git author for auto-commits
	CommitEmail    string `toml:"commit_email"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		LLM:     LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Memory:  MemoryConfig{Driver: "sqlite", Path: "agentstart.db"},
		KV:      KVConfig{Driver: "inmem"},
		Sandbox: SandboxConfig{Driver: "local", Root: filepath.Join(home, "agentstart-sandboxes"), Image: "ubuntu:24.04", WorkDir: "/workspace"},
		Agent:   AgentConfig{AppName: "agentstart", MaxSteps: 100},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "agentstart.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AGENTSTART_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AGENTSTART_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTSTART_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGENTSTART_MEMORY_DRIVER"); v != "" {
		cfg.Memory.Driver = v
	}
	if v := os.Getenv("AGENTSTART_MEMORY_DSN"); v != "" {
		cfg.Memory.DSN = v
	}
	if v := os.Getenv("AGENTSTART_REDIS_ADDR"); v != "" {
		cfg.KV.Driver = "redis"
		cfg.KV.RedisAddr = v
	}
	if v := os.Getenv("AGENTSTART_SANDBOX_DRIVER"); v != "" {
		cfg.Sandbox.Driver = v
	}
	if os.Getenv("AGENTSTART_OBSERVER_ENABLED") == "true" || os.Getenv("AGENTSTART_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Observer.ServiceName == "" {
		cfg.Observer.ServiceName = cfg.Agent.AppName
	}
	if cfg.Memory.Driver == "postgres" && cfg.Memory.DSN == "" {
		cfg.Memory.Driver = "sqlite"
	}

	return cfg
}

// AutoStop returns the configured sandbox heartbeat TTL.
func (c Config) AutoStop() time.Duration {
	return time.Duration(c.Sandbox.AutoStopSeconds) * time.Second
}

// Timeout returns the per-stream deadline, zero when unset.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}
