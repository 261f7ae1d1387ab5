package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime, server and logging settings for saaya.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// RuntimeConfig selects the engine and how models are opened.
type RuntimeConfig struct {
	Engine      string `yaml:"engine"`
	ModelPath   string `yaml:"model_path"`
	ContextSize int    `yaml:"context_size"`
	Threads     int    `yaml:"threads"`
	BatchSize   int    `yaml:"batch_size"`
	NUMA        string `yaml:"numa"`
	Mmap        *bool  `yaml:"mmap"`
	Mlock       *bool  `yaml:"mlock"`

	// Presets enables model-family defaults matched from the model
	// description. Explicit values always win.
	Presets  *bool              `yaml:"presets"`
	Defaults GenerationDefaults `yaml:"defaults"`
}

// GenerationDefaults are the per-session sampling and length defaults.
type GenerationDefaults struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	TopK        int      `yaml:"top_k"`
	TopP        float64  `yaml:"top_p"`
	Seed        *uint32  `yaml:"seed"`
	Stop        []string `yaml:"stop"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   bool   `yaml:"file"`
}

const (
	defaultConfigFile = "saaya.yaml"

	DefaultContextSize = 2048
	DefaultThreads     = 4
	DefaultMaxTokens   = 512
)

// Default returns a Config pre-populated with defaults for small CPU models.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Engine:      "llama",
			ContextSize: DefaultContextSize,
			Threads:     DefaultThreads,
			BatchSize:   0,
			NUMA:        "disabled",
			Defaults: GenerationDefaults{
				MaxTokens:   DefaultMaxTokens,
				Temperature: 0.7,
				TopK:        40,
				TopP:        0.9,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 42070,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("SAAYA_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided SAAYA_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	r := override.Runtime
	if r.Engine != "" {
		result.Runtime.Engine = r.Engine
	}
	if r.ModelPath != "" {
		result.Runtime.ModelPath = r.ModelPath
	}
	if r.ContextSize != 0 {
		result.Runtime.ContextSize = r.ContextSize
	}
	if r.Threads != 0 {
		result.Runtime.Threads = r.Threads
	}
	if r.BatchSize != 0 {
		result.Runtime.BatchSize = r.BatchSize
	}
	if r.NUMA != "" {
		result.Runtime.NUMA = r.NUMA
	}
	if r.Mmap != nil {
		result.Runtime.Mmap = r.Mmap
	}
	if r.Mlock != nil {
		result.Runtime.Mlock = r.Mlock
	}
	if r.Presets != nil {
		result.Runtime.Presets = r.Presets
	}

	d := r.Defaults
	if d.MaxTokens != 0 {
		result.Runtime.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != 0 {
		result.Runtime.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		result.Runtime.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		result.Runtime.Defaults.TopP = d.TopP
	}
	if d.Seed != nil {
		result.Runtime.Defaults.Seed = d.Seed
	}
	if len(d.Stop) > 0 {
		result.Runtime.Defaults.Stop = append([]string(nil), d.Stop...)
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}
	if override.Logging.File {
		result.Logging.File = true
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SAAYA_ENGINE")); v != "" {
		cfg.Runtime.Engine = v
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_MODEL")); v != "" {
		cfg.Runtime.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_CTX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_NUMA")); v != "" {
		cfg.Runtime.NUMA = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_PRESETS")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Runtime.Presets = &enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Runtime.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Runtime.Defaults.Temperature = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_TOP_K")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Runtime.Defaults.TopK = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_TOP_P")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Runtime.Defaults.TopP = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_SEED")); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			seed := uint32(n)
			cfg.Runtime.Defaults.Seed = &seed
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("SAAYA_LOG_FILE")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.File = enabled
		}
	}
}

// PresetsEnabled reports whether model-family presets apply. Unset means on.
func (r RuntimeConfig) PresetsEnabled() bool {
	return r.Presets == nil || *r.Presets
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
