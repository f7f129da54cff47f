// Package config loads gobatch settings from defaults, an optional YAML
// config file, and GOBATCH_* environment variables, in increasing
// precedence. CLI flags override on top via the command layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Defaults applied before file and environment are read.
const (
	DefaultModel     = "claude-sonnet-4-5"
	DefaultMaxTokens = 8192
)

// Config is the full resolved configuration.
type Config struct {
	// BaseDir is the durable state directory holding jobs.json and
	// per-job artifacts.
	BaseDir string `mapstructure:"base_dir"`

	// Backend selects the submission target: "auto", "direct" or "staged".
	Backend string `mapstructure:"backend"`

	Model     string         `mapstructure:"model"`
	MaxTokens int            `mapstructure:"max_tokens"`
	Thinking  ThinkingConfig `mapstructure:"thinking"`

	Poll   PollConfig   `mapstructure:"poll"`
	Direct DirectConfig `mapstructure:"direct"`
	Staged StagedConfig `mapstructure:"staged"`
	Server ServerConfig `mapstructure:"server"`
}

// ThinkingConfig enables extended reasoning pass-through.
type ThinkingConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	BudgetTokens int  `mapstructure:"budget_tokens"`
}

// PollConfig tunes the sweep loop and backoff schedule.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`

	// RateLimit bounds remote status reads per second during a sweep.
	// Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
}

// DirectConfig holds credentials for the direct batch-REST backend.
type DirectConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StagedConfig holds coordinates for the storage-mediated backend: the
// batch-prediction service plus the object store used for input staging
// and output retrieval.
type StagedConfig struct {
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`
	Token    string `mapstructure:"token"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`

	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	StoreEndpoint   string        `mapstructure:"store_endpoint"`
	Profile         string        `mapstructure:"profile"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// HasDirect reports whether the direct backend has complete credentials.
func (c *Config) HasDirect() bool {
	return strings.TrimSpace(c.Direct.APIKey) != ""
}

// HasStaged reports whether the staged backend has complete coordinates.
func (c *Config) HasStaged() bool {
	s := c.Staged
	return strings.TrimSpace(s.Project) != "" &&
		strings.TrimSpace(s.Location) != "" &&
		strings.TrimSpace(s.Token) != "" &&
		strings.TrimSpace(s.Bucket) != ""
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gobatch"
	}
	return filepath.Join(home, ".gobatch")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_dir", defaultBaseDir())
	v.SetDefault("backend", "auto")
	v.SetDefault("model", DefaultModel)
	v.SetDefault("max_tokens", DefaultMaxTokens)
	v.SetDefault("thinking.enabled", false)
	v.SetDefault("thinking.budget_tokens", 0)

	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.rate_limit", 0.0)
	v.SetDefault("poll.backoff_base", "15s")
	v.SetDefault("poll.backoff_factor", 1.7)
	v.SetDefault("poll.backoff_cap", "300s")
	v.SetDefault("poll.backoff_jitter", 0.25)

	v.SetDefault("direct.api_key", "")
	v.SetDefault("direct.base_url", "")
	v.SetDefault("direct.api_version", "")
	v.SetDefault("direct.timeout", "120s")

	v.SetDefault("staged.project", "")
	v.SetDefault("staged.location", "")
	v.SetDefault("staged.token", "")
	v.SetDefault("staged.endpoint", "")
	v.SetDefault("staged.prefix", "")
	v.SetDefault("staged.bucket", "")
	v.SetDefault("staged.region", "")
	v.SetDefault("staged.store_endpoint", "")
	v.SetDefault("staged.profile", "")
	v.SetDefault("staged.access_key_id", "")
	v.SetDefault("staged.secret_access_key", "")
	v.SetDefault("staged.force_path_style", false)
	v.SetDefault("staged.timeout", "120s")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
}

// Load resolves configuration from defaults, the optional config file at
// path (empty skips the file), and GOBATCH_* environment variables, e.g.
// GOBATCH_DIRECT_API_KEY or GOBATCH_STAGED_BUCKET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("max_tokens must be positive, got %d", cfg.MaxTokens)
	}
	switch cfg.Backend {
	case "auto", "direct", "staged":
	default:
		return nil, fmt.Errorf("backend must be auto, direct or staged, got %q", cfg.Backend)
	}

	return &cfg, nil
}
