package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Response shapes a relay can return.
const (
	ShapeStream = "stream"
	ShapeJSON   = "json"
)

// Relay template placeholders: {url} is replaced by the query-escaped target,
// {raw} by the target verbatim.
const (
	PlaceholderEscaped = "{url}"
	PlaceholderRaw     = "{raw}"
)

// RelayConfig describes one retrieval path to a target URL.
type RelayConfig struct {
	Name     string `mapstructure:"name"`
	Template string `mapstructure:"template"`
	Shape    string `mapstructure:"shape"`
}

// Direct reports whether the relay requests the target without an intermediary.
func (r RelayConfig) Direct() bool {
	return strings.TrimSpace(r.Template) == PlaceholderRaw
}

// Config holds acquisition configuration.
type Config struct {
	Relays             []RelayConfig `mapstructure:"relays"`
	RelayTimeout       time.Duration `mapstructure:"relay_timeout"`
	MaxPages           int           `mapstructure:"max_pages"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax    time.Duration `mapstructure:"retry_backoff_max"`
	UserAgent          string        `mapstructure:"user_agent"`
	OutputFile         string        `mapstructure:"output_file"`
	OutputFormat       string        `mapstructure:"output_format"` // csv, json, or dual
	Workers            int           `mapstructure:"workers"`
	PipelineBufferSize int           `mapstructure:"pipeline_buffer_size"`
	BatchSize          int           `mapstructure:"batch_size"`
	DedupeMaxSize      int           `mapstructure:"dedupe_max_size"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
	Verbose            bool          `mapstructure:"verbose"`
}

// DefaultRelays is the stock relay set, public CORS relays first and a
// direct request last.
func DefaultRelays() []RelayConfig {
	return []RelayConfig{
		{Name: "AllOrigins (raw)", Template: "https://api.allorigins.win/raw?url={url}", Shape: ShapeStream},
		{Name: "AllOrigins (json)", Template: "https://api.allorigins.win/get?url={url}", Shape: ShapeJSON},
		{Name: "CorsProxy.io", Template: "https://corsproxy.io/?{url}", Shape: ShapeStream},
		{Name: "CodeTabs", Template: "https://api.codetabs.com/v1/proxy?quest={url}", Shape: ShapeStream},
		{Name: "Yacdn", Template: "https://yacdn.org/proxy/{raw}", Shape: ShapeStream},
		{Name: "ThingProxy", Template: "https://thingproxy.freeboard.io/fetch/{raw}", Shape: ShapeStream},
		{Name: "Direct", Template: PlaceholderRaw, Shape: ShapeStream},
	}
}

// DefaultConfig returns defaults suited to slow public relays.
func DefaultConfig() *Config {
	return &Config{
		Relays:             DefaultRelays(),
		RelayTimeout:       60 * time.Second,
		MaxPages:           1000,
		MaxRetries:         1,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    5 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		OutputFile:         "output/feed.csv",
		OutputFormat:       "csv",
		Workers:            1,
		PipelineBufferSize: 512,
		BatchSize:          64,
		DedupeMaxSize:      100000,
		MetricsAddr:        "",
		Verbose:            false,
	}
}

// Load builds a Config from defaults, an optional YAML file at path and
// FEEDFETCH_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetDefault("relay_timeout", cfg.RelayTimeout)
	v.SetDefault("max_pages", cfg.MaxPages)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retry_backoff", cfg.RetryBackoff)
	v.SetDefault("retry_backoff_max", cfg.RetryBackoffMax)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("output_file", cfg.OutputFile)
	v.SetDefault("output_format", cfg.OutputFormat)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("pipeline_buffer_size", cfg.PipelineBufferSize)
	v.SetDefault("batch_size", cfg.BatchSize)
	v.SetDefault("dedupe_max_size", cfg.DedupeMaxSize)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("verbose", cfg.Verbose)

	v.SetEnvPrefix("FEEDFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay must be configured")
	}

	var direct, relayed int
	for i, r := range c.Relays {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("relay %d: name cannot be empty", i)
		}
		if !strings.Contains(r.Template, PlaceholderEscaped) && !strings.Contains(r.Template, PlaceholderRaw) {
			return fmt.Errorf("relay %q: template must contain %s or %s", r.Name, PlaceholderEscaped, PlaceholderRaw)
		}
		if r.Shape != ShapeStream && r.Shape != ShapeJSON {
			return fmt.Errorf("relay %q: shape must be %s or %s", r.Name, ShapeStream, ShapeJSON)
		}
		if r.Direct() {
			direct++
		} else {
			relayed++
		}
	}
	if direct == 0 {
		return fmt.Errorf("relays must include a direct relay with template %s", PlaceholderRaw)
	}
	if relayed == 0 {
		return fmt.Errorf("relays cannot consist of direct relays only")
	}

	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay timeout must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	return nil
}
