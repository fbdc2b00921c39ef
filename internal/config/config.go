// Package config loads scamwatch settings from defaults, an optional YAML
// file, a .env file, SCAMWATCH_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "SCAMWATCH"

// Keys shared by viper, flags and the YAML file.
const (
	KeyBaseURL         = "base-url"
	KeyAPIKey          = "api-key"
	KeyPersona         = "persona"
	KeyPollInterval    = "poll-interval"
	KeyRequestTimeout  = "request-timeout"
	KeyStatePath       = "state-path"
	KeyResume          = "resume"
	KeyLogFile         = "log-file"
	KeyLogLevel        = "log-level"
	KeyMetricsAddr     = "metrics-addr"
	KeyScrollThreshold = "scroll-threshold"
)

const (
	minPollInterval   = time.Second
	maxPollInterval   = 60 * time.Second
	minRequestTimeout = 5 * time.Second
	maxRequestTimeout = 300 * time.Second
)

type Config struct {
	BaseURL         string        `mapstructure:"base-url"`
	APIKey          string        `mapstructure:"api-key"`
	Persona         string        `mapstructure:"persona"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	RequestTimeout  time.Duration `mapstructure:"request-timeout"`
	StatePath       string        `mapstructure:"state-path"`
	Resume          bool          `mapstructure:"resume"`
	LogFile         string        `mapstructure:"log-file"`
	LogLevel        string        `mapstructure:"log-level"`
	MetricsAddr     string        `mapstructure:"metrics-addr"`
	ScrollThreshold int           `mapstructure:"scroll-threshold"`
}

// New returns a viper instance carrying the defaults and the environment
// binding. Flags are bound by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBaseURL, "http://localhost:8000")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyPersona, "")
	v.SetDefault(KeyPollInterval, 3*time.Second)
	v.SetDefault(KeyRequestTimeout, 45*time.Second)
	v.SetDefault(KeyStatePath, "scamwatch.db")
	v.SetDefault(KeyResume, true)
	v.SetDefault(KeyLogFile, "scamwatch.log")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyScrollThreshold, 3)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads envFile (missing is fine) and configFile (optional, YAML) into
// v and returns the clamped, validated settings.
func Load(v *viper.Viper, configFile, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Persona = strings.TrimSpace(c.Persona)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.PollInterval = clampDuration(c.PollInterval, minPollInterval, maxPollInterval)
	c.RequestTimeout = clampDuration(c.RequestTimeout, minRequestTimeout, maxRequestTimeout)
	if c.ScrollThreshold < 1 {
		c.ScrollThreshold = 1
	}
}

// Validate checks the settings that cannot be clamped.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base url %q must be an absolute http(s) url", c.BaseURL)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
