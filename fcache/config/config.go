package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/filecache/fcache"
	"github.com/ZanzyTHEbar/filecache/fcache/cache"
	"github.com/ZanzyTHEbar/filecache/fcache/matching"
	"github.com/ZanzyTHEbar/filecache/fcache/watcher"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// ErrNoMonitors is returned by Validate when no directory is configured
var ErrNoMonitors = errors.New("at least one monitor must be configured")

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LogLevel      string          `mapstructure:"logLevel"`
	TickInterval  time.Duration   `mapstructure:"tickInterval"`
	TickBudget    time.Duration   `mapstructure:"tickBudget"`
	WriteInterval time.Duration   `mapstructure:"writeInterval"`
	Watch         WatchConfig     `mapstructure:"watch"`
	Metrics       MetricsConfig   `mapstructure:"metrics"`
	Monitors      []MonitorConfig `mapstructure:"monitors"`
}

// WatchConfig stores OS watcher settings shared by all monitors.
type WatchConfig struct {
	DebounceDelay    time.Duration `mapstructure:"debounceDelay"`
	MaxDebounceDelay time.Duration `mapstructure:"maxDebounceDelay"`
	QueueCapacity    int           `mapstructure:"queueCapacity"`
}

// MetricsConfig stores the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// MonitorConfig stores the settings for one monitored directory.
type MonitorConfig struct {
	RootDirectory             string           `mapstructure:"rootDirectory"`
	CacheFilePath             string           `mapstructure:"cacheFilePath"`
	PathStyle                 string           `mapstructure:"pathStyle"`
	DetectChangesSinceLastRun bool             `mapstructure:"detectChangesSinceLastRun"`
	DetectMoves               bool             `mapstructure:"detectMoves"`
	ChangeDetectionKinds      []string         `mapstructure:"changeDetectionKinds"`
	MatchRules                MatchRulesConfig `mapstructure:"matchRules"`
}

// MatchRulesConfig stores which files a monitor tracks.
type MatchRulesConfig struct {
	Extensions []string         `mapstructure:"extensions"`
	Wildcards  []WildcardConfig `mapstructure:"wildcards"`
	IgnoreFile string           `mapstructure:"ignoreFile"`
}

// WildcardConfig is one ordered include/exclude rule.
type WildcardConfig struct {
	Pattern string `mapstructure:"pattern"`
	Include bool   `mapstructure:"include"`
}

// LoadConfig reads configuration from file or environment variables.
// An explicit configPath must exist; without one the usual locations are
// searched and defaults are used when nothing is found.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(string(filepath.Separator), "etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("logLevel", "info")
	v.SetDefault("tickInterval", internal.DefaultTickInterval)
	v.SetDefault("tickBudget", internal.DefaultTickBudget)
	v.SetDefault("writeInterval", internal.DefaultWriteInterval)

	watchDefaults := watcher.DefaultConfig()
	v.SetDefault("watch.debounceDelay", watchDefaults.DebounceDelay)
	v.SetDefault("watch.maxDebounceDelay", watchDefaults.MaxDebounceDelay)
	v.SetDefault("watch.queueCapacity", watchDefaults.QueueCapacity)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")

	// e.g. watch.debounceDelay becomes FCACHE_WATCH_DEBOUNCEDELAY
	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Monitors) == 0 {
		return ErrNoMonitors
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error", "disabled")),
		validation.Field(&c.TickInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.TickBudget, validation.Required, validation.Min(time.Microsecond)),
		validation.Field(&c.WriteInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Watch),
		validation.Field(&c.Metrics),
		validation.Field(&c.Monitors),
	); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Monitors))
	for _, m := range c.Monitors {
		root := filepath.Clean(m.RootDirectory)
		if seen[root] {
			return fmt.Errorf("monitor %s is configured twice", m.RootDirectory)
		}
		seen[root] = true
	}
	return nil
}

// Validate validates the watcher configuration.
func (c WatchConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DebounceDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxDebounceDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.QueueCapacity, validation.Min(1)),
	)
}

// Validate validates the metrics configuration.
func (c MetricsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.When(c.Enabled, validation.Required)),
	)
}

// Validate validates one monitor.
func (c MonitorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RootDirectory, validation.Required),
		validation.Field(&c.PathStyle, validation.In("relative", "absolute")),
		validation.Field(&c.ChangeDetectionKinds, validation.Each(validation.In("timestamp", "contentHash"))),
		validation.Field(&c.MatchRules),
	)
}

// Validate validates the match rules.
func (c MatchRulesConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Extensions, validation.Each(validation.Required)),
		validation.Field(&c.Wildcards),
	)
}

// Validate validates one wildcard rule.
func (c WildcardConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Pattern, validation.Required),
	)
}

// Watcher returns the watcher settings
func (c *Config) Watcher() watcher.WatcherConfig {
	return watcher.WatcherConfig{
		DebounceDelay:    c.Watch.DebounceDelay,
		MaxDebounceDelay: c.Watch.MaxDebounceDelay,
		QueueCapacity:    c.Watch.QueueCapacity,
	}
}

// CacheConfig converts the monitor settings into a cache configuration.
// The ignore file, if any, is read from the root directory.
func (c MonitorConfig) CacheConfig() (cache.Config, error) {
	style, err := cache.ParsePathStyle(c.PathStyle)
	if err != nil {
		return cache.Config{}, err
	}
	kinds, err := cache.ParseChangeKinds(c.ChangeDetectionKinds)
	if err != nil {
		return cache.Config{}, err
	}

	rules := matching.New().SetExtensions(c.MatchRules.Extensions...)
	for _, w := range c.MatchRules.Wildcards {
		rules.AddWildcard(w.Pattern, w.Include)
	}
	if c.MatchRules.IgnoreFile != "" {
		if err := rules.SetIgnoreFile(c.RootDirectory, c.MatchRules.IgnoreFile); err != nil {
			return cache.Config{}, fmt.Errorf("failed to load ignore file: %w", err)
		}
	}

	return cache.Config{
		RootDirectory:             c.RootDirectory,
		CacheFilePath:             c.CacheFilePath,
		PathStyle:                 style,
		DetectChangesSinceLastRun: c.DetectChangesSinceLastRun,
		Rules:                     rules,
		DetectMoves:               c.DetectMoves,
		Kinds:                     kinds,
	}, nil
}
