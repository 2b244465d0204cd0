// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/saidsurucu/yoktez-mcp/internal/browser"
	"github.com/saidsurucu/yoktez-mcp/internal/cache"
	"github.com/saidsurucu/yoktez-mcp/internal/cache/disk"
	"github.com/saidsurucu/yoktez-mcp/internal/logging"
)

// Supported browser engines.
const (
	EngineChromedp   = "chromedp"
	EnginePlaywright = "playwright"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Browser BrowserConfig  `mapstructure:"browser"`
	Cache   CacheConfig    `mapstructure:"cache"`
	Fetch   FetchConfig    `mapstructure:"fetch"`
	Logging logging.Config `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig sizes the context pool and selects the engine.
type BrowserConfig struct {
	Engine            string        `mapstructure:"engine"`
	MaxContexts       int           `mapstructure:"max_contexts"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	ExecPath          string        `mapstructure:"exec_path"`
	InstallDriver     bool          `mapstructure:"install_driver"`
	UserAgent         string        `mapstructure:"user_agent"`
	Warmup            int           `mapstructure:"warmup"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// CacheConfig sizes the memory and disk tiers.
type CacheConfig struct {
	MemoryMaxItems  int    `mapstructure:"memory_max_items"`
	MemoryMaxSizeMB int    `mapstructure:"memory_max_size_mb"`
	EnableDiskCache bool   `mapstructure:"enable_disk_cache"`
	DiskDir         string `mapstructure:"disk_dir"`
	DiskMaxSizeMB   int    `mapstructure:"disk_max_size_mb"`
	DiskTTLDays     int    `mapstructure:"disk_ttl_days"`
	DiskExtension   string `mapstructure:"disk_extension"`
}

// FetchConfig bounds traffic to the remote source.
type FetchConfig struct {
	RateLimitQPS   float64       `mapstructure:"rate_limit_qps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodySizeMB  int           `mapstructure:"max_body_size_mb"`
	Referer        string        `mapstructure:"referer"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YOKTEZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("browser.engine", EngineChromedp)
	v.SetDefault("browser.max_contexts", 3)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.install_driver", false)
	v.SetDefault("browser.user_agent", browser.DefaultUserAgent)
	v.SetDefault("browser.warmup", 1)
	v.SetDefault("browser.acquire_timeout", "0s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("cache.memory_max_items", 50)
	v.SetDefault("cache.memory_max_size_mb", 100)
	v.SetDefault("cache.enable_disk_cache", true)
	v.SetDefault("cache.disk_dir", disk.DefaultDir())
	v.SetDefault("cache.disk_max_size_mb", 500)
	v.SetDefault("cache.disk_ttl_days", 30)
	v.SetDefault("cache.disk_extension", ".pdf")
	v.SetDefault("fetch.rate_limit_qps", 1.0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("fetch.max_body_size_mb", 0)
	v.SetDefault("fetch.referer", "https://tez.yok.gov.tr/UlusalTezMerkezi/")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Browser.Engine {
	case EngineChromedp, EnginePlaywright:
	default:
		return fmt.Errorf("browser.engine must be %q or %q, got %q", EngineChromedp, EnginePlaywright, c.Browser.Engine)
	}
	if c.Browser.MaxContexts <= 0 {
		return fmt.Errorf("browser.max_contexts must be > 0")
	}
	if c.Browser.Warmup < 0 {
		return fmt.Errorf("browser.warmup must be >= 0")
	}
	if c.Browser.AcquireTimeout < 0 {
		return fmt.Errorf("browser.acquire_timeout must be >= 0")
	}
	if c.Cache.MemoryMaxItems <= 0 {
		return fmt.Errorf("cache.memory_max_items must be > 0")
	}
	if c.Cache.MemoryMaxSizeMB <= 0 {
		return fmt.Errorf("cache.memory_max_size_mb must be > 0")
	}
	if c.Cache.EnableDiskCache {
		if c.Cache.DiskMaxSizeMB <= 0 {
			return fmt.Errorf("cache.disk_max_size_mb must be > 0 when the disk cache is enabled")
		}
		if c.Cache.DiskTTLDays <= 0 {
			return fmt.Errorf("cache.disk_ttl_days must be > 0 when the disk cache is enabled")
		}
	}
	if c.Fetch.RateLimitQPS < 0 {
		return fmt.Errorf("fetch.rate_limit_qps must be >= 0")
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PoolConfig converts the browser section into pool settings.
func (c Config) PoolConfig() browser.Config {
	return browser.Config{
		MaxContexts: c.Browser.MaxContexts,
		Headless:    c.Browser.Headless,
		Identity: browser.Identity{
			UserAgent:         c.Browser.UserAgent,
			JavaScriptEnabled: true,
			AcceptDownloads:   false,
		},
		AcquireTimeout: c.Browser.AcquireTimeout,
	}
}

// CacheSettings converts the cache section into tier settings.
func (c Config) CacheSettings() cache.Config {
	return cache.Config{
		MemoryMaxItems:  c.Cache.MemoryMaxItems,
		MemoryMaxSizeMB: c.Cache.MemoryMaxSizeMB,
		EnableDisk:      c.Cache.EnableDiskCache,
		Disk: disk.Config{
			Dir:       c.Cache.DiskDir,
			MaxSizeMB: c.Cache.DiskMaxSizeMB,
			TTLDays:   c.Cache.DiskTTLDays,
			Extension: c.Cache.DiskExtension,
		},
	}
}
