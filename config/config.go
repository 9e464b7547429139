// Package config loads service settings from a file and the environment
// with spf13/viper. Environment variables use the CURSORPAGE_ prefix with
// dots replaced by underscores, e.g. CURSORPAGE_CACHE_PROVIDER=redis.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/unkn0wn-root/cursorpage/fetch"
)

const EnvPrefix = "CURSORPAGE"

// Config represents the configuration implementation.
type Config struct {
	Secret       string
	MaxLimit     int
	DefaultTTL   time.Duration
	PrefetchNext bool
	Cache        *Cache
	Fetch        *Fetch
	Logger       *Logger
	Viper        *viper.Viper
}

// Cache selects and sizes the page cache backing store.
type Cache struct {
	Namespace string
	Provider  string // lru | ristretto | bigcache | redis
	Codec     string // json | msgpack | cbor
	LRUSize   int
	MaxCostMB int64 // ristretto
	Redis     *Redis
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	GenTTL   time.Duration
}

// Fetch tunes retries and circuit breaking.
type Fetch struct {
	Target           string
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	AttemptTimeout   time.Duration
	BreakerThreshold uint32
	BreakerRatio     float64
	BreakerCooldown  time.Duration
}

type Logger struct {
	Adapter string // zap | logrus | slog
	Level   string
}

// LoadConfig reads path (optional; "" => environment and defaults only).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Secret:       getStringOrDefault(v, "secret", ""),
		MaxLimit:     getIntOrDefault(v, "max_limit", 100),
		DefaultTTL:   getDurationOrDefault(v, "default_ttl", 60*time.Second),
		PrefetchNext: getBoolOrDefault(v, "prefetch_next", false),
		Cache:        getCacheConfig(v),
		Fetch:        getFetchConfig(v),
		Logger: &Logger{
			Adapter: getStringOrDefault(v, "logger.adapter", "slog"),
			Level:   getStringOrDefault(v, "logger.level", "info"),
		},
		Viper: v,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getCacheConfig(v *viper.Viper) *Cache {
	return &Cache{
		Namespace: getStringOrDefault(v, "cache.namespace", "default"),
		Provider:  getStringOrDefault(v, "cache.provider", "lru"),
		Codec:     getStringOrDefault(v, "cache.codec", "msgpack"),
		LRUSize:   getIntOrDefault(v, "cache.lru_size", 10_000),
		MaxCostMB: int64(getIntOrDefault(v, "cache.max_cost_mb", 64)),
		Redis: &Redis{
			Addr:     getStringOrDefault(v, "cache.redis.addr", "localhost:6379"),
			Password: getStringOrDefault(v, "cache.redis.password", ""),
			DB:       getIntOrDefault(v, "cache.redis.db", 0),
			GenTTL:   getDurationOrDefault(v, "cache.redis.gen_ttl", 30*24*time.Hour),
		},
	}
}

func getFetchConfig(v *viper.Viper) *Fetch {
	return &Fetch{
		Target:           getStringOrDefault(v, "fetch.target", ""),
		MaxRetries:       getIntOrDefault(v, "fetch.max_retries", 3),
		BaseBackoff:      getDurationOrDefault(v, "fetch.base_backoff", 50*time.Millisecond),
		MaxBackoff:       getDurationOrDefault(v, "fetch.max_backoff", 2*time.Second),
		AttemptTimeout:   getDurationOrDefault(v, "fetch.attempt_timeout", 2*time.Second),
		BreakerThreshold: getUint32OrDefault(v, "fetch.breaker_threshold", 5),
		BreakerRatio:     getFloat64OrDefault(v, "fetch.breaker_ratio", 0.6),
		BreakerCooldown:  getDurationOrDefault(v, "fetch.breaker_cooldown", 30*time.Second),
	}
}

// Validate checks values that would otherwise fail deep inside New.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Secret) < 16 {
		errs = append(errs, errors.New("secret must be at least 16 bytes"))
	}
	if c.MaxLimit < 1 {
		errs = append(errs, fmt.Errorf("max_limit must be >= 1, got %d", c.MaxLimit))
	}
	switch c.Cache.Provider {
	case "lru", "ristretto", "bigcache", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.provider %q", c.Cache.Provider))
	}
	switch c.Cache.Codec {
	case "json", "msgpack", "cbor":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.codec %q", c.Cache.Codec))
	}
	switch c.Logger.Adapter {
	case "zap", "logrus", "slog":
	default:
		errs = append(errs, fmt.Errorf("unknown logger.adapter %q", c.Logger.Adapter))
	}
	if c.Fetch.BreakerRatio < 0 || c.Fetch.BreakerRatio > 1 {
		errs = append(errs, fmt.Errorf("fetch.breaker_ratio must be in [0,1], got %v", c.Fetch.BreakerRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FetchOptions converts the fetch section. Clock, Logger and Hooks are left
// for the service to fill in.
func (c *Config) FetchOptions() fetch.Options {
	f := c.Fetch
	retries := f.MaxRetries
	if retries == 0 {
		retries = -1 // explicit 0 in config means "no retries"
	}
	return fetch.Options{
		Target:           f.Target,
		MaxRetries:       retries,
		BaseBackoff:      f.BaseBackoff,
		MaxBackoff:       f.MaxBackoff,
		AttemptTimeout:   f.AttemptTimeout,
		BreakerThreshold: f.BreakerThreshold,
		BreakerRatio:     f.BreakerRatio,
		BreakerCooldown:  f.BreakerCooldown,
	}
}
