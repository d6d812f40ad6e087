package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// DefaultLocation is polled when neither config nor settings name one.
var DefaultLocation = models.Location{
	Latitude:  38.03700447552456,
	Longitude: 23.71519323560343,
	Name:      "2ο ΕΠΑΛ ΙΛΙΟΥ",
}

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string `validate:"required,numeric"`

	OASAAPIURL     string        `validate:"required,url"`
	OASAAPITimeout time.Duration `validate:"gt=0"`

	RefreshInterval time.Duration `validate:"gte=1s"`
	JoinConcurrency int           `validate:"gte=1,lte=64"`
	Location        models.Location

	RequestTimeout      time.Duration
	RouteRequestTimeout time.Duration

	CacheBackend          string `validate:"oneof=in_memory memcached redis"`
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string
	RedisTimeout          time.Duration
	RedisMaxIdle          int

	RetryAttempts  int `validate:"gte=1,lte=10"`
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int `validate:"gte=1,lte=100"`
	// StaleAfter is how old the snapshot may get before /health reports stale.
	StaleAfter time.Duration

	StaticDir    string
	TemplatesDir string
	SettingsPath string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	OASAAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"oasa_api"`

	Refresh struct {
		Interval        string           `yaml:"interval"`
		JoinConcurrency int              `yaml:"join_concurrency"`
		Location        *models.Location `yaml:"location"`
	} `yaml:"refresh"`

	Request struct {
		Timeout      string `yaml:"timeout"`
		RouteTimeout string `yaml:"route_timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			Timeout string `yaml:"timeout"`
			MaxIdle int    `yaml:"max_idle"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
		CoalesceTimeout         string `yaml:"coalesce_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
		StaleAfter       string `yaml:"stale_after"`
	} `yaml:"health"`

	Paths struct {
		Static    string `yaml:"static"`
		Templates string `yaml:"templates"`
		Settings  string `yaml:"settings"`
	} `yaml:"paths"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev),
// applies env overrides and defaults, and validates the result. Call from
// project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "5000")

	cfg.OASAAPIURL = firstNonEmpty(os.Getenv("OASA_API_URL"), fc.OASAAPI.URL, "http://telematics.oasa.gr/api/")
	cfg.OASAAPITimeout = parseDurationOrZero(fc.OASAAPI.Timeout, 5*time.Second)

	cfg.RefreshInterval = parseDuration(fc.Refresh.Interval, 20*time.Second)
	if v := strings.TrimSpace(os.Getenv("REFRESH_INTERVAL")); v != "" {
		d, err := parseEnvInterval(v)
		if err != nil {
			return nil, fmt.Errorf("REFRESH_INTERVAL: %w", err)
		}
		cfg.RefreshInterval = d
	}
	cfg.JoinConcurrency = fc.Refresh.JoinConcurrency
	if cfg.JoinConcurrency <= 0 {
		cfg.JoinConcurrency = 4
	}
	cfg.Location = DefaultLocation
	if fc.Refresh.Location != nil {
		cfg.Location = *fc.Refresh.Location
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.RouteRequestTimeout = parseDuration(fc.Request.RouteTimeout, 15*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory")))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = strings.TrimSpace(firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379"))
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)
	cfg.RedisMaxIdle = fc.Cache.Redis.MaxIdle
	if cfg.RedisMaxIdle <= 0 {
		cfg.RedisMaxIdle = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 10
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Reliability.CoalesceTimeout, 10*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.StaleAfter = parseDuration(fc.Health.StaleAfter, 0)

	cfg.StaticDir = firstNonEmpty(fc.Paths.Static, "static")
	cfg.TemplatesDir = firstNonEmpty(fc.Paths.Templates, "templates")
	cfg.SettingsPath = firstNonEmpty(fc.Paths.Settings, "settings.json")

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseEnvInterval accepts either a Go duration ("30s") or whole seconds ("30").
func parseEnvInterval(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks struct constraints, then adjusts dependent values:
// request timeouts must outlast the provider timeout and a snapshot is
// stale after three missed refreshes unless configured otherwise.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.RequestTimeout <= cfg.OASAAPITimeout {
		cfg.RequestTimeout = cfg.OASAAPITimeout + time.Second
	}
	if cfg.RouteRequestTimeout <= cfg.OASAAPITimeout {
		cfg.RouteRequestTimeout = 3 * cfg.OASAAPITimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.RefreshInterval
	}
	return nil
}
