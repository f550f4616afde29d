// Package config loads the server configuration from the environment
// (PRICEAGG_ prefix), .env and YAML files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"price-aggregator/internal/circuit"
	"price-aggregator/internal/dedup"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/services"
	"price-aggregator/pkg/browser"
	"price-aggregator/pkg/cache"
)

const (
	EnvPrefix   = "PRICEAGG"
	defaultAddr = ":8085"
)

// DefaultFiles are the YAML files consulted, in order, when present.
var DefaultFiles = []string{"config.yaml", "/etc/price-aggregator/config.yaml"}

type Config struct {
	Addr string `default:":8085" usage:"HTTP listen address" yaml:"addr"`
	// BackendsFile is a YAML list of backend definitions. Empty selects the
	// bundled fixture backends.
	BackendsFile string `default:"" usage:"Backend definitions file" flag:"backends-file" yaml:"backendsFile"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Cache     CacheConfig     `yaml:"cache"`
	Quota     QuotaConfig     `yaml:"quota"`
	Redis     RedisConfig     `yaml:"redis"`
	Search    SearchConfig    `yaml:"search"`
	Browser   BrowserConfig   `yaml:"browser"`
	Ingress   IngressConfig   `yaml:"ingress"`
	CORS      CORSConfig      `yaml:"cors"`
	Graceful  GracefulConfig  `yaml:"graceful"`
}

// RateLimitConfig holds the default upstream limits; backend definitions
// may override them per backend.
type RateLimitConfig struct {
	RequestsPerSecond int           `default:"5" usage:"Default upstream requests per second" yaml:"requestsPerSecond"`
	RequestsPerMinute int           `default:"100" usage:"Default upstream requests per minute" yaml:"requestsPerMinute"`
	RequestsPerHour   int           `default:"1000" usage:"Default upstream requests per hour" yaml:"requestsPerHour"`
	BurstLimit        int           `default:"0" usage:"Queued requests released per pump tick (0 = unbounded)" yaml:"burstLimit"`
	MaxQueueSize      int           `default:"100" usage:"Queued requests per backend" yaml:"maxQueueSize"`
	QueueTimeout      time.Duration `default:"60s" usage:"Maximum time a request waits in queue" yaml:"queueTimeout"`
	PumpInterval      time.Duration `default:"100ms" usage:"Queue release interval" yaml:"pumpInterval"`
	CleanupInterval   time.Duration `default:"10s" usage:"Queue timeout sweep interval" yaml:"cleanupInterval"`
}

type CircuitConfig struct {
	FailureThreshold int           `default:"5" usage:"Failures within the window that open a circuit" yaml:"failureThreshold"`
	RollingWindow    time.Duration `default:"60s" usage:"Failure counting window" yaml:"rollingWindow"`
	CoolDown         time.Duration `default:"30s" usage:"Open duration before a trial call" yaml:"coolDown"`
}

type DedupConfig struct {
	MaxJoinWindow time.Duration `default:"300s" usage:"How long an in-flight request accepts joiners" yaml:"maxJoinWindow"`
	ReapInterval  time.Duration `default:"30s" usage:"Expired in-flight request sweep interval" yaml:"reapInterval"`
}

// Durable tier and quota store kinds.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

type CacheConfig struct {
	MemoryLimitBytes    int64         `default:"52428800" usage:"Memory tier size bound" yaml:"memoryLimitBytes"`
	MaxEntries          int           `default:"1000" usage:"Memory tier entry bound" yaml:"maxEntries"`
	DefaultTTL          time.Duration `default:"5m" usage:"TTL for entries stored without one" yaml:"defaultTTL"`
	MaintenanceInterval time.Duration `default:"10m" usage:"Expired entry sweep interval" yaml:"maintenanceInterval"`

	// Durable is one of none, file, redis.
	Durable        string `default:"file" usage:"Durable tier: none, file or redis" yaml:"durable"`
	Dir            string `default:"./cache" usage:"File tier directory" yaml:"dir"`
	DiskLimitBytes int64  `default:"104857600" usage:"File tier size bound (0 = unbounded)" yaml:"diskLimitBytes"`
	Compress       bool   `default:"true" usage:"Gzip durable payloads" yaml:"compress"`
	RedisPrefix    string `default:"priceagg:cache:" usage:"Redis tier key prefix" yaml:"redisPrefix"`
}

type QuotaConfig struct {
	DailyLimit        int     `default:"100" usage:"Live upstream calls per day" yaml:"dailyLimit"`
	MonthlyLimit      int     `default:"3000" usage:"Live upstream calls per month" yaml:"monthlyLimit"`
	HardStopPercent   float64 `default:"90" usage:"Monthly utilization that stops live calls" yaml:"hardStopPercent"`
	ProtectionEnabled bool    `default:"true" usage:"Enforce quota limits" yaml:"protectionEnabled"`
	FallbackMode      bool    `default:"false" usage:"Serve cached results only" yaml:"fallbackMode"`
	Timezone          string  `default:"UTC" usage:"Zone in which the quota day rolls over" yaml:"timezone"`

	// Store is one of memory, file, redis.
	Store    string `default:"file" usage:"Quota state store: memory, file or redis" yaml:"store"`
	Path     string `default:"./data/quota.json" usage:"Quota state file" yaml:"path"`
	RedisKey string `default:"priceagg:quota" usage:"Quota state Redis key" yaml:"redisKey"`
}

// RedisConfig is shared by the redis cache tier and quota store.
type RedisConfig struct {
	URL string `default:"redis://localhost:6379" usage:"Redis URL" yaml:"url"`
	DB  int    `default:"0" usage:"Redis database" yaml:"db"`
}

type SearchConfig struct {
	RequestTimeout time.Duration `default:"30s" usage:"Timeout of one backend call" yaml:"requestTimeout"`
	DefaultTTL     time.Duration `default:"5m" usage:"Search result TTL" yaml:"defaultTTL"`
	PopularTTL     time.Duration `default:"1h" usage:"TTL for popular queries" yaml:"popularTTL"`
	PopularQueries []string      `usage:"Queries cached for PopularTTL" yaml:"popularQueries"`
	DetailsTTL     time.Duration `default:"15m" usage:"Product details TTL" yaml:"detailsTTL"`
	MaxQueryLength int           `default:"200" usage:"Maximum query length in characters" yaml:"maxQueryLength"`
}

type BrowserConfig struct {
	ExecPath string        `default:"" usage:"Chrome executable (empty = discover)" yaml:"execPath"`
	Settle   time.Duration `default:"2s" usage:"Client-side rendering grace period" yaml:"settle"`
	Timeout  time.Duration `default:"45s" usage:"Page render timeout" yaml:"timeout"`
}

// IngressConfig limits requests per client IP.
type IngressConfig struct {
	RequestsPerSecond float64       `default:"10" usage:"Requests per second per client" yaml:"requestsPerSecond"`
	Burst             int           `default:"20" usage:"Burst per client" yaml:"burst"`
	IdleTTL           time.Duration `default:"10m" usage:"Forget clients idle for this long" yaml:"idleTTL"`
}

type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins" yaml:"origins"`
}

type GracefulConfig struct {
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout" yaml:"shutdownTimeout"`
}

// Load reads .env, then the YAML files and environment, and validates the
// result.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()
	return load(aconfig.Config{Files: DefaultFiles})
}

// Default returns the built-in defaults, ignoring files, flags and the
// environment.
func Default() *Config {
	cfg, err := load(aconfig.Config{SkipFiles: true, SkipEnv: true, SkipFlags: true})
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(base aconfig.Config) (*Config, error) {
	var cfg Config
	base.EnvPrefix = EnvPrefix
	base.AllowUnknownEnvs = true
	base.FileDecoders = map[string]aconfig.FileDecoder{
		".yaml": aconfigyaml.New(),
		".yml":  aconfigyaml.New(),
	}
	if err := aconfig.LoaderFor(&cfg, base).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if !base.SkipEnv {
		cfg.applyPlatformDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the conventional PORT variable onto Addr.
func (c *Config) applyPlatformDefaults() {
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = ":" + port
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is required")
	}
	switch c.Cache.Durable {
	case StoreNone, StoreFile, StoreRedis:
	default:
		return errors.Errorf("cache.durable: unknown tier %q", c.Cache.Durable)
	}
	if c.Cache.Durable == StoreFile && c.Cache.Dir == "" {
		return errors.New("cache.dir is required for the file tier")
	}
	switch c.Quota.Store {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		return errors.Errorf("quota.store: unknown store %q", c.Quota.Store)
	}
	if c.Quota.Store == StoreFile && c.Quota.Path == "" {
		return errors.New("quota.path is required for the file store")
	}
	if _, err := c.Quota.Location(); err != nil {
		return err
	}
	if c.Quota.HardStopPercent <= 0 || c.Quota.HardStopPercent > 100 {
		return errors.Errorf("quota.hardStopPercent must be in (0, 100], got %v", c.Quota.HardStopPercent)
	}
	if c.Ingress.RequestsPerSecond <= 0 || c.Ingress.Burst <= 0 {
		return errors.New("ingress limits must be positive")
	}
	return nil
}

// Limiter builds the upstream limiter config. services holds per-backend
// overrides.
func (c RateLimitConfig) Limiter(services map[string]ratelimit.ServiceConfig) ratelimit.Config {
	return ratelimit.Config{
		Default: ratelimit.ServiceConfig{
			RequestsPerSecond: c.RequestsPerSecond,
			RequestsPerMinute: c.RequestsPerMinute,
			RequestsPerHour:   c.RequestsPerHour,
			BurstLimit:        c.BurstLimit,
		},
		Services:        services,
		MaxQueueSize:    c.MaxQueueSize,
		QueueTimeout:    c.QueueTimeout,
		PumpInterval:    c.PumpInterval,
		CleanupInterval: c.CleanupInterval,
	}
}

func (c CircuitConfig) Breaker() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		RollingWindow:    c.RollingWindow,
		CoolDown:         c.CoolDown,
	}
}

func (c DedupConfig) Deduplicator() dedup.Config {
	return dedup.Config{MaxJoinWindow: c.MaxJoinWindow, ReapInterval: c.ReapInterval}
}

func (c CacheConfig) Tiered() cache.Config {
	return cache.Config{
		MemoryLimitBytes:    c.MemoryLimitBytes,
		MaxEntries:          c.MaxEntries,
		DefaultTTL:          c.DefaultTTL,
		MaintenanceInterval: c.MaintenanceInterval,
	}
}

func (c CacheConfig) File() cache.FileStoreConfig {
	return cache.FileStoreConfig{
		Dir:             c.Dir,
		LimitBytes:      c.DiskLimitBytes,
		Compress:        c.Compress,
		ExpectedEntries: uint(max(c.MaxEntries*10, 0)),
	}
}

func (c CacheConfig) Redis(r RedisConfig) cache.RedisConfig {
	return cache.RedisConfig{URL: r.URL, DB: r.DB, Prefix: c.RedisPrefix, Compress: c.Compress}
}

// Location resolves Timezone.
func (c QuotaConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "quota.timezone %q", c.Timezone)
	}
	return loc, nil
}

func (c QuotaConfig) Governor() (quota.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return quota.Config{}, err
	}
	return quota.Config{
		DailyLimit:        c.DailyLimit,
		MonthlyLimit:      c.MonthlyLimit,
		HardStopPercent:   c.HardStopPercent,
		ProtectionEnabled: c.ProtectionEnabled,
		FallbackMode:      c.FallbackMode,
		Location:          loc,
	}, nil
}

func (c SearchConfig) Coordinator() services.Config {
	return services.Config{
		RequestTimeout: c.RequestTimeout,
		DefaultTTL:     c.DefaultTTL,
		PopularTTL:     c.PopularTTL,
		PopularQueries: c.PopularQueries,
		DetailsTTL:     c.DetailsTTL,
		MaxQueryLength: c.MaxQueryLength,
	}
}

func (c BrowserConfig) Allocator() browser.Config {
	return browser.Config{ExecPath: c.ExecPath, Settle: c.Settle, Timeout: c.Timeout}
}
