package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/usage"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Storage  Storage  `yaml:"storage"`
	Usage    Usage    `yaml:"usage"`
	Sync     Sync     `yaml:"sync"`
	Schedule Schedule `yaml:"schedule"`
	HTTP     HTTP     `yaml:"http"`
	Remote   Remote   `yaml:"remote"`
	Worker   Worker   `yaml:"worker"`
}

// Storage selects where kv state, the event-id queue and relational rows
// live. Explicit DSNs win over the profile defaults.
type Storage struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"dataDir"`
	ProductionDSN string `yaml:"productionDSN"`
	StateDSN      string `yaml:"stateDSN"`
	QueueDSN      string `yaml:"queueDSN"`
	StoreDSN      string `yaml:"storeDSN"`
	QueueSize     int    `yaml:"queueSize"`
}

type Usage struct {
	Limits usage.Limits `yaml:"limits"`
}

type Sync struct {
	WebhookBaseURL string        `yaml:"webhookBaseURL"`
	WebhookSecret  string        `yaml:"webhookSecret"`
	Overlap        time.Duration `yaml:"overlap"`
	LeaseTTL       time.Duration `yaml:"leaseTTL"`
	MaxPages       int           `yaml:"maxPages"`
	ResyncSchedule string        `yaml:"resyncSchedule"`
}

type Schedule struct {
	DispatchSchedule string        `yaml:"dispatchSchedule"`
	StaleAfter       time.Duration `yaml:"staleAfter"`
	BatchSize        int           `yaml:"batchSize"`
}

type HTTP struct {
	Addr               string        `yaml:"addr"`
	JWTSecret          string        `yaml:"jwtSecret"`
	InternalHMACSecret string        `yaml:"internalHMACSecret"`
	InternalMaxSkew    time.Duration `yaml:"internalMaxSkew"`
	RateLimitMax       int           `yaml:"rateLimitMax"`
	RateLimitWindow    time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes       int64         `yaml:"maxBodyBytes"`
}

type Remote struct {
	BaseURL string `yaml:"baseURL"`
	Token   string `yaml:"token"`
}

type Worker struct {
	MaxAttempts int `yaml:"maxAttempts"`
}

// Load reads path, applies RELAYSTATUS_* environment overrides and defaults,
// then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %s does not exist", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Profile = stringEnv("RELAYSTATUS_BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = stringEnv("RELAYSTATUS_DATA_DIR", c.Storage.DataDir)
	c.Storage.ProductionDSN = stringEnv("RELAYSTATUS_PRODUCTION_DSN", c.Storage.ProductionDSN)
	c.Storage.StateDSN = stringEnv("RELAYSTATUS_STATE_DSN", c.Storage.StateDSN)
	c.Storage.QueueDSN = stringEnv("RELAYSTATUS_QUEUE_DSN", c.Storage.QueueDSN)
	c.Storage.StoreDSN = stringEnv("RELAYSTATUS_STORE_DSN", c.Storage.StoreDSN)
	c.Storage.QueueSize = intEnv("RELAYSTATUS_QUEUE_SIZE", c.Storage.QueueSize)
	c.Sync.WebhookBaseURL = stringEnv("RELAYSTATUS_WEBHOOK_BASE_URL", c.Sync.WebhookBaseURL)
	c.Sync.WebhookSecret = stringEnv("RELAYSTATUS_WEBHOOK_SECRET", c.Sync.WebhookSecret)
	c.Sync.Overlap = durationEnv("RELAYSTATUS_SYNC_OVERLAP", c.Sync.Overlap)
	c.Schedule.StaleAfter = durationEnv("RELAYSTATUS_STALE_AFTER", c.Schedule.StaleAfter)
	c.HTTP.Addr = stringEnv("RELAYSTATUS_ADDR", c.HTTP.Addr)
	c.HTTP.JWTSecret = stringEnv("RELAYSTATUS_JWT_SECRET", c.HTTP.JWTSecret)
	c.HTTP.InternalHMACSecret = stringEnv("RELAYSTATUS_INTERNAL_HMAC_SECRET", c.HTTP.InternalHMACSecret)
	c.HTTP.RateLimitMax = intEnv("RELAYSTATUS_RATE_LIMIT_MAX", c.HTTP.RateLimitMax)
	c.Remote.BaseURL = stringEnv("RELAYSTATUS_REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Token = stringEnv("RELAYSTATUS_REMOTE_TOKEN", c.Remote.Token)
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = ".relaystatus"
	}
	if c.Storage.QueueSize <= 0 {
		c.Storage.QueueSize = 1024
	}
	if c.Sync.Overlap <= 0 {
		c.Sync.Overlap = time.Hour
	}
	if c.Sync.LeaseTTL <= 0 {
		c.Sync.LeaseTTL = 30 * time.Minute
	}
	if c.Sync.MaxPages <= 0 {
		c.Sync.MaxPages = 10
	}
	if c.Sync.ResyncSchedule == "" {
		c.Sync.ResyncSchedule = "0 */6 * * *"
	}
	if c.Schedule.DispatchSchedule == "" {
		c.Schedule.DispatchSchedule = "* * * * *"
	}
	if c.Schedule.StaleAfter <= 0 {
		c.Schedule.StaleAfter = 30 * time.Minute
	}
	if c.Schedule.BatchSize <= 0 {
		c.Schedule.BatchSize = 10
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.InternalMaxSkew <= 0 {
		c.HTTP.InternalMaxSkew = 5 * time.Minute
	}
	if c.HTTP.RateLimitWindow <= 0 {
		c.HTTP.RateLimitWindow = time.Minute
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 3
	}
}

func (c *Config) Validate() error {
	if err := c.Usage.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.StorageDSNs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

type DSNs struct {
	State string
	Queue string
	Store string
}

// StorageDSNs resolves the profile into concrete DSNs. The "custom" profile
// (or none) leaves unset DSNs empty and callers fall back to memory.
func (c *Config) StorageDSNs() (DSNs, error) {
	var dsns DSNs
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		dsns = DSNs{State: "memory://", Queue: "memory://", Store: "memory://"}
	case "production", "prod":
		productionDSN := strings.TrimSpace(c.Storage.ProductionDSN)
		if productionDSN == "" {
			return DSNs{}, fmt.Errorf("storage.productionDSN is required when storage.profile=%s", profile)
		}
		dsns = DSNs{State: productionDSN, Queue: productionDSN, Store: productionDSN}
	case "durable-local", "local-durable":
		dsns = DSNs{
			State: "file://" + filepath.Join(c.Storage.DataDir, "state.json"),
			Queue: "file://" + filepath.Join(c.Storage.DataDir, "event-queue.json"),
			Store: "sqlite://" + filepath.Join(c.Storage.DataDir, "relaystatus.db"),
		}
	default:
		return DSNs{}, fmt.Errorf("unsupported storage.profile: %s", profile)
	}
	if dsn := strings.TrimSpace(c.Storage.StateDSN); dsn != "" {
		dsns.State = dsn
	}
	if dsn := strings.TrimSpace(c.Storage.QueueDSN); dsn != "" {
		dsns.Queue = dsn
	}
	if dsn := strings.TrimSpace(c.Storage.StoreDSN); dsn != "" {
		dsns.Store = dsn
	}
	return dsns, nil
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
