package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"skillchain/observability/logging"
	"skillchain/observability/otel"
)

// Storage backends understood by escrowd.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures runtime configuration for escrowd.
type Config struct {
	Service     ServiceConfig     `toml:"service" yaml:"service"`
	HTTP        HTTPConfig        `toml:"http" yaml:"http"`
	GRPC        GRPCConfig        `toml:"grpc" yaml:"grpc"`
	Auth        AuthConfig        `toml:"auth" yaml:"auth"`
	Storage     StorageConfig     `toml:"storage" yaml:"storage"`
	Idempotency IdempotencyConfig `toml:"idempotency" yaml:"idempotency"`
	Journal     JournalConfig     `toml:"journal" yaml:"journal"`
	Outbox      OutboxConfig      `toml:"outbox" yaml:"outbox"`
	Escrow      EscrowConfig      `toml:"escrow" yaml:"escrow"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
	Telemetry   otel.Config       `toml:"telemetry" yaml:"telemetry"`
}

type ServiceConfig struct {
	Name        string `toml:"name" yaml:"name"`
	Environment string `toml:"environment" yaml:"environment"`
}

// HTTPConfig tunes the REST listener.
type HTTPConfig struct {
	ListenAddress     string   `toml:"listen" yaml:"listen"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	RateLimitPerSec   float64  `toml:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	RateLimitBurst    int      `toml:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// GRPCConfig tunes the gRPC listener. An empty address disables it.
type GRPCConfig struct {
	ListenAddress string `toml:"listen" yaml:"listen"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string   `toml:"issuer" yaml:"issuer"`
	Audience  string   `toml:"audience" yaml:"audience"`
	Leeway    Duration `toml:"leeway" yaml:"leeway"`
}

// StorageConfig selects the escrow backend. Path is used by leveldb, DSN by
// the SQL drivers.
type StorageConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
	DSN     string `toml:"dsn" yaml:"dsn"`
}

type IdempotencyConfig struct {
	Path string   `toml:"path" yaml:"path"`
	TTL  Duration `toml:"ttl" yaml:"ttl"`
}

type JournalConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// OutboxConfig configures broker fan-out of committed events. Publishers
// without an address are skipped.
type OutboxConfig struct {
	QueueCapacity int         `toml:"queue_capacity" yaml:"queue_capacity"`
	TTL           Duration    `toml:"ttl" yaml:"ttl"`
	Redis         RedisConfig `toml:"redis" yaml:"redis"`
	Kafka         KafkaConfig `toml:"kafka" yaml:"kafka"`
}

type RedisConfig struct {
	Addr   string `toml:"addr" yaml:"addr"`
	Stream string `toml:"stream" yaml:"stream"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" yaml:"topic"`
}

type EscrowConfig struct {
	RejectOverpayment bool `toml:"reject_overpayment" yaml:"reject_overpayment"`
}

type LoggingConfig struct {
	Level string              `toml:"level" yaml:"level"`
	File  *logging.FileConfig `toml:"file,omitempty" yaml:"file,omitempty"`
}

// Load loads the configuration from the given path. TOML and YAML are
// selected by extension. A missing file is replaced with defaults written to
// disk.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	applyEnv(cfg)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DATABASE_URL")); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = BackendPostgres
		}
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_HTTP_LISTEN")); v != "" {
		cfg.HTTP.ListenAddress = v
	}
	cfg.Telemetry.ApplyEnv()
}

func (cfg *Config) normalize() {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "escrowd"
	}
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = ":8090"
	}
	if cfg.HTTP.ReadHeaderTimeout.Duration == 0 {
		cfg.HTTP.ReadHeaderTimeout = Seconds(5)
	}
	if cfg.HTTP.ShutdownTimeout.Duration == 0 {
		cfg.HTTP.ShutdownTimeout = Seconds(10)
	}
	if cfg.HTTP.RateLimitPerSec > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		cfg.HTTP.RateLimitBurst = int(cfg.HTTP.RateLimitPerSec)
		if cfg.HTTP.RateLimitBurst < 1 {
			cfg.HTTP.RateLimitBurst = 1
		}
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL = Seconds(24 * 60 * 60)
	}
	if cfg.Outbox.QueueCapacity <= 0 {
		cfg.Outbox.QueueCapacity = 1024
	}
	if cfg.Outbox.TTL.Duration == 0 {
		cfg.Outbox.TTL = Seconds(15 * 60)
	}
	if cfg.Outbox.Redis.Stream == "" {
		cfg.Outbox.Redis.Stream = "skillchain.escrow.events"
	}
	if cfg.Outbox.Kafka.Topic == "" {
		cfg.Outbox.Kafka.Topic = "skillchain.escrow.events"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Service.Name
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = cfg.Service.Environment
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage: leveldb backend requires path")
		}
	case BackendPostgres, BackendSQLite:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage: %s backend requires dsn", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth: jwt_secret must be at least 16 bytes")
	}
	if cfg.HTTP.RateLimitPerSec < 0 {
		return fmt.Errorf("http: rate_limit_per_sec must not be negative")
	}
	if cfg.Auth.Leeway.Duration < 0 {
		return fmt.Errorf("auth: leeway must not be negative")
	}
	for _, broker := range cfg.Outbox.Kafka.Brokers {
		if strings.TrimSpace(broker) == "" {
			return fmt.Errorf("outbox: empty kafka broker address")
		}
	}
	return nil
}

// createDefault creates and saves a default configuration file with a freshly
// generated JWT secret.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	cfg := &Config{
		Service: ServiceConfig{Name: "escrowd", Environment: "local"},
		Auth:    AuthConfig{JWTSecret: hex.EncodeToString(secret), Issuer: "escrowd"},
		Storage: StorageConfig{Backend: BackendLevelDB, Path: filepath.Join(dir, "escrow-data")},
		Idempotency: IdempotencyConfig{
			Path: filepath.Join(dir, "idempotency.db"),
		},
		Journal: JournalConfig{Path: filepath.Join(dir, "journal.sqlite")},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.normalize()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
