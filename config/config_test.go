package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `
[service]
name = "escrowd"
environment = "staging"

[http]
listen = "127.0.0.1:9000"
shutdown_timeout = "3s"
rate_limit_per_sec = 2.5

[auth]
jwt_secret = "`+testSecret+`"
issuer = "skillchain"
leeway = "30s"

[storage]
backend = "LevelDB"
path = "/var/lib/escrowd"

[outbox]
queue_capacity = 64
ttl = "1m"

[outbox.kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]

[escrow]
reject_overpayment = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.HTTP.ListenAddress)
	require.Equal(t, 3*time.Second, cfg.HTTP.ShutdownTimeout.Duration)
	require.Equal(t, 5*time.Second, cfg.HTTP.ReadHeaderTimeout.Duration)
	require.Equal(t, 2, cfg.HTTP.RateLimitBurst)
	require.Equal(t, 30*time.Second, cfg.Auth.Leeway.Duration)
	require.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	require.Equal(t, 64, cfg.Outbox.QueueCapacity)
	require.Equal(t, time.Minute, cfg.Outbox.TTL.Duration)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Outbox.Kafka.Brokers)
	require.Equal(t, "skillchain.escrow.events", cfg.Outbox.Kafka.Topic)
	require.True(t, cfg.Escrow.RejectOverpayment)
	require.Equal(t, "escrowd", cfg.Telemetry.ServiceName)
	require.Equal(t, "staging", cfg.Telemetry.Environment)
	require.Equal(t, 24*time.Hour, cfg.Idempotency.TTL.Duration)
}

func TestLoadRejectsUnknownTOMLKeys(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `
[auth]
jwt_secret = "`+testSecret+`"
jwt_secert = "typo"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
auth:
  jwt_secret: `+testSecret+`
storage:
  backend: sqlite
  dsn: "file:escrow.db"
idempotency:
  ttl: 2h
logging:
  level: debug
  file:
    path: /var/log/escrowd.log
    max_size_mb: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, 2*time.Hour, cfg.Idempotency.TTL.Duration)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Logging.File)
	require.Equal(t, 50, cfg.Logging.File.MaxSizeMB)
	require.Equal(t, ":8090", cfg.HTTP.ListenAddress)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ESCROWD_JWT_SECRET", "env-secret-0123456789")
	t.Setenv("ESCROWD_DATABASE_URL", "postgres://escrow@db/escrow")
	path := writeFile(t, "escrowd.toml", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-secret-0123456789", cfg.Auth.JWTSecret)
	require.Equal(t, BackendPostgres, cfg.Storage.Backend)
	require.Equal(t, "postgres://escrow@db/escrow", cfg.Storage.DSN)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"short secret":    "[auth]\njwt_secret = \"short\"\n",
		"unknown backend": "[auth]\njwt_secret = \"" + testSecret + "\"\n[storage]\nbackend = \"mongo\"\n",
		"leveldb no path": "[auth]\njwt_secret = \"" + testSecret + "\"\n[storage]\nbackend = \"leveldb\"\n",
		"postgres no dsn": "[auth]\njwt_secret = \"" + testSecret + "\"\n[storage]\nbackend = \"postgres\"\n",
		"negative rate":   "[auth]\njwt_secret = \"" + testSecret + "\"\n[http]\nrate_limit_per_sec = -1.0\n",
		"bad duration":    "[auth]\njwt_secret = \"" + testSecret + "\"\n[http]\nshutdown_timeout = \"soon\"\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "escrowd.toml", contents))
			require.Error(t, err)
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	for _, name := range []string{"escrowd.toml", "escrowd.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg, err := Load(path)
			require.NoError(t, err)
			require.FileExists(t, path)
			require.Len(t, cfg.Auth.JWTSecret, 64)
			require.Equal(t, BackendLevelDB, cfg.Storage.Backend)

			reloaded, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, cfg.Auth.JWTSecret, reloaded.Auth.JWTSecret)
			require.Equal(t, cfg.Storage, reloaded.Storage)
			require.Equal(t, cfg.HTTP.ShutdownTimeout, reloaded.HTTP.ShutdownTimeout)
		})
	}
}
