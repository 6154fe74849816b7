package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasadvisory/masterflow/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "localhost", cfg.DB.Host)
	require.Equal(t, 5432, cfg.DB.Port)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.False(t, cfg.Kafka.Enabled)
	require.Equal(t, time.Second, cfg.Orchestrator.RetryBase)
	require.Equal(t, 60*time.Second, cfg.Orchestrator.RetryCap)
	require.Equal(t, 8, cfg.Orchestrator.MaxRetries)
	require.Equal(t, "@every 1m", cfg.Orchestrator.SweepSchedule)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
server:
  addr: ":9090"
db:
  host: db.internal
  password: secret
kafka:
  enabled: true
  brokers:
    - kafka-1:9092
  topic: masterflow.transitions
orchestrator:
  max_retries: 3
`), 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "db.internal", cfg.DB.Host)
	require.True(t, cfg.Kafka.Enabled)
	require.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 3, cfg.Orchestrator.MaxRetries)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MASTERFLOW_DB_HOST", "pg.prod.internal")
	t.Setenv("MASTERFLOW_REDIS_ADDR", "redis.prod.internal:6379")

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, "pg.prod.internal", cfg.DB.Host)
	require.Equal(t, "redis.prod.internal:6379", cfg.Redis.Addr)
}

func TestKafkaRequiresBrokersWhenEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
kafka:
  enabled: true
`), 0o644)
	require.NoError(t, err)

	_, err = config.Load(path)
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.DB.Password = "pw"
	require.Equal(t,
		"host=localhost port=5432 user=masterflow password=pw dbname=masterflow sslmode=disable",
		cfg.DSN())
}
