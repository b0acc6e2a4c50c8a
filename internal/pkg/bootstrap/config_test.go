package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, cfg.App.EnableProducerAPI, "producer endpoint is opt-in")
}

func TestLoadConfig_LocalConfigEnablesProducerAPI(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.App.EnableProducerAPI)
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  httpPort: 9090
infra:
  kafka:
    brokers: ["kafka-1:9092"]
    paidOrderTopic: novo_pedido
  redis:
    recordTTL: 45m
app:
  transitionRule: "rank[to] >= rank[from]"
  retryBackoff: 2s
`), 0o600))

	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ZOOKEEPER_SERVERS", "zk1:2181")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.Equal(t, "novo_pedido", cfg.Infra.Kafka.PaidOrderTopic)
	assert.Equal(t, "updated.order", cfg.Infra.Kafka.UpdatedOrderTopic, "unset keys keep their defaults")
	assert.Equal(t, 45*time.Minute, cfg.Infra.Redis.RecordTTL)
	assert.Equal(t, []string{"zk1:2181"}, cfg.Infra.Zookeeper.Servers)
	assert.Equal(t, "rank[to] >= rank[from]", cfg.App.TransitionRule)
	assert.Equal(t, 2*time.Second, cfg.App.RetryBackoff)
	assert.Equal(t, 3, cfg.App.MaxAttempts)
}

func TestLoadConfig_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [unclosed"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	t.Setenv("HTTP_PORT", "eighty")
	_, err = LoadConfig("")
	assert.Error(t, err)
}
