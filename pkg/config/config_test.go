package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loadbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "request_queue", cfg.Queue.Name)
	assert.Equal(t, 1, cfg.Queue.Prefetch)
	assert.Equal(t, workqueue.AckAlways, cfg.Queue.AckPolicy)
	assert.Equal(t, "test-performance", cfg.Kafka.Topic)
	assert.Equal(t, int32(4), cfg.Kafka.Partitions)
	assert.Equal(t, "test-group", cfg.Kafka.GroupID)
	assert.Equal(t, stream.OffsetEarliest, cfg.Kafka.From)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http:
  listenAddr: ":8081"
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: orders
  partitions: 8
  from: latest
queue:
  backend: jetstream
  prefetch: 5
  ackPolicy: on-success
  delay: 250ms
  jetstream:
    servers: ["nats://n1:4222"]
stores:
  enabled: [redis]
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTP.ListenAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "orders", cfg.Kafka.Topic)
	assert.Equal(t, int32(8), cfg.Kafka.Partitions)
	assert.Equal(t, stream.OffsetLatest, cfg.Kafka.From)
	assert.Equal(t, BackendJetStream, cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.Prefetch)
	assert.Equal(t, workqueue.AckOnSuccess, cfg.Queue.AckPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.Delay)
	assert.Equal(t, []string{"nats://n1:4222"}, cfg.Queue.JetStream.Servers)
	assert.Equal(t, []string{"redis"}, cfg.Stores.Enabled)

	// untouched keys keep their defaults
	assert.Equal(t, "request_queue", cfg.Queue.Name)
	assert.Equal(t, "test-group", cfg.Kafka.GroupID)
	assert.Equal(t, Default().Stores.Postgres.URL, cfg.Stores.Postgres.URL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOADBENCH_QUEUE_NAME", "jobs")
	t.Setenv("LOADBENCH_QUEUE_PREFETCH", "3")
	t.Setenv("LOADBENCH_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("LOADBENCH_QUEUE_DELAY", "1s")

	path := writeConfig(t, "queue:\n  name: from-file\n")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "jobs", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.Prefetch)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.Queue.Delay)
}

func TestLoadFlagOverrides(t *testing.T) {
	v := viper.New()
	v.Set("queue.prefetch", 7)
	cfg, err := Load(v, writeConfig(t, "queue:\n  prefetch: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.Prefetch)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(viper.New(), writeConfig(t, "queue:\n  ackPolicy: sometimes\n"))
	assert.Error(t, err)

	_, err = Load(viper.New(), writeConfig(t, "kafka:\n  from: yesterday\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Queue.Backend = "sqs" }},
		{"zero prefetch", func(c *Config) { c.Queue.Prefetch = 0 }},
		{"empty queue name", func(c *Config) { c.Queue.Name = "" }},
		{"negative delay", func(c *Config) { c.Queue.Delay = -time.Second }},
		{"unknown store", func(c *Config) { c.Stores.Enabled = []string{"cassandra"} }},
		{"zero partitions", func(c *Config) { c.Kafka.Partitions = 0 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"bad amqp url", func(c *Config) { c.Queue.RabbitMQ.URL = "http://localhost" }},
		{"no nats servers", func(c *Config) {
			c.Queue.Backend = BackendJetStream
			c.Queue.JetStream.Servers = nil
		}},
		{"cert without key", func(c *Config) { c.HTTP.TLSCertFile = "cert.pem" }},
		{"self-signed without paths", func(c *Config) { c.HTTP.TLSSelfSigned = true }},
		{"empty listen addr", func(c *Config) { c.HTTP.ListenAddr = "" }},
		{"zero concurrency", func(c *Config) { c.Fire.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
