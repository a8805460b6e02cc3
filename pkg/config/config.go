package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/loadbench/pkg/store"
	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/edgeflare/loadbench/pkg/workqueue/jetstream"
	"github.com/edgeflare/loadbench/pkg/workqueue/rabbitmq"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X .../pkg/config.Version=..."
var Version = "dev"

// EnvPrefix namespaces environment overrides, e.g. LOADBENCH_KAFKA_TOPIC.
const EnvPrefix = "LOADBENCH"

var ErrInvalid = errors.New("invalid configuration")

// Config holds application-wide configuration
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Kafka   stream.Config `mapstructure:"kafka"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Stores  StoresConfig  `mapstructure:"stores"`
	Fire    FireConfig    `mapstructure:"fire"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	ListenAddr  string `mapstructure:"listenAddr"`
	TLSCertFile string `mapstructure:"tlsCertFile"`
	TLSKeyFile  string `mapstructure:"tlsKeyFile"`
	// TLSSelfSigned generates the key pair at the TLS paths when missing
	TLSSelfSigned bool  `mapstructure:"tlsSelfSigned"`
	MaxBodyBytes  int64 `mapstructure:"maxBodyBytes"`
	// AllowedOrigins for CORS; empty keeps the permissive default
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Backend names the work queue broker.
type Backend string

const (
	BackendRabbitMQ  Backend = "rabbitmq"
	BackendJetStream Backend = "jetstream"
)

type QueueConfig struct {
	Name      string              `mapstructure:"name"`
	Backend   Backend             `mapstructure:"backend"`
	Prefetch  int                 `mapstructure:"prefetch"`
	AckPolicy workqueue.AckPolicy `mapstructure:"ackPolicy"`
	Delay     time.Duration       `mapstructure:"delay"`
	RabbitMQ  rabbitmq.Config     `mapstructure:"rabbitmq"`
	JetStream jetstream.Config    `mapstructure:"jetstream"`
}

// WorkerConfig returns the worker settings for the configured queue.
func (q QueueConfig) WorkerConfig() workqueue.WorkerConfig {
	return workqueue.WorkerConfig{Queue: q.Name, Prefetch: q.Prefetch, AckPolicy: q.AckPolicy}
}

// StoresConfig lists the benchmarked stores; Enabled picks which ones serve connects to.
type StoresConfig struct {
	Enabled  []string             `mapstructure:"enabled"`
	Postgres store.PostgresConfig `mapstructure:"postgres"`
	Redis    store.RedisConfig    `mapstructure:"redis"`
	Mongo    store.MongoConfig    `mapstructure:"mongo"`
}

// FireConfig drives the fire load generator.
type FireConfig struct {
	Target      string        `mapstructure:"target"`
	Requests    int           `mapstructure:"requests"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  uint64        `mapstructure:"maxRetries"`
}

// Default returns the settings of the original test environment.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			ListenAddr:      ":3000",
			MaxBodyBytes:    100 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100", Path: "/metrics"},
		Kafka:   stream.DefaultConfig(),
		Queue: QueueConfig{
			Name:      "request_queue",
			Backend:   BackendRabbitMQ,
			Prefetch:  1,
			AckPolicy: workqueue.AckAlways,
			Delay:     500 * time.Millisecond,
			RabbitMQ:  rabbitmq.DefaultConfig(),
			JetStream: jetstream.DefaultConfig(),
		},
		Stores: StoresConfig{
			Enabled:  []string{"postgres", "redis", "mongo"},
			Postgres: store.DefaultPostgresConfig(),
			Redis:    store.DefaultRedisConfig(),
			Mongo:    store.DefaultMongoConfig(),
		},
		Fire: FireConfig{
			Target:      "http://localhost:3000/api/test",
			Requests:    1000,
			Concurrency: 50,
			Timeout:     5 * time.Second,
			MaxRetries:  2,
		},
	}
}

// Validate reports settings no command could run with.
func (c *Config) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	switch c.Queue.Backend {
	case BackendRabbitMQ:
		if err := c.Queue.RabbitMQ.Validate(); err != nil {
			return err
		}
	case BackendJetStream:
		if len(c.Queue.JetStream.Servers) == 0 {
			return fmt.Errorf("%w: queue.jetstream.servers is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown queue backend %q (want rabbitmq or jetstream)", ErrInvalid, c.Queue.Backend)
	}
	if err := c.Queue.WorkerConfig().Validate(); err != nil {
		return err
	}
	if c.Queue.Delay < 0 {
		return fmt.Errorf("%w: queue.delay must not be negative", ErrInvalid)
	}
	for _, name := range c.Stores.Enabled {
		switch name {
		case "postgres", "redis", "mongo":
		default:
			return fmt.Errorf("%w: unknown store %q in stores.enabled", ErrInvalid, name)
		}
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("%w: http.listenAddr is required", ErrInvalid)
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("%w: http.tlsCertFile and http.tlsKeyFile must be set together", ErrInvalid)
	}
	if c.HTTP.TLSSelfSigned && c.HTTP.TLSCertFile == "" {
		return fmt.Errorf("%w: http.tlsSelfSigned needs http.tlsCertFile and http.tlsKeyFile", ErrInvalid)
	}
	if c.Fire.Concurrency < 1 {
		return fmt.Errorf("%w: fire.concurrency must be >= 1", ErrInvalid)
	}
	return nil
}

// Load reads config from file or environment on top of Default. A nil v
// uses a fresh viper instance; pass one with bound flags to let them win.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("loadbench")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeHook turns strings from files, env and flags into durations, comma
// lists and the text-unmarshalled enums (offsets, ack policies).
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// setDefaults registers every leaf key of def so AutomaticEnv can override
// keys that no config file mentions.
func setDefaults(v *viper.Viper, def Config) {
	var flat map[string]any
	if err := mapstructure.Decode(def, &flat); err != nil {
		return
	}
	walk("", flat, v.SetDefault)
}

func walk(prefix string, m map[string]any, set func(string, any)) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			walk(key, nested, set)
			continue
		}
		set(key, val)
	}
}
