package stream

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/IBM/sarama"
)

// Config represents Kafka-specific configuration
type Config struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"clientID"`
	Version    string   `mapstructure:"version"`
	Topic      string   `mapstructure:"topic"`
	Partitions int32    `mapstructure:"partitions"`
	GroupID    string   `mapstructure:"groupID"`
	// From is where a consumer group without committed offsets starts: earliest or latest
	From Offset `mapstructure:"from"`
	SASL SASL   `mapstructure:"sasl"`
	TLS  TLS    `mapstructure:"tls"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"` // sha256, sha512 or plain
	Enable    bool   `mapstructure:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// DefaultConfig mirrors the topology the load tests were written against.
func DefaultConfig() Config {
	return Config{
		Brokers:    []string{"localhost:9092"},
		ClientID:   "test-performance-app",
		Version:    sarama.DefaultVersion.String(),
		Topic:      "test-performance",
		Partitions: 4,
		GroupID:    "test-group",
		From:       OffsetEarliest,
		SASL:       SASL{Algorithm: "sha512"},
	}
}

// Validate reports malformed settings before any broker is contacted.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required", ErrInvalidArgument)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: kafka.topic is required", ErrInvalidArgument)
	}
	if c.Partitions < 1 {
		return fmt.Errorf("%w: kafka.partitions must be >= 1", ErrInvalidArgument)
	}
	if c.GroupID == "" {
		return fmt.Errorf("%w: kafka.groupID is required", ErrInvalidArgument)
	}
	if _, err := c.From.initial(); err != nil {
		return err
	}
	return nil
}

// ToSaramaConfig converts the Config to a sarama.Config.
//
// The producer side uses the manual partitioner (Publish assigns every record's
// partition itself), waits for all in-sync replicas and never retries: retry
// policy belongs to the caller.
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version := sarama.DefaultVersion
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("error parsing Kafka version: %w", err)
		}
		version = v
	}
	conf.Version = version
	if c.ClientID != "" {
		conf.ClientID = c.ClientID
	}

	if c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch strings.ToLower(c.SASL.Algorithm) {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain", "":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConf, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	conf.Producer.Partitioner = sarama.NewManualPartitioner
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 0
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true

	initial, err := c.From.initial()
	if err != nil {
		return nil, err
	}
	conf.Consumer.Offsets.Initial = initial
	conf.Consumer.Return.Errors = true
	conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	conf.Metadata.Full = true

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse kafka CA file %s", tlsCfg.CAFile)
		}
		t.RootCAs = pool
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client cert: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	return t, nil
}
