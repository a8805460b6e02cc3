package stream

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Client is the process-wide handle to the Kafka cluster. It owns one
// sarama.Client; the provisioner, producer and consumer built from it share
// that connection, and Close releases it.
type Client struct {
	config *Config
	client sarama.Client
	logger *zap.Logger

	mu        sync.Mutex
	admin     sarama.ClusterAdmin
	refreshed map[string]bool
}

// Dial connects to the configured brokers. Connectivity and authorization
// errors surface here, before any component is built.
func Dial(config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	saramaConfig, err := config.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	client, err := sarama.NewClient(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka brokers %v: %w", config.Brokers, err)
	}

	logger.Info("Connected to Kafka", zap.Strings("brokers", config.Brokers), zap.String("client_id", saramaConfig.ClientID))
	return &Client{
		config:    config,
		client:    client,
		logger:    logger,
		refreshed: map[string]bool{},
	}, nil
}

// Admin returns the cluster admin bound to the shared connection.
func (c *Client) Admin() (sarama.ClusterAdmin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.admin != nil {
		return c.admin, nil
	}
	admin, err := sarama.NewClusterAdminFromClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	c.admin = admin
	return admin, nil
}

// NewProvisioner returns a Provisioner that uses the shared cluster admin.
func (c *Client) NewProvisioner() (*Provisioner, error) {
	admin, err := c.Admin()
	if err != nil {
		return nil, err
	}
	return NewProvisioner(admin, c.logger), nil
}

// NewProducer creates a SyncProducer on the shared connection.
func (c *Client) NewProducer() (*Producer, error) {
	sp, err := sarama.NewSyncProducerFromClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}
	return NewProducer(sp, c, c.logger), nil
}

// NewConsumer returns a Consumer for the configured group. A subscription that
// starts from the configured offset joins the group over the shared
// connection; any other starting offset needs its own sarama config and
// therefore its own connection.
func (c *Client) NewConsumer() *Consumer {
	return NewConsumer(c.config.GroupID, func(from Offset) (sarama.ConsumerGroup, error) {
		conf, shared, err := c.groupConfig(from)
		if err != nil {
			return nil, err
		}
		if shared {
			return sarama.NewConsumerGroupFromClient(c.config.GroupID, c.client)
		}
		return sarama.NewConsumerGroup(c.config.Brokers, c.config.GroupID, conf)
	}, c.logger)
}

// groupConfig reports whether a group starting at from can reuse the shared
// connection, and otherwise returns a copy of its config starting at from.
func (c *Client) groupConfig(from Offset) (*sarama.Config, bool, error) {
	initial, err := from.initial()
	if err != nil {
		return nil, false, err
	}
	if initial == c.client.Config().Consumer.Offsets.Initial {
		return c.client.Config(), true, nil
	}
	conf := *c.client.Config()
	conf.Consumer.Offsets.Initial = initial
	return &conf, false, nil
}

// Partitions lists the partition ids of topic. Metadata for a topic is
// refreshed the first time it is asked for, so partitions added by the
// provisioner after Dial are visible to the producer.
func (c *Client) Partitions(topic string) ([]int32, error) {
	c.mu.Lock()
	needsRefresh := !c.refreshed[topic]
	c.mu.Unlock()

	if needsRefresh {
		if err := c.client.RefreshMetadata(topic); err != nil {
			return nil, fmt.Errorf("failed to refresh metadata for %s: %w", topic, err)
		}
		c.mu.Lock()
		c.refreshed[topic] = true
		c.mu.Unlock()
	}

	partitions, err := c.client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions for %s: %w", topic, err)
	}
	return partitions, nil
}

// Invalidate forces the next Partitions call for topic to refresh metadata.
// The producer calls it when a batch fails on stale partition metadata.
func (c *Client) Invalidate(topic string) {
	c.mu.Lock()
	delete(c.refreshed, topic)
	c.mu.Unlock()
}

// Close releases the connection. Producers and consumers built from the
// Client must be closed first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// closing an admin created from a client also closes that client
	if c.admin != nil {
		return c.admin.Close()
	}
	return c.client.Close()
}
