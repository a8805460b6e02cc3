package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// TopicAdmin is the part of sarama.ClusterAdmin the provisioner needs.
type TopicAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	CreatePartitions(topic string, count int32, assignment [][]int32, validateOnly bool) error
}

// Outcome reports what EnsureStream did to the cluster.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeExpanded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeExpanded:
		return "expanded"
	default:
		return "unchanged"
	}
}

// Provisioner guarantees a topic's minimum partition count.
type Provisioner struct {
	admin  TopicAdmin
	logger *zap.Logger
}

func NewProvisioner(admin TopicAdmin, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{admin: admin, logger: logger}
}

// EnsureStream makes sure topic exists with at least minPartitions partitions.
// A missing topic is created with minPartitions partitions and replication
// factor 1; a smaller one is expanded to exactly minPartitions; a topic that
// already has enough partitions is left alone.
//
// Losing a race against another provisioner is not an error: "already exists"
// and "already has N partitions" answers count as satisfied. After a lost
// creation race the winner's metadata may not have propagated yet; a topic
// that describes as leaderless or unknown then counts as satisfied too.
func (p *Provisioner) EnsureStream(ctx context.Context, topic string, minPartitions int32) (Outcome, error) {
	if topic == "" {
		return OutcomeUnchanged, fmt.Errorf("%w: topic name is required", ErrInvalidArgument)
	}
	if minPartitions < 1 {
		return OutcomeUnchanged, fmt.Errorf("%w: partitions must be >= 1, got %d", ErrInvalidArgument, minPartitions)
	}
	if err := ctx.Err(); err != nil {
		return OutcomeUnchanged, err
	}

	topics, err := p.admin.ListTopics()
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to list topics: %w", err)
	}

	raced := false
	if _, exists := topics[topic]; !exists {
		err := p.admin.CreateTopic(topic, &sarama.TopicDetail{
			NumPartitions:     minPartitions,
			ReplicationFactor: 1,
		}, false)
		switch {
		case err == nil:
			p.logger.Info("Topic created", zap.String("topic", topic), zap.Int32("partitions", minPartitions))
			return OutcomeCreated, nil
		case isKError(err, sarama.ErrTopicAlreadyExists):
			p.logger.Debug("Topic created concurrently", zap.String("topic", topic))
			raced = true
		default:
			return OutcomeUnchanged, fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
	}

	current, err := p.partitionCount(topic)
	if err != nil {
		if raced && (isKError(err, sarama.ErrLeaderNotAvailable) || isKError(err, sarama.ErrUnknownTopicOrPartition)) {
			p.logger.Debug("Concurrently created topic has no metadata yet",
				zap.String("topic", topic),
				zap.Error(err))
			return OutcomeUnchanged, nil
		}
		return OutcomeUnchanged, err
	}
	if current >= minPartitions {
		p.logger.Debug("Topic already satisfies partition count",
			zap.String("topic", topic),
			zap.Int32("partitions", current),
			zap.Int32("min_partitions", minPartitions))
		return OutcomeUnchanged, nil
	}

	if err := p.admin.CreatePartitions(topic, minPartitions, nil, false); err != nil {
		if !isKError(err, sarama.ErrInvalidPartitions) {
			return OutcomeUnchanged, fmt.Errorf("failed to increase partitions of %s to %d: %w", topic, minPartitions, err)
		}
		// someone else may have expanded the topic in between
		now, derr := p.partitionCount(topic)
		if derr != nil || now < minPartitions {
			return OutcomeUnchanged, fmt.Errorf("failed to increase partitions of %s to %d: %w", topic, minPartitions, err)
		}
		return OutcomeUnchanged, nil
	}

	p.logger.Info("Topic partitions increased",
		zap.String("topic", topic),
		zap.Int32("from", current),
		zap.Int32("to", minPartitions))
	return OutcomeExpanded, nil
}

func (p *Provisioner) partitionCount(topic string) (int32, error) {
	metadata, err := p.admin.DescribeTopics([]string{topic})
	if err != nil {
		return 0, fmt.Errorf("failed to describe topic %s: %w", topic, err)
	}
	for _, m := range metadata {
		if m == nil || m.Name != topic {
			continue
		}
		if m.Err != sarama.ErrNoError {
			return 0, fmt.Errorf("failed to describe topic %s: %w", topic, m.Err)
		}
		return int32(len(m.Partitions)), nil
	}
	return 0, fmt.Errorf("failed to describe topic %s: %w", topic, sarama.ErrUnknownTopicOrPartition)
}

// isKError reports whether err carries the broker error code want, either
// directly or inside the topic-level error types the admin API returns.
func isKError(err error, want sarama.KError) bool {
	if errors.Is(err, want) {
		return true
	}
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == want {
		return true
	}
	var partErr *sarama.TopicPartitionError
	if errors.As(err, &partErr) && partErr.Err == want {
		return true
	}
	return false
}
