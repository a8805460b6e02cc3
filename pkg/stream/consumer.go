package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/loadbench/pkg/metrics"
	"go.uber.org/zap"
)

// Record is a consumed record as handed to a RecordHandler.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// RecordHandler processes one record. Returning an error (or panicking) is
// logged; the record still counts as processed.
type RecordHandler func(ctx context.Context, r Record) error

// GroupFactory creates the consumer group a subscription joins.
type GroupFactory func(from Offset) (sarama.ConsumerGroup, error)

// Consumer subscribes a consumer group to a topic.
type Consumer struct {
	groupID  string
	newGroup GroupFactory
	logger   *zap.Logger

	mu    sync.Mutex
	group sarama.ConsumerGroup
}

func NewConsumer(groupID string, newGroup GroupFactory, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{groupID: groupID, newGroup: newGroup, logger: logger}
}

// Subscribe joins the group and feeds every record of topic to h until ctx is
// cancelled. Each claimed partition is consumed by its own goroutine, in
// offset order, one record at a time; different partitions run concurrently.
func (c *Consumer) Subscribe(ctx context.Context, topic string, from Offset, h RecordHandler) error {
	if topic == "" {
		return fmt.Errorf("%w: topic name is required", ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("%w: record handler is required", ErrInvalidArgument)
	}

	group, err := c.newGroup(from)
	if err != nil {
		return fmt.Errorf("failed to join consumer group %s: %w", c.groupID, err)
	}
	c.mu.Lock()
	c.group = group
	c.mu.Unlock()

	go func() {
		for err := range group.Errors() {
			c.logger.Error("Consumer group error", zap.String("group", c.groupID), zap.Error(err))
		}
	}()

	handler := &groupHandler{topic: topic, handle: h, logger: c.logger}
	c.logger.Info("Subscribed",
		zap.String("topic", topic),
		zap.String("group", c.groupID),
		zap.String("from", string(from)))

	for {
		// Consume returns on every rebalance; loop to re-join
		if err := group.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s: %w", topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	topic  string
	handle RecordHandler
	logger *zap.Logger
}

func (g *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	g.logger.Info("Partitions assigned",
		zap.String("member", s.MemberID()),
		zap.Int32("generation", s.GenerationID()),
		zap.Any("claims", s.Claims()))
	return nil
}

func (g *groupHandler) Cleanup(s sarama.ConsumerGroupSession) error {
	g.logger.Debug("Partitions revoked", zap.String("member", s.MemberID()))
	return nil
}

// ConsumeClaim runs in its own goroutine per partition.
func (g *groupHandler) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	return g.consumePartition(s.Context(), claim.Messages(), func(msg *sarama.ConsumerMessage) {
		s.MarkMessage(msg, "")
	})
}

// consumePartition drains one partition's message channel serially.
func (g *groupHandler) consumePartition(ctx context.Context, msgs <-chan *sarama.ConsumerMessage, mark func(*sarama.ConsumerMessage)) error {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			g.process(ctx, msg)
			mark(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	partition := strconv.Itoa(int(msg.Partition))
	defer func() {
		if r := recover(); r != nil {
			metrics.ConsumeErrors.WithLabelValues(msg.Topic, partition).Inc()
			g.logger.Error("Record handler panicked",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Any("panic", r))
		}
	}()

	err := g.handle(ctx, Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	})
	metrics.RecordsConsumed.WithLabelValues(msg.Topic, partition).Inc()
	if err != nil {
		metrics.ConsumeErrors.WithLabelValues(msg.Topic, partition).Inc()
		g.logger.Error("Record handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// LogRecord is the default handler: it logs where the record came from and
// what it carried.
func LogRecord(logger *zap.Logger, pid int) RecordHandler {
	return func(_ context.Context, r Record) error {
		logger.Info("Consumed message",
			zap.Int("pid", pid),
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.ByteString("key", r.Key),
			zap.ByteString("value", r.Value))
		return nil
	}
}
