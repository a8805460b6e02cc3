package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/loadbench/pkg/metrics"
	"go.uber.org/zap"
)

// Message is one keyed record handed to Publish.
type Message struct {
	Key   string
	Value []byte
}

// RecordMetadata is where a published record landed.
type RecordMetadata struct {
	Key       string
	Partition int32
	Offset    int64
}

// BatchSender is the part of sarama.SyncProducer the Producer needs.
type BatchSender interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
	Close() error
}

// PartitionLister returns the partition ids of a topic. *Client and
// sarama.Client both satisfy it.
type PartitionLister interface {
	Partitions(topic string) ([]int32, error)
}

// metadataInvalidator is implemented by listers that cache partition metadata.
type metadataInvalidator interface {
	Invalidate(topic string)
}

// Producer publishes batches with round-robin partition assignment.
type Producer struct {
	sender     BatchSender
	partitions PartitionLister
	logger     *zap.Logger
}

func NewProducer(sender BatchSender, partitions PartitionLister, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{sender: sender, partitions: partitions, logger: logger}
}

// Publish sends msgs to topic as one SendMessages call. Record i goes to the
// i-th partition modulo the partition count; keys are carried on the record
// but do not influence placement, so equal keys are spread across partitions.
//
// On error an unknown subset of the batch may have been written. Publish does
// not retry, but a failure caused by stale partition metadata makes the next
// batch refresh it.
func (p *Producer) Publish(ctx context.Context, topic string, msgs []Message) ([]RecordMetadata, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic name is required", ErrInvalidArgument)
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	partitions, err := p.partitions.Partitions(topic)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPartitions, topic)
	}

	batch := make([]*sarama.ProducerMessage, len(msgs))
	for i, m := range msgs {
		batch[i] = &sarama.ProducerMessage{
			Topic:     topic,
			Key:       sarama.StringEncoder(m.Key),
			Value:     sarama.ByteEncoder(m.Value),
			Partition: AssignPartition(partitions, i),
		}
	}

	if err := p.sender.SendMessages(batch); err != nil {
		metrics.PublishErrors.WithLabelValues(topic).Inc()
		if inv, ok := p.partitions.(metadataInvalidator); ok && staleMetadata(err) {
			inv.Invalidate(topic)
		}
		return nil, fmt.Errorf("failed to send batch of %d records to %s: %w", len(batch), topic, err)
	}

	results := make([]RecordMetadata, len(batch))
	for i, m := range batch {
		results[i] = RecordMetadata{Key: msgs[i].Key, Partition: m.Partition, Offset: m.Offset}
	}
	metrics.RecordsPublished.WithLabelValues(topic).Add(float64(len(batch)))

	p.logger.Debug("Batch produced",
		zap.String("topic", topic),
		zap.Int("records", len(batch)),
		zap.Int("partitions", len(partitions)))
	return results, nil
}

// Close closes the underlying producer; the shared Client stays open.
func (p *Producer) Close() error {
	return p.sender.Close()
}

// staleMetadata reports whether err, or any record error of a failed batch,
// means the producer's view of the topic's partitions is out of date.
func staleMetadata(err error) bool {
	var batchErrs sarama.ProducerErrors
	if errors.As(err, &batchErrs) {
		for _, pe := range batchErrs {
			if pe != nil && staleMetadata(pe.Err) {
				return true
			}
		}
		return false
	}
	return errors.Is(err, sarama.ErrUnknownTopicOrPartition) || errors.Is(err, sarama.ErrNotLeaderForPartition)
}

// AssignPartition is the round-robin law used by Publish.
func AssignPartition(partitions []int32, index int) int32 {
	return partitions[index%len(partitions)]
}

// SyntheticBatch builds the load-test batch: keys key-0..key-(n-1) with values
// "Message 1".."Message n".
func SyntheticBatch(n int) ([]Message, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: record count must be > 0, got %d", ErrInvalidArgument, n)
	}
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			Key:   fmt.Sprintf("key-%d", i),
			Value: []byte(fmt.Sprintf("Message %d", i+1)),
		}
	}
	return msgs, nil
}
