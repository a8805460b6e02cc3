package workqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgeflare/loadbench/pkg/metrics"
	"go.uber.org/zap"
)

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	persistent bool
}

// Transient publishes the item without persistent delivery mode; it does not
// survive a broker restart.
func Transient() EnqueueOption {
	return func(o *enqueueOptions) { o.persistent = false }
}

// Client submits work items, one publish per item.
type Client struct {
	broker Broker
	logger *zap.Logger

	mu       sync.Mutex
	declared map[string]bool
}

func NewClient(broker Broker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{broker: broker, logger: logger, declared: map[string]bool{}}
}

// Enqueue publishes payload to the durable queue. Items are persistent unless
// Transient is passed. A nil error means the broker accepted the item; any
// failure is returned as is, without retrying.
func (c *Client) Enqueue(ctx context.Context, queue string, payload []byte, opts ...EnqueueOption) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	o := enqueueOptions{persistent: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := c.ensureQueue(ctx, queue); err != nil {
		return err
	}

	if err := c.broker.Publish(ctx, queue, payload, o.persistent); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	metrics.ItemsEnqueued.WithLabelValues(queue).Inc()
	c.logger.Debug("Work item queued", zap.String("queue", queue), zap.Int("bytes", len(payload)), zap.Bool("persistent", o.persistent))
	return nil
}

func (c *Client) ensureQueue(ctx context.Context, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declared[queue] {
		return nil
	}
	if err := c.broker.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	c.declared[queue] = true
	return nil
}
