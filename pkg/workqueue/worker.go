package workqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/loadbench/pkg/metrics"
	"go.uber.org/zap"
)

// Handler processes one work item's payload.
type Handler func(ctx context.Context, payload []byte) error

// AckPolicy decides how a delivery is settled after its handler fails.
type AckPolicy string

const (
	// AckAlways acknowledges every item once its handler returns, failed or
	// not. Failures are logged and counted but the item is gone.
	AckAlways AckPolicy = "always"
	// AckOnSuccess acknowledges successful items and negatively acknowledges
	// failed ones with requeue, so they are delivered again.
	AckOnSuccess AckPolicy = "on-success"
)

// ParseAckPolicy parses "always" or "on-success".
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always":
		return AckAlways, nil
	case "on-success", "onsuccess", "on_success":
		return AckOnSuccess, nil
	default:
		return "", fmt.Errorf("%w: unknown ack policy %q", ErrInvalidArgument, s)
	}
}

func (p *AckPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseAckPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue     string
	Prefetch  int
	AckPolicy AckPolicy
}

func (c WorkerConfig) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("%w: prefetch must be >= 1, got %d", ErrInvalidArgument, c.Prefetch)
	}
	if _, err := ParseAckPolicy(string(c.AckPolicy)); err != nil {
		return err
	}
	return nil
}

// Worker consumes a durable queue with at most Prefetch items in flight and
// acknowledges each item only after its handler has returned.
type Worker struct {
	broker Broker
	cfg    WorkerConfig
	handle Handler
	logger *zap.Logger

	inFlight atomic.Int64
}

func NewWorker(broker Broker, cfg WorkerConfig, h Handler, logger *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidArgument)
	}
	if cfg.AckPolicy == "" {
		cfg.AckPolicy = AckAlways
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{broker: broker, cfg: cfg, handle: h, logger: logger}, nil
}

// InFlight is the number of items currently inside the handler.
func (w *Worker) InFlight() int64 {
	return w.inFlight.Load()
}

// Run declares the queue, sets the prefetch bound and processes deliveries
// until ctx is cancelled. Deliveries go through a channel of capacity
// Prefetch to a pool of Prefetch goroutines.
//
// On cancellation, items that have not reached a handler and items whose
// handler was interrupted are left unacknowledged; the broker redelivers them
// once the connection closes. Run returns ErrDeliveriesClosed if the broker
// stops delivering while ctx is still live.
func (w *Worker) Run(ctx context.Context) error {
	queue := w.cfg.Queue
	if err := w.broker.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := w.broker.SetPrefetch(w.cfg.Prefetch); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := w.broker.Consume(ctx, queue)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}

	w.logger.Info("Waiting for messages",
		zap.String("queue", queue),
		zap.Int("prefetch", w.cfg.Prefetch),
		zap.String("ack_policy", string(w.cfg.AckPolicy)))

	ops := make(chan Delivery, w.cfg.Prefetch)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Prefetch; i++ {
		wg.Add(1)
		go w.workerLoop(ctx, ops, &wg)
	}

	err = w.readLoop(ctx, deliveries, ops)
	close(ops)
	wg.Wait()
	return err
}

func (w *Worker) readLoop(ctx context.Context, deliveries <-chan Delivery, ops chan<- Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			select {
			case ops <- d:
			case <-ctx.Done():
				w.abandon(d)
				return nil
			}
		}
	}
}

func (w *Worker) workerLoop(ctx context.Context, ops <-chan Delivery, wg *sync.WaitGroup) {
	defer wg.Done()
	for d := range ops {
		if ctx.Err() != nil {
			w.abandon(d)
			continue
		}
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d Delivery) {
	queue := w.cfg.Queue
	w.inFlight.Add(1)
	metrics.ItemsInFlight.WithLabelValues(queue).Inc()
	start := time.Now()

	err := w.invoke(ctx, d.Body)

	metrics.HandlerDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	metrics.ItemsInFlight.WithLabelValues(queue).Dec()
	w.inFlight.Add(-1)

	if err != nil && ctx.Err() != nil {
		// interrupted by shutdown: not completed, so not acknowledged
		w.abandon(d)
		return
	}

	if err != nil {
		w.logger.Error("Work item handler failed",
			zap.String("queue", queue),
			zap.Uint64("delivery_tag", d.Tag),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		if w.cfg.AckPolicy == AckOnSuccess {
			if nerr := d.Nack(true); nerr != nil {
				w.logger.Error("Failed to nack work item", zap.Uint64("delivery_tag", d.Tag), zap.Error(nerr))
				return
			}
			metrics.ItemsSettled.WithLabelValues(queue, "nack").Inc()
			return
		}
	}

	if aerr := d.Ack(); aerr != nil {
		w.logger.Error("Failed to ack work item", zap.Uint64("delivery_tag", d.Tag), zap.Error(aerr))
		return
	}
	metrics.ItemsSettled.WithLabelValues(queue, "ack").Inc()
}

// invoke runs the handler, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handle(ctx, payload)
}

func (w *Worker) abandon(d Delivery) {
	metrics.ItemsSettled.WithLabelValues(w.cfg.Queue, "abandoned").Inc()
	w.logger.Warn("Work item left for redelivery",
		zap.String("queue", w.cfg.Queue),
		zap.Uint64("delivery_tag", d.Tag))
}

// DelayHandler simulates a downstream call that takes delay to complete. It
// returns early with ctx's error if the worker is shutting down.
func DelayHandler(delay time.Duration, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, payload []byte) error {
		logger.Info("Processing request", zap.ByteString("payload", payload))
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
