// Package jetstream implements workqueue.Broker on NATS JetStream.
//
// Each queue is a stream with work-queue retention bound to one subject, and
// workers share one durable pull consumer per queue. The prefetch bound maps
// to the consumer's MaxAckPending. Persistence is a property of the stream
// (file storage), so the per-item persistent flag has no effect here.
//
// Items left unacknowledged by a stopped worker are redelivered once AckWait
// expires, not at connection close as on RabbitMQ.
package jetstream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Config struct {
	Servers       []string      `mapstructure:"servers"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Durable       string        `mapstructure:"durable"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
		CAFile   string `mapstructure:"ca_file"`
	} `mapstructure:"tls"`
}

func DefaultConfig() Config {
	return Config{
		Servers:       []string{nats.DefaultURL},
		SubjectPrefix: "loadbench",
		Durable:       "loadbench-worker",
		AckWait:       30 * time.Second,
	}
}

type Broker struct {
	cfg    Config
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	mu       sync.Mutex
	prefetch int
	subs     []*nats.Subscription
}

var _ workqueue.Broker = (*Broker)(nil)

// Dial connects to the first reachable server and opens a JetStream context.
func Dial(cfg Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	cfg.SubjectPrefix = cmp.Or(cfg.SubjectPrefix, "loadbench")
	cfg.Durable = cmp.Or(cfg.Durable, "loadbench-worker")
	cfg.AckWait = cmp.Or(cfg.AckWait, 30*time.Second)

	opts := defaultOptions(cfg)
	var (
		nc  *nats.Conn
		err error
	)
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("server", nc.ConnectedUrlRedacted()))
	return &Broker{cfg: cfg, nc: nc, js: js, logger: logger, prefetch: 1}, nil
}

// DeclareQueue creates the queue's work-queue stream, or updates it if its
// configuration drifted.
func (b *Broker) DeclareQueue(_ context.Context, queue string) error {
	config := b.streamConfig(queue)

	stream, err := b.js.StreamInfo(config.Name)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = b.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			b.logger.Info("Updated stream", zap.String("stream", config.Name))
		}
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := b.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	b.logger.Info("Created stream", zap.String("stream", config.Name), zap.String("subject", config.Subjects[0]))
	return nil
}

func (b *Broker) SetPrefetch(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: prefetch must be >= 1", workqueue.ErrInvalidArgument)
	}
	b.mu.Lock()
	b.prefetch = n
	b.mu.Unlock()
	return nil
}

// Publish returns once the stream has stored the item.
func (b *Broker) Publish(ctx context.Context, queue string, payload []byte, _ bool) error {
	ack, err := b.js.Publish(subjectFor(b.cfg.SubjectPrefix, queue), payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	if ack == nil || ack.Stream == "" {
		return workqueue.ErrNotConfirmed
	}
	return nil
}

// Consume binds to the queue's durable pull consumer and fetches up to the
// prefetch bound at a time.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan workqueue.Delivery, error) {
	b.mu.Lock()
	prefetch := b.prefetch
	b.mu.Unlock()

	stream := streamName(queue)
	subject := subjectFor(b.cfg.SubjectPrefix, queue)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       b.cfg.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxAckPending: prefetch,
		FilterSubject: subject,
	}
	if _, err := b.js.ConsumerInfo(stream, b.cfg.Durable); err == nil {
		if _, err := b.js.UpdateConsumer(stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("update consumer: %w", err)
		}
	} else if _, err := b.js.AddConsumer(stream, consumerCfg); err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	sub, err := b.js.PullSubscribe(subject, b.cfg.Durable, nats.Bind(stream, b.cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	out := make(chan workqueue.Delivery)
	go b.fetchLoop(ctx, sub, prefetch, out)
	return out, nil
}

func (b *Broker) fetchLoop(ctx context.Context, sub *nats.Subscription, batch int, out chan<- workqueue.Delivery) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		fctx, cancel := context.WithTimeout(ctx, time.Second)
		msgs, err := sub.Fetch(batch, nats.Context(fctx))
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				b.logger.Warn("Fetch stopped", zap.Error(err))
				return
			default:
				b.logger.Error("Fetch messages", zap.Error(err))
				continue
			}
		}
		for _, msg := range msgs {
			select {
			case out <- toDelivery(msg):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close drops subscriptions and the connection. The durable consumer stays on
// the server for the next worker.
func (b *Broker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func (b *Broker) streamConfig(queue string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{subjectFor(b.cfg.SubjectPrefix, queue)},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
}

// msgAcker settles a single JetStream message; the tag is informational.
type msgAcker struct {
	msg *nats.Msg
}

func (a msgAcker) Ack(uint64, bool) error {
	return a.msg.Ack()
}

// Nack with requeue asks for immediate redelivery; without it the message is
// terminated and never redelivered.
func (a msgAcker) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		return a.msg.Nak()
	}
	return a.msg.Term()
}

func toDelivery(msg *nats.Msg) workqueue.Delivery {
	d := workqueue.Delivery{Acknowledger: msgAcker{msg: msg}, Body: msg.Data}
	if meta, err := msg.Metadata(); err == nil {
		d.Tag = meta.Sequence.Stream
		d.Redelivered = meta.NumDelivered > 1
	}
	return d
}

// streamName maps a queue name onto the characters stream names allow.
func streamName(queue string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return "QUEUE_" + strings.ToUpper(r.Replace(queue))
}

func subjectFor(prefix, queue string) string {
	r := strings.NewReplacer("*", "_", ">", "_", " ", "_")
	return fmt.Sprintf("%s.queue.%s", prefix, r.Replace(queue))
}

// streamConfigEqual checks the fields DeclareQueue manages.
func streamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name || a.Storage != b.Storage || a.Replicas != b.Replicas || a.Retention != b.Retention {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("loadbench"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		opts = append(opts, nats.Secure())
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}
