package workqueue

import (
	"context"
	"errors"
)

var (
	// ErrInvalidArgument marks malformed input rejected before any broker call.
	ErrInvalidArgument = errors.New("workqueue: invalid argument")
	// ErrNotConfirmed is returned when the broker refused to take ownership of
	// a published item.
	ErrNotConfirmed = errors.New("workqueue: publish not confirmed by broker")
	// ErrDeliveriesClosed is returned by Worker.Run when the broker stops
	// delivering without being asked to, e.g. on connection loss.
	ErrDeliveriesClosed = errors.New("workqueue: delivery stream closed")
)

// Broker is the durable-queue side of the system. Implementations live in
// the rabbitmq and jetstream subpackages.
type Broker interface {
	// DeclareQueue creates the durable queue or matches an existing declaration.
	DeclareQueue(ctx context.Context, queue string) error
	// SetPrefetch bounds the number of unacknowledged deliveries handed to
	// this consumer. It must be called before Consume.
	SetPrefetch(n int) error
	// Publish stores payload on queue. It returns only once the broker has
	// taken responsibility for the item.
	Publish(ctx context.Context, queue string, payload []byte, persistent bool) error
	// Consume starts manual-ack delivery. The channel is closed when ctx is
	// cancelled or the connection is lost.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Acknowledger settles deliveries by tag. amqp091.Acknowledger satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Delivery is one work item handed out by the broker. The tag is only
// meaningful to the Acknowledger (channel) that delivered it.
type Delivery struct {
	Acknowledger Acknowledger
	Body         []byte
	Tag          uint64
	Redelivered  bool
}

// Ack removes the item from the queue.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return errors.New("workqueue: delivery has no acknowledger")
	}
	return d.Acknowledger.Ack(d.Tag, false)
}

// Nack rejects the item; with requeue it becomes available for redelivery.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return errors.New("workqueue: delivery has no acknowledger")
	}
	return d.Acknowledger.Nack(d.Tag, false, requeue)
}
