/*
Package workqueue submits work items to a durable queue and processes them
with bounded concurrency and at-least-once delivery.

# Client

Client.Enqueue publishes one item per call. Items are persistent unless the
Transient option is passed, and the queue is declared durable on first use.
A nil error means the broker has taken responsibility for the item.

# Worker

Worker.Run sets the broker's prefetch bound, so at most Prefetch items are
unacknowledged at once, and runs Prefetch handler goroutines. An item is
acknowledged only after its handler returns:

	AckAlways      ack on success and on failure (failures are logged)
	AckOnSuccess   ack on success, nack with requeue on failure

When the context is cancelled, items whose handler was interrupted are left
unacknowledged and the broker redelivers them to the next worker. Handlers
must therefore tolerate duplicates.

# Brokers

The rabbitmq subpackage implements Broker over AMQP 0-9-1; the jetstream
subpackage implements it over NATS JetStream work-queue streams.
*/
package workqueue
