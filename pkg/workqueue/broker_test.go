package workqueue

import (
	"context"
	"errors"
	"sync"
)

type publishCall struct {
	queue      string
	payload    []byte
	persistent bool
}

type memItem struct {
	body        []byte
	redelivered bool
}

// memBroker is an in-memory queue broker honouring the prefetch bound. When a
// consumer goes away its unacknowledged items are requeued, like a broker
// does on channel close.
type memBroker struct {
	mu   sync.Mutex
	cond *sync.Cond

	declared   map[string]int
	pending    map[string][]memItem
	unacked    map[uint64]memItem
	unackedQ   map[uint64]string
	prefetch   int
	nextTag    uint64
	acked      [][]byte
	nacked     int
	published  []publishCall
	closed     bool
	publishErr error
	declareErr error
}

func newMemBroker() *memBroker {
	b := &memBroker{
		declared: map[string]int{},
		pending:  map[string][]memItem{},
		unacked:  map[uint64]memItem{},
		unackedQ: map[uint64]string{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBroker) DeclareQueue(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared[queue]++
	return nil
}

func (b *memBroker) SetPrefetch(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetch = n
	return nil
}

func (b *memBroker) Publish(_ context.Context, queue string, payload []byte, persistent bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishCall{queue: queue, payload: payload, persistent: persistent})
	b.pending[queue] = append(b.pending[queue], memItem{body: payload})
	b.cond.Broadcast()
	return nil
}

func (b *memBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()
		defer b.requeueUnacked(queue)
		for {
			b.mu.Lock()
			for !b.closed && ctx.Err() == nil &&
				(len(b.pending[queue]) == 0 || (b.prefetch > 0 && len(b.unacked) >= b.prefetch)) {
				b.cond.Wait()
			}
			if b.closed || ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			item := b.pending[queue][0]
			b.pending[queue] = b.pending[queue][1:]
			b.nextTag++
			tag := b.nextTag
			b.unacked[tag] = item
			b.unackedQ[tag] = queue
			b.mu.Unlock()

			select {
			case out <- Delivery{Acknowledger: b, Body: item.body, Tag: tag, Redelivered: item.redelivered}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *memBroker) requeueUnacked(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tag, item := range b.unacked {
		if b.unackedQ[tag] != queue {
			continue
		}
		item.redelivered = true
		b.pending[queue] = append([]memItem{item}, b.pending[queue]...)
		delete(b.unacked, tag)
		delete(b.unackedQ, tag)
	}
	b.cond.Broadcast()
}

func (b *memBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.unacked, tag)
	delete(b.unackedQ, tag)
	b.acked = append(b.acked, item.body)
	b.cond.Broadcast()
	return nil
}

func (b *memBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	queue := b.unackedQ[tag]
	delete(b.unacked, tag)
	delete(b.unackedQ, tag)
	b.nacked++
	if requeue {
		item.redelivered = true
		b.pending[queue] = append(b.pending[queue], item)
	}
	b.cond.Broadcast()
	return nil
}

func (b *memBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

func (b *memBroker) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *memBroker) unackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

func (b *memBroker) pendingItems(queue string) []memItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]memItem(nil), b.pending[queue]...)
}

func (b *memBroker) ackedBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked))
	for i, body := range b.acked {
		out[i] = string(body)
	}
	return out
}
