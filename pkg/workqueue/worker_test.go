package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testQueue = "task_queue"

func enqueueN(t *testing.T, b Broker, n int) {
	t.Helper()
	c := NewClient(b, nil)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Enqueue(context.Background(), testQueue, []byte(fmt.Sprintf(`{"index":%d}`, i))))
	}
}

// runWorker starts w.Run and returns a function that cancels it and waits for
// its result.
func runWorker(t *testing.T, w *Worker) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func TestWorkerAcksAfterHandlerCompletes(t *testing.T) {
	b := newMemBroker()
	enqueueN(t, b, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, func(context.Context, []byte) error {
		close(entered)
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	stop := runWorker(t, w)

	<-entered
	assert.Equal(t, 1, b.unackedCount())
	assert.Zero(t, b.ackedCount())
	assert.Equal(t, int64(1), w.InFlight())

	close(release)
	require.Eventually(t, func() bool { return b.ackedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.unackedCount())
	require.NoError(t, stop())
}

func TestWorkerPrefetchBound(t *testing.T) {
	for prefetch := 1; prefetch <= 5; prefetch++ {
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			const items = 20
			b := newMemBroker()
			enqueueN(t, b, items)

			var current, peak atomic.Int32
			w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: prefetch}, func(context.Context, []byte) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				current.Add(-1)
				return nil
			}, nil)
			require.NoError(t, err)
			stop := runWorker(t, w)

			require.Eventually(t, func() bool { return b.ackedCount() == items }, 5*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			assert.LessOrEqual(t, peak.Load(), int32(prefetch))
			assert.Equal(t, prefetch, b.prefetch)
			assert.Equal(t, 1, b.declared[testQueue])
		})
	}
}

func TestWorkerPrefetchOneIsSequential(t *testing.T) {
	b := newMemBroker()
	enqueueN(t, b, 10)

	var mu sync.Mutex
	var events []string
	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, func(_ context.Context, payload []byte) error {
		mu.Lock()
		events = append(events, "start "+string(payload))
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		events = append(events, "end "+string(payload))
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)
	stop := runWorker(t, w)
	require.Eventually(t, func() bool { return b.ackedCount() == 10 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 20)
	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf(`{"index":%d}`, i)
		assert.Equal(t, "start "+payload, events[2*i])
		assert.Equal(t, "end "+payload, events[2*i+1])
	}
	assert.Equal(t, []string{
		`{"index":0}`, `{"index":1}`, `{"index":2}`, `{"index":3}`, `{"index":4}`,
		`{"index":5}`, `{"index":6}`, `{"index":7}`, `{"index":8}`, `{"index":9}`,
	}, b.ackedBodies())
}

func TestWorkerAckPolicy(t *testing.T) {
	t.Run("always acks failed items", func(t *testing.T) {
		core, logs := observer.New(zap.ErrorLevel)
		b := newMemBroker()
		enqueueN(t, b, 3)

		w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 2}, func(context.Context, []byte) error {
			return errors.New("downstream unavailable")
		}, zap.New(core))
		require.NoError(t, err)
		stop := runWorker(t, w)
		require.Eventually(t, func() bool { return b.ackedCount() == 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Zero(t, b.nacked)
		assert.Empty(t, b.pendingItems(testQueue))
		assert.Equal(t, 3, logs.FilterMessage("Work item handler failed").Len())
	})

	t.Run("on-success requeues failed items", func(t *testing.T) {
		b := newMemBroker()
		enqueueN(t, b, 1)

		var calls atomic.Int32
		w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1, AckPolicy: AckOnSuccess}, func(context.Context, []byte) error {
			if calls.Add(1) == 1 {
				return errors.New("transient failure")
			}
			return nil
		}, nil)
		require.NoError(t, err)
		stop := runWorker(t, w)
		require.Eventually(t, func() bool { return b.ackedCount() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, 1, b.nacked)
	})

	t.Run("panics count as failures", func(t *testing.T) {
		b := newMemBroker()
		enqueueN(t, b, 1)
		w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, func(context.Context, []byte) error {
			panic("bad payload")
		}, nil)
		require.NoError(t, err)
		stop := runWorker(t, w)
		require.Eventually(t, func() bool { return b.ackedCount() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, stop())
	})
}

func TestWorkerShutdownLeavesItemForRedelivery(t *testing.T) {
	b := newMemBroker()
	enqueueN(t, b, 1)

	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, DelayHandler(time.Hour, nil), nil)
	require.NoError(t, err)
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return w.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Zero(t, b.ackedCount())

	require.Eventually(t, func() bool { return len(b.pendingItems(testQueue)) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, b.pendingItems(testQueue)[0].redelivered)

	// a restarted worker completes it exactly once
	var redelivered atomic.Int32
	w2, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, func(_ context.Context, payload []byte) error {
		redelivered.Add(1)
		assert.Equal(t, `{"index":0}`, string(payload))
		return nil
	}, nil)
	require.NoError(t, err)
	stop2 := runWorker(t, w2)
	require.Eventually(t, func() bool { return b.ackedCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop2())
	assert.Equal(t, int32(1), redelivered.Load())
}

func TestWorkerDeliveriesClosed(t *testing.T) {
	b := newMemBroker()
	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, DelayHandler(0, nil), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.declared[testQueue] == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDeliveriesClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the closed delivery stream")
	}
}

func TestWorkerDeclareFailure(t *testing.T) {
	b := newMemBroker()
	b.declareErr = errors.New("access refused")
	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, DelayHandler(0, nil), nil)
	require.NoError(t, err)
	assert.ErrorContains(t, w.Run(context.Background()), "access refused")
}

func TestNewWorkerValidation(t *testing.T) {
	b := newMemBroker()
	h := DelayHandler(0, nil)

	_, err := NewWorker(b, WorkerConfig{Prefetch: 1}, h, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 0}, h, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1, AckPolicy: "sometimes"}, h, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	w, err := NewWorker(b, WorkerConfig{Queue: testQueue, Prefetch: 1}, h, nil)
	require.NoError(t, err)
	assert.Equal(t, AckAlways, w.cfg.AckPolicy)
}

func TestParseAckPolicy(t *testing.T) {
	for in, want := range map[string]AckPolicy{
		"":           AckAlways,
		"always":     AckAlways,
		"ALWAYS":     AckAlways,
		"on-success": AckOnSuccess,
		"on_success": AckOnSuccess,
	} {
		got, err := ParseAckPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	var p AckPolicy
	require.NoError(t, p.UnmarshalText([]byte("on-success")))
	assert.Equal(t, AckOnSuccess, p)
	assert.ErrorIs(t, p.UnmarshalText([]byte("never")), ErrInvalidArgument)
}

func TestDelayHandler(t *testing.T) {
	h := DelayHandler(10*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, h(context.Background(), []byte(`{}`)))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	long := DelayHandler(time.Hour, nil)
	assert.ErrorIs(t, long(ctx, []byte(`{}`)), context.Canceled)
}
