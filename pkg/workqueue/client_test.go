package workqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("persistent by default and declared once", func(t *testing.T) {
		b := newMemBroker()
		c := NewClient(b, nil)
		require.NoError(t, c.Enqueue(ctx, testQueue, []byte(`{"index":0}`)))
		require.NoError(t, c.Enqueue(ctx, testQueue, []byte(`{"index":1}`)))

		assert.Equal(t, 1, b.declared[testQueue])
		require.Len(t, b.published, 2)
		assert.True(t, b.published[0].persistent)
		assert.Equal(t, `{"index":1}`, string(b.published[1].payload))
		assert.Len(t, b.pendingItems(testQueue), 2)
	})

	t.Run("transient option", func(t *testing.T) {
		b := newMemBroker()
		c := NewClient(b, nil)
		require.NoError(t, c.Enqueue(ctx, testQueue, []byte("x"), Transient()))
		assert.False(t, b.published[0].persistent)
	})

	t.Run("empty queue name", func(t *testing.T) {
		b := newMemBroker()
		err := NewClient(b, nil).Enqueue(ctx, "", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Empty(t, b.declared)
	})

	t.Run("unconfirmed publish is returned", func(t *testing.T) {
		b := newMemBroker()
		b.publishErr = ErrNotConfirmed
		err := NewClient(b, nil).Enqueue(ctx, testQueue, []byte("x"))
		assert.ErrorIs(t, err, ErrNotConfirmed)
		assert.Empty(t, b.pendingItems(testQueue))
	})

	t.Run("declare failure is not cached", func(t *testing.T) {
		b := newMemBroker()
		b.declareErr = assert.AnError
		c := NewClient(b, nil)
		assert.ErrorIs(t, c.Enqueue(ctx, testQueue, []byte("x")), assert.AnError)

		b.declareErr = nil
		require.NoError(t, c.Enqueue(ctx, testQueue, []byte("x")))
		assert.Equal(t, 1, b.declared[testQueue])
	})
}

func TestDeliveryWithoutAcknowledger(t *testing.T) {
	d := Delivery{Body: []byte("x")}
	assert.Error(t, d.Ack())
	assert.Error(t, d.Nack(true))
}
