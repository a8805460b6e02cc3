package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store used by the registry tests.
type memStore struct {
	name    string
	mu      sync.Mutex
	entries map[string]string
	closed  bool
	err     error
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, entries: map[string]string{}}
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) Populate(_ context.Context, n int) error {
	if err := validateCount(n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.entries[strconv.Itoa(i)] = strconv.Itoa(i)
	}
	return nil
}

func (m *memStore) Retrieve(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memStore) Clear(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.entries))
	m.entries = map[string]string{}
	return n, nil
}

func (m *memStore) Close() error {
	m.closed = true
	return m.err
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	pg, rd := newMemStore("postgres"), newMemStore("redis")
	r := NewRegistry(pg, rd)

	assert.Equal(t, []string{"postgres", "redis"}, r.Names())

	s, err := r.Lookup("postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.Name())

	require.NoError(t, s.Populate(ctx, 3))
	v, found, err := s.Retrieve(ctx, "2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2", v)

	_, found, err = s.Retrieve(ctx, "3")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = r.Lookup("cassandra")
	assert.ErrorIs(t, err, ErrUnknownStore)

	rd.err = errors.New("already closed")
	err = r.Close()
	assert.ErrorContains(t, err, "close redis")
	assert.True(t, pg.closed)
	assert.Empty(t, r.Names())
}

func TestRegisterDoesNotDoubleWrap(t *testing.T) {
	r := NewRegistry(newMemStore("mongo"))
	s, err := r.Lookup("mongo")
	require.NoError(t, err)
	r.Register(s)

	again, err := r.Lookup("mongo")
	require.NoError(t, err)
	_, nested := again.(instrumented).Store.(instrumented)
	assert.False(t, nested)
}

func TestPopulateRejectsNonPositiveCounts(t *testing.T) {
	ctx := context.Background()
	// zero-value stores: validation must fail before any connection is used
	for _, s := range []Store{&Postgres{}, &Redis{}, &Mongo{}} {
		for _, n := range []int{0, -1} {
			assert.ErrorIs(t, s.Populate(ctx, n), ErrInvalidCount, "%s n=%d", s.Name(), n)
		}
	}
}
