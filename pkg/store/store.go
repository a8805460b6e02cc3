// Package store holds the database benchmark targets. Each Store inserts a
// batch of synthetic entries, looks one up by value and clears everything, so
// the HTTP API can time the same workload against different databases.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/loadbench/pkg/metrics"
)

var (
	ErrInvalidCount = errors.New("store: entry count must be positive")
	ErrUnknownStore = errors.New("store: unknown store")
)

// Store is one benchmark target.
type Store interface {
	Name() string
	// Populate inserts n synthetic entries.
	Populate(ctx context.Context, n int) error
	// Retrieve looks an entry up by its value.
	Retrieve(ctx context.Context, key string) (value string, found bool, err error)
	// Clear removes every entry and reports how many were removed.
	Clear(ctx context.Context) (int64, error)
	Close() error
}

func validateCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	return nil
}

// Registry maps store names to instances. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

func NewRegistry(stores ...Store) *Registry {
	r := &Registry{stores: map[string]Store{}}
	for _, s := range stores {
		r.Register(s)
	}
	return r
}

// Register adds s under s.Name(), instrumenting it with operation timings.
func (r *Registry) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := s.(instrumented); !ok {
		s = instrumented{s}
	}
	r.stores[s.Name()] = s
}

func (r *Registry) Lookup(name string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return s, nil
}

// Names returns the registered store names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.stores = map[string]Store{}
	return errors.Join(errs...)
}

// instrumented records StoreOperationDuration around each call.
type instrumented struct {
	Store
}

func (s instrumented) observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(s.Name(), op).Observe(time.Since(start).Seconds())
}

func (s instrumented) Populate(ctx context.Context, n int) error {
	defer s.observe("populate", time.Now())
	return s.Store.Populate(ctx, n)
}

func (s instrumented) Retrieve(ctx context.Context, key string) (string, bool, error) {
	defer s.observe("retrieve", time.Now())
	return s.Store.Retrieve(ctx, key)
}

func (s instrumented) Clear(ctx context.Context) (int64, error) {
	defer s.observe("clear", time.Now())
	return s.Store.Clear(ctx)
}
