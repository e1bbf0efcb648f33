// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/giantswarm/requestgate/storage"
)

// MockBlockStore is a mock implementation of BlockStore for testing.
// Each method delegates to its Func field, which defaults to a working
// in-memory implementation. Override a field to inject errors.
type MockBlockStore struct {
	mu      sync.RWMutex
	entries map[string]storage.BlockEntry

	IsBlockedFunc func(ctx context.Context, ip string) (bool, error)
	GetFunc       func(ctx context.Context, ip string) (*storage.BlockEntry, error)
	BlockFunc     func(ctx context.Context, e storage.BlockEntry) error
	UnblockFunc   func(ctx context.Context, ip string) error
	ListFunc      func(ctx context.Context) ([]storage.BlockEntry, error)

	// Now is used for expiry checks by the default implementations.
	Now func() time.Time

	countsMu   sync.Mutex
	callCounts map[string]int
}

var _ storage.BlockStore = (*MockBlockStore)(nil)

// NewMockBlockStore creates a new mock block store
func NewMockBlockStore() *MockBlockStore {
	m := &MockBlockStore{
		entries:    make(map[string]storage.BlockEntry),
		callCounts: make(map[string]int),
		Now:        time.Now,
	}

	m.GetFunc = func(_ context.Context, ip string) (*storage.BlockEntry, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		e, ok := m.entries[storage.NormalizeIP(ip)]
		if !ok || !e.ActiveAt(m.Now()) {
			return nil, storage.ErrNotFound
		}
		return &e, nil
	}

	m.IsBlockedFunc = func(ctx context.Context, ip string) (bool, error) {
		_, err := m.GetFunc(ctx, ip)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	m.BlockFunc = func(_ context.Context, e storage.BlockEntry) error {
		if err := e.Validate(); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		e.IP = storage.NormalizeIP(e.IP)
		m.entries[e.IP] = e
		return nil
	}

	m.UnblockFunc = func(_ context.Context, ip string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, storage.NormalizeIP(ip))
		return nil
	}

	m.ListFunc = func(_ context.Context) ([]storage.BlockEntry, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		now := m.Now()
		out := make([]storage.BlockEntry, 0, len(m.entries))
		for _, e := range m.entries {
			if e.ActiveAt(now) {
				out = append(out, e)
			}
		}
		return out, nil
	}

	return m
}

func (m *MockBlockStore) count(name string) {
	m.countsMu.Lock()
	m.callCounts[name]++
	m.countsMu.Unlock()
}

// Calls returns how many times the named method was invoked.
func (m *MockBlockStore) Calls(name string) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.callCounts[name]
}

// IsBlocked reports whether ip is blocked
func (m *MockBlockStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	m.count("IsBlocked")
	return m.IsBlockedFunc(ctx, ip)
}

// Get returns the entry for ip
func (m *MockBlockStore) Get(ctx context.Context, ip string) (*storage.BlockEntry, error) {
	m.count("Get")
	return m.GetFunc(ctx, ip)
}

// Block stores an entry
func (m *MockBlockStore) Block(ctx context.Context, e storage.BlockEntry) error {
	m.count("Block")
	return m.BlockFunc(ctx, e)
}

// Unblock removes an entry
func (m *MockBlockStore) Unblock(ctx context.Context, ip string) error {
	m.count("Unblock")
	return m.UnblockFunc(ctx, ip)
}

// List returns active entries
func (m *MockBlockStore) List(ctx context.Context) ([]storage.BlockEntry, error) {
	m.count("List")
	return m.ListFunc(ctx)
}

// MockRequestCounter is a mock implementation of RequestCounter for testing.
type MockRequestCounter struct {
	AllowRequestFunc func(ctx context.Context, ip string, limit int, window time.Duration, now time.Time) (bool, error)

	mu    sync.Mutex
	calls int
}

var _ storage.RequestCounter = (*MockRequestCounter)(nil)

// NewMockRequestCounter returns a counter that allows every request.
func NewMockRequestCounter() *MockRequestCounter {
	return &MockRequestCounter{
		AllowRequestFunc: func(context.Context, string, int, time.Duration, time.Time) (bool, error) {
			return true, nil
		},
	}
}

// AllowRequest delegates to AllowRequestFunc
func (m *MockRequestCounter) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.AllowRequestFunc(ctx, ip, limit, window, now)
}

// Calls returns how many times AllowRequest was invoked.
func (m *MockRequestCounter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
