// Package memory is an in-process kv.Store used in tests and for ephemeral
// engines. It supports fault injection to exercise crash and error paths.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-offline-kit/kv"
)

// Op names a collection method for fault injection.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpKeys   Op = "keys"
	OpValues Op = "values"
)

// FaultFunc is consulted before every collection call. A non-nil return
// aborts the call with that error and leaves the data untouched.
type FaultFunc func(collection string, op Op, key string) error

// Store holds every collection in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
	fault  FaultFunc
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

// SetFault installs f, or clears fault injection when f is nil.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

func (s *Store) Open(ctx context.Context, name string) (kv.Collection, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrNotOpen
	}
	if _, ok := s.data[name]; !ok {
		s.data[name] = make(map[string][]byte)
	}
	return &collection{store: s, name: name}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type collection struct {
	store *Store
	name  string
}

func (c *collection) Name() string { return c.name }

// check must be called with the store lock held.
func (c *collection) check(op Op, key string) error {
	if c.store.closed {
		return kv.ErrNotOpen
	}
	if c.store.fault != nil {
		return c.store.fault(c.name, op, key)
	}
	return nil
}

func (c *collection) Put(ctx context.Context, key string, value []byte) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.check(OpPut, key); err != nil {
		return err
	}
	c.store.data[c.name][key] = append([]byte(nil), value...)
	return nil
}

func (c *collection) Get(ctx context.Context, key string) ([]byte, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if err := c.check(OpGet, key); err != nil {
		return nil, err
	}
	v, ok := c.store.data[c.name][key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.check(OpDelete, key); err != nil {
		return err
	}
	delete(c.store.data[c.name], key)
	return nil
}

func (c *collection) Keys(ctx context.Context) ([]string, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if err := c.check(OpKeys, ""); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.store.data[c.name]))
	for k := range c.store.data[c.name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *collection) Values(ctx context.Context) (map[string][]byte, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if err := c.check(OpValues, ""); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(c.store.data[c.name]))
	for k, v := range c.store.data[c.name] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}
