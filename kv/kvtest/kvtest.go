// Package kvtest is a conformance suite every kv.Store implementation runs.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run exercises the kv contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, newStore(t)) })
	t.Run("DeleteAbsent", func(t *testing.T) { testDeleteAbsent(t, newStore(t)) })
	t.Run("KeysAndValues", func(t *testing.T) { testKeysAndValues(t, newStore(t)) })
	t.Run("CollectionsAreIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("ReopenSeesData", func(t *testing.T) { testReopen(t, newStore(t)) })
	t.Run("ValuesAreCopies", func(t *testing.T) { testCopies(t, newStore(t)) })
	t.Run("EmptyName", func(t *testing.T) { testEmptyName(t, newStore(t)) })
	t.Run("ClosedStore", func(t *testing.T) { testClosed(t, newStore(t)) })
}

func open(t *testing.T, s kv.Store, name string) kv.Collection {
	t.Helper()
	c, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	require.Equal(t, name, c.Name())
	return c
}

func testPutGetDelete(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	c := open(t, s, "pending_ops")

	_, err := c.Get(ctx, "a")
	require.True(t, errors.Is(err, kv.ErrNotFound), "missing key: got %v", err)

	require.NoError(t, c.Put(ctx, "a", []byte("one")))
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, c.Put(ctx, "a", []byte("two")))
	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Get(ctx, "a")
	assert.True(t, errors.Is(err, kv.ErrNotFound), "deleted key: got %v", err)
}

func testDeleteAbsent(t *testing.T, s kv.Store) {
	defer s.Close()
	c := open(t, s, "failed_ops")
	assert.NoError(t, c.Delete(context.Background(), "never-written"))
}

func testKeysAndValues(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	c := open(t, s, "txn_journal")

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	want := map[string][]byte{}
	for i := 0; i < 5; i++ {
		k := fmt.Sprintf("k%d", 4-i)
		v := []byte(fmt.Sprintf("v%d", i))
		require.NoError(t, c.Put(ctx, k, v))
		want[k] = v
	}
	// Empty values must survive as present keys.
	require.NoError(t, c.Put(ctx, "empty", []byte{}))
	want["empty"] = []byte{}

	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "k0", "k1", "k2", "k3", "k4"}, keys)

	values, err := c.Values(ctx)
	require.NoError(t, err)
	require.Len(t, values, len(want))
	for k, v := range want {
		assert.Equal(t, len(v), len(values[k]), "value length for %s", k)
		if len(v) > 0 {
			assert.Equal(t, v, values[k])
		}
	}
}

func testIsolation(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	a := open(t, s, "pending_ops")
	b := open(t, s, "pending_index")
	// A name that prefixes another must not see its keys.
	p := open(t, s, "pending")

	require.NoError(t, a.Put(ctx, "x", []byte("a")))
	require.NoError(t, b.Put(ctx, "x", []byte("b")))

	got, err := a.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	got, err = b.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, a.Delete(ctx, "x"))
	_, err = b.Get(ctx, "x")
	assert.NoError(t, err)
}

func testReopen(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	c1 := open(t, s, "entities")
	require.NoError(t, c1.Put(ctx, "e1", []byte("v")))

	c2 := open(t, s, "entities")
	got, err := c2.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func testCopies(t *testing.T, s kv.Store) {
	defer s.Close()
	ctx := context.Background()
	c := open(t, s, "entities")

	buf := []byte("abc")
	require.NoError(t, c.Put(ctx, "k", buf))
	buf[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'Y'
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func testEmptyName(t *testing.T, s kv.Store) {
	defer s.Close()
	_, err := s.Open(context.Background(), "")
	assert.Error(t, err)
}

func testClosed(t *testing.T, s kv.Store) {
	ctx := context.Background()
	c := open(t, s, "entities")
	require.NoError(t, s.Close())

	err := c.Put(ctx, "k", []byte("v"))
	assert.True(t, errors.Is(err, kv.ErrNotOpen), "put after close: got %v", err)

	_, err = s.Open(ctx, "other")
	assert.True(t, errors.Is(err, kv.ErrNotOpen), "open after close: got %v", err)
}
