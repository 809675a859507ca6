package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedWritesWithoutTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entities := f.collection(t, "entities")

	require.NoError(t, Put(ctx, entities, "e1", []byte("v")))
	require.NoError(t, Delete(ctx, entities, "e1"))
	_, ok := get(t, entities, "e1")
	assert.False(t, ok)

	keys, err := f.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTrackedWritesCaptureFirstTouchOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entities := f.collection(t, "entities")
	require.NoError(t, entities.Put(ctx, "e1", []byte("v0")))

	h, err := f.journal.Begin(ctx, "t1")
	require.NoError(t, err)
	txCtx := WithHandle(ctx, h)
	assert.Same(t, h, FromContext(txCtx))

	require.NoError(t, Put(txCtx, entities, "e1", []byte("v1")))
	require.NoError(t, Put(txCtx, entities, "e1", []byte("v2")))
	require.NoError(t, Delete(txCtx, entities, "e1"))
	require.NoError(t, Put(txCtx, entities, "e2", []byte("new")))

	require.Len(t, h.Entries, 2)
	assert.Equal(t, Entry{Collection: "entities", Key: "e1", Existed: true, Snapshot: []byte("v0")}, h.Entries[0])
	assert.Equal(t, Entry{Collection: "entities", Key: "e2"}, h.Entries[1])

	_, err = f.journal.Rollback(ctx, h)
	require.NoError(t, err)
	v, _ := get(t, entities, "e1")
	assert.Equal(t, "v0", v)
	_, ok := get(t, entities, "e2")
	assert.False(t, ok)
}

func TestTrackedWritesAfterReplayReload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entities := f.collection(t, "entities")

	h, err := f.journal.Begin(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, Put(WithHandle(ctx, h), entities, "e1", []byte("v1")))

	// A handle decoded from disk rebuilds its touched set from its entries.
	raw, err := f.collection(t, Collection).Get(ctx, "t1")
	require.NoError(t, err)
	loaded, err := f.journal.decode(raw)
	require.NoError(t, err)
	assert.True(t, loaded.captured("entities", "e1"))
	assert.False(t, loaded.captured("entities", "e2"))
}

func TestRunCommits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.collection(t, "a")
	b := f.collection(t, "b")

	err := Run(ctx, f.journal, "t1", func(ctx context.Context) error {
		if err := Put(ctx, a, "k", []byte("1")); err != nil {
			return err
		}
		return Put(ctx, b, "k", []byte("2"))
	})
	require.NoError(t, err)

	v, _ := get(t, a, "k")
	assert.Equal(t, "1", v)
	v, _ = get(t, b, "k")
	assert.Equal(t, "2", v)
	assert.False(t, persisted(t, f, "t1"))
}

func TestRunRollsBackOnError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.collection(t, "a")
	require.NoError(t, a.Put(ctx, "k", []byte("orig")))

	bad := errors.New("business rule")
	err := Run(ctx, f.journal, "t1", func(ctx context.Context) error {
		if err := Put(ctx, a, "k", []byte("changed")); err != nil {
			return err
		}
		return bad
	})
	assert.ErrorIs(t, err, bad)

	v, _ := get(t, a, "k")
	assert.Equal(t, "orig", v)
	assert.False(t, persisted(t, f, "t1"))
}

func TestRunRollsBackOnPanic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.collection(t, "a")

	assert.PanicsWithValue(t, "boom", func() {
		_ = Run(ctx, f.journal, "t1", func(ctx context.Context) error {
			_ = Put(ctx, a, "k", []byte("changed"))
			panic("boom")
		})
	})

	_, ok := get(t, a, "k")
	assert.False(t, ok)
	assert.False(t, persisted(t, f, "t1"))
}

func TestRunJoinsOuterTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.collection(t, "a")

	outerErr := errors.New("outer fails after inner")
	err := Run(ctx, f.journal, "outer", func(ctx context.Context) error {
		inner := Run(ctx, f.journal, "inner", func(ctx context.Context) error {
			return Put(ctx, a, "k", []byte("inner"))
		})
		require.NoError(t, inner)
		assert.False(t, persisted(t, f, "inner"), "nested Run must not begin its own handle")
		return outerErr
	})
	assert.ErrorIs(t, err, outerErr)

	_, ok := get(t, a, "k")
	assert.False(t, ok, "inner write belongs to the outer transaction")
}
