package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/kv/kvtest"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := New(&Config{InMemory: true, MemTableSizeMB: 8, BlockCacheMB: 4, Logger: logging.Discard().Logger})
		require.NoError(t, err)
		return s
	})
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := func() *Config {
		c := DefaultConfig(dir)
		c.MemTableSizeMB = 8
		c.Logger = logging.Discard().Logger
		return c
	}

	s, err := New(cfg())
	require.NoError(t, err)
	c, err := s.Open(ctx, "txn_journal")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "txn-1", []byte("undo")))
	require.NoError(t, s.Close())

	s, err = New(cfg())
	require.NoError(t, err)
	defer s.Close()
	c, err = s.Open(ctx, "txn_journal")
	require.NoError(t, err)
	got, err := c.Get(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "undo", string(got))

}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(&Config{})
	assert.True(t, syncErrors.Is(err, syncErrors.KindPermanent))
	_, err = New(nil)
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	s, err := New(&Config{InMemory: true, MemTableSizeMB: 8, Logger: logging.Discard().Logger})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := s.Open(ctx, "entities")
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, c.Put(ctx, "k", []byte("v")), context.Canceled)
}

func TestWrapClassification(t *testing.T) {
	diskFull := errors.New("no space left on device")
	err := wrap(diskFull, opPut)
	assert.ErrorIs(t, err, diskFull)
	assert.False(t, syncErrors.IsRetryable(err))
	assert.Equal(t, syncErrors.KindOther, syncErrors.KindOf(err))

	err = wrap(badger.ErrConflict, opPut)
	assert.True(t, syncErrors.IsRetryable(err))

	assert.ErrorIs(t, wrap(badger.ErrDBClosed, opGet), kv.ErrNotOpen)
	assert.NoError(t, wrap(nil, opGet))
}
