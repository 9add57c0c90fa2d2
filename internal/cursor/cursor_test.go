package cursor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.InsertModule(ctx, ir.DaemonModule{ID: "mod-1", Owner: "o", ChainType: "evm", BlobKey: "k", RegisteredAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.InsertInstance(ctx, ir.DaemonInstance{ID: "inst-1", ModuleID: "mod-1", Chain: "ethereum", StartBlock: 100, CreatedAt: t0}))
}

func TestGet_StartsAtStartBlock(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "vigil.db"))
	seed(t, s)
	c := cursor.New(s)

	next, err := c.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), next)
}

func TestGet_UnknownInstance(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "vigil.db"))
	_, err := cursor.New(s).Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAdvance_StrictlyIncreasing(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "vigil.db"))
	seed(t, s)
	c := cursor.New(s, cursor.WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	require.NoError(t, c.Advance(ctx, "inst-1", 110))
	next, err := c.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(111), next)

	for _, n := range []uint64{110, 105} {
		err := c.Advance(ctx, "inst-1", n)
		require.True(t, cursor.IsRegression(err), "advance to %d: %v", n, err)

		var re *cursor.RegressionError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, uint64(110), re.Current)
		assert.Equal(t, n, re.Requested)
	}

	next, err = c.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(111), next)
}

func TestAdvance_BeforeStartBlock(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "vigil.db"))
	seed(t, s)

	err := cursor.New(s).Advance(context.Background(), "inst-1", 99)
	assert.True(t, cursor.IsRegression(err))

	// A single-block first window is fine.
	require.NoError(t, cursor.New(s).Advance(context.Background(), "inst-1", 100))
}

func TestAdvance_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.db")
	ctx := context.Background()

	s1, err := store.Open(path)
	require.NoError(t, err)
	seed(t, s1)
	require.NoError(t, cursor.New(s1).Advance(ctx, "inst-1", 110))
	require.NoError(t, s1.Close())

	s2 := openStore(t, path)
	next, err := cursor.New(s2).Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(111), next)
}

func TestRegressionError_Message(t *testing.T) {
	err := &cursor.RegressionError{InstanceID: "inst-1", Current: 110, Requested: 105}
	assert.Equal(t, "cursor regression for inst-1: requested 105, current 110", err.Error())
}
