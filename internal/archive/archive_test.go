package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miner-pulse/internal/core/fleet"
)

func openTestArchive(t *testing.T, maxPoints int) *Archive {
	t.Helper()
	a, err := Open(Config{
		DBPath:    filepath.Join(t.TempDir(), "archive.db"),
		MaxPoints: maxPoints,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRoundTripRestore(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t, 100)

	snap := fleet.Snapshot{
		ID:     "r1",
		Name:   "rig one",
		Coin:   "BTC",
		LastTS: 42,
		Metrics: fleet.Metrics{
			"temp":  fleet.Num(61.5),
			"state": fleet.Str("mining"),
		},
	}
	require.NoError(t, a.StoreSnapshot(ctx, snap))
	for i := 1; i <= 3; i++ {
		require.NoError(t, a.StorePoint(ctx, "r1", fleet.HistoryPoint{
			TS:      int64(i),
			Metrics: fleet.Metrics{"temp": fleet.Num(float64(60 + i))},
		}))
	}

	store := fleet.NewStore(100)
	require.NoError(t, a.Restore(ctx, store))

	snaps := store.ListSnapshots()
	require.Len(t, snaps, 1)
	got := snaps[0]
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "rig one", got.Name)
	assert.Equal(t, int64(42), got.LastTS)

	temp, ok := got.Metrics.Float("temp")
	require.True(t, ok)
	assert.InDelta(t, 61.5, temp, 1e-9)
	assert.Equal(t, "mining", got.Metrics["state"].String())

	h := store.GetHistory("r1", 0)
	require.Len(t, h, 3)
	assert.Equal(t, int64(1), h[0].TS, "restore preserves arrival order")
	assert.Equal(t, int64(3), h[2].TS)
}

func TestUpsertReplacesRow(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t, 100)

	require.NoError(t, a.StoreSnapshot(ctx, fleet.Snapshot{ID: "r1", Name: "old", Coin: "BTC", LastTS: 1}))
	require.NoError(t, a.StoreSnapshot(ctx, fleet.Snapshot{ID: "r1", Name: "new", Coin: "LTC", LastTS: 2}))

	store := fleet.NewStore(100)
	require.NoError(t, a.Restore(ctx, store))

	snaps := store.ListSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "new", snaps[0].Name)
	assert.Equal(t, "LTC", snaps[0].Coin)
	assert.Equal(t, int64(2), snaps[0].LastTS)
}

func TestHistoryPrunedToCap(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t, 5)

	require.NoError(t, a.StoreSnapshot(ctx, fleet.Snapshot{ID: "r1", Name: "r1", Coin: "BTC", LastTS: 1}))
	for i := 1; i <= 12; i++ {
		require.NoError(t, a.StorePoint(ctx, "r1", fleet.HistoryPoint{TS: int64(i)}))
	}

	store := fleet.NewStore(100)
	require.NoError(t, a.Restore(ctx, store))

	h := store.GetHistory("r1", 0)
	require.Len(t, h, 5)
	assert.Equal(t, int64(8), h[0].TS, "oldest rows beyond the cap are pruned")
	assert.Equal(t, int64(12), h[4].TS)
}

func TestPruneIsPerMiner(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t, 3)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, a.StoreSnapshot(ctx, fleet.Snapshot{ID: id, Name: id, Coin: "BTC", LastTS: 1}))
	}
	for i := 1; i <= 10; i++ {
		require.NoError(t, a.StorePoint(ctx, "a", fleet.HistoryPoint{TS: int64(i)}))
	}
	require.NoError(t, a.StorePoint(ctx, "b", fleet.HistoryPoint{TS: 99}))

	store := fleet.NewStore(100)
	require.NoError(t, a.Restore(ctx, store))

	assert.Len(t, store.GetHistory("a", 0), 3)
	hb := store.GetHistory("b", 0)
	require.Len(t, hb, 1, "pruning one miner never touches another")
	assert.Equal(t, int64(99), hb[0].TS)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t, 100)

	require.NoError(t, a.StoreSnapshot(ctx, fleet.Snapshot{ID: "r1", Name: "r1", Coin: "BTC", LastTS: 1}))
	require.NoError(t, a.StorePoint(ctx, "r1", fleet.HistoryPoint{TS: 1}))
	require.NoError(t, a.Clear(ctx))

	store := fleet.NewStore(100)
	require.NoError(t, a.Restore(ctx, store))
	assert.Zero(t, store.Len())
	assert.Nil(t, store.GetHistory("r1", 0))
}
