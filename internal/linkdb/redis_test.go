package linkdb

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(&RedisConfig{
		Logger:     slog.Default(),
		Clock:      clockwork.NewFakeClock(),
		Addr:       mr.Addr(),
		TotalSlots: 320,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTwoPops(t *testing.T, store *RedisStore) {
	t.Helper()
	err := store.SeedTopology(context.Background(),
		[]PopNode{
			{ID: "popA", Name: "Pop A", Routers: []string{"r1"}},
			{ID: "popB", Name: "Pop B", Routers: []string{"r1"}},
		},
		[]NetworkLink{
			{ID: "linkAB", PopA: "popA", PopB: "popB", DistanceKM: 100},
		},
		[]Interface{
			{Pop: "popA", Router: "r1", Name: "Ethernet1"},
			{Pop: "popB", Router: "r1", Name: "Ethernet1"},
		})
	require.NoError(t, err)
}

func TestLoadTopology(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)

	pops, links, err := store.LoadTopology(context.Background())
	require.NoError(t, err)
	require.Len(t, pops, 2)
	require.Len(t, links, 1)
	assert.Equal(t, []string{"r1"}, pops["popA"].Routers)
	assert.Equal(t, "popA", links["linkAB"].PopA)
	assert.Equal(t, 100.0, links["linkAB"].DistanceKM)
	assert.Equal(t, 320, links["linkAB"].TotalSlots)
}

func TestAvailableSlotsDefaultsToFullRange(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)

	// A link whose free-slot set was never materialized reports the full
	// default range.
	mrStore := store
	mrStore.rdb.SAdd(context.Background(), keyLinks, "linkXY")
	mrStore.rdb.HSet(context.Background(), linkKey("linkXY"), "pop_a", "popA", "pop_b", "popB", "distance_km", "10")

	slots, err := store.AvailableSlots(context.Background(), "linkXY")
	require.NoError(t, err)
	require.Len(t, slots, 320)
	assert.Equal(t, 0, slots[0])
	assert.Equal(t, 319, slots[319])
}

func TestAllocateInterfaceCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)
	ctx := context.Background()

	ok, err := store.AllocateInterface(ctx, "popA", "r1", "Ethernet1", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second allocation of the same interface must fail.
	ok, err = store.AllocateInterface(ctx, "popA", "r1", "Ethernet1", "conn-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown interface fails without error.
	ok, err = store.AllocateInterface(ctx, "popA", "r1", "Ethernet99", "conn-2")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := store.AvailableInterfaces(ctx, "popA", "r1")
	require.NoError(t, err)
	assert.Empty(t, names)

	ok, err = store.ReleaseInterface(ctx, "popA", "r1", "Ethernet1")
	require.NoError(t, err)
	require.True(t, ok)

	names, err = store.AvailableInterfaces(ctx, "popA", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ethernet1"}, names)
}

func TestAllocateSpectrumSlotsNoPartialAllocation(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)
	ctx := context.Background()

	ok, err := store.AllocateSpectrumSlots(ctx, "linkAB", "conn-1", []int{0, 1})
	require.NoError(t, err)
	require.True(t, ok)

	// Overlapping request fails whole, leaving the free set untouched.
	ok, err = store.AllocateSpectrumSlots(ctx, "linkAB", "conn-2", []int{1, 2})
	require.NoError(t, err)
	require.False(t, ok)

	free, err := store.AvailableSlots(ctx, "linkAB")
	require.NoError(t, err)
	require.Len(t, free, 318)
	assert.Equal(t, 2, free[0])

	occupied, err := store.OccupiedSlots(ctx, "linkAB")
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"conn-1": {0, 1}}, occupied)
}

func TestReleaseSpectrumSlotsIdempotent(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)
	ctx := context.Background()

	ok, err := store.AllocateSpectrumSlots(ctx, "linkAB", "conn-1", []int{5, 6, 7})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ReleaseSpectrumSlots(ctx, "linkAB", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second release is a no-op success.
	ok, err = store.ReleaseSpectrumSlots(ctx, "linkAB", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	free, err := store.AvailableSlots(ctx, "linkAB")
	require.NoError(t, err)
	assert.Len(t, free, 320)
}

// Redis deletes a set when its last member is removed, so a link whose
// spectrum is exactly fully allocated must not read back as untouched.
func TestExactlyFullLinkReportsNoFreeSlots(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(&RedisConfig{
		Logger:     slog.Default(),
		Clock:      clockwork.NewFakeClock(),
		Addr:       mr.Addr(),
		TotalSlots: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SeedTopology(ctx, nil,
		[]NetworkLink{{ID: "linkAB", PopA: "popA", PopB: "popB", DistanceKM: 100}}, nil))

	ok, err := store.AllocateSpectrumSlots(ctx, "linkAB", "conn-1", []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.True(t, ok)

	free, err := store.AvailableSlots(ctx, "linkAB")
	require.NoError(t, err)
	assert.Empty(t, free)

	// A full link must refuse further allocations.
	ok, err = store.AllocateSpectrumSlots(ctx, "linkAB", "conn-2", []int{0, 1})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.ReleaseSpectrumSlots(ctx, "linkAB", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	free, err = store.AvailableSlots(ctx, "linkAB")
	require.NoError(t, err)
	assert.Len(t, free, 4)
}

// Same boundary when the first allocation itself consumes the whole default
// range of a never-materialized free-slot set.
func TestExactlyFullUnmaterializedLink(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(&RedisConfig{
		Logger:     slog.Default(),
		Clock:      clockwork.NewFakeClock(),
		Addr:       mr.Addr(),
		TotalSlots: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	store.rdb.SAdd(ctx, keyLinks, "linkXY")
	store.rdb.HSet(ctx, linkKey("linkXY"), "pop_a", "popA", "pop_b", "popB")

	ok, err := store.AllocateSpectrumSlots(ctx, "linkXY", "conn-1", []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.True(t, ok)

	free, err := store.AvailableSlots(ctx, "linkXY")
	require.NoError(t, err)
	assert.Empty(t, free)

	ok, err = store.AllocateSpectrumSlots(ctx, "linkXY", "conn-2", []int{0})
	require.NoError(t, err)
	assert.False(t, ok)
}

// Slot conservation: after any alternation of allocations and releases the
// free set and the per-connection occupancy partition the slot universe.
func TestSlotConservation(t *testing.T) {
	store := newTestStore(t)
	seedTwoPops(t, store)
	ctx := context.Background()

	steps := []struct {
		conn    string
		slots   []int
		release bool
	}{
		{conn: "c1", slots: []int{0, 1, 2, 3}},
		{conn: "c2", slots: []int{10, 11}},
		{conn: "c1", release: true},
		{conn: "c3", slots: []int{0, 1}},
		{conn: "c2", release: true},
		{conn: "c4", slots: []int{2, 3, 4}},
	}
	for _, step := range steps {
		var err error
		if step.release {
			_, err = store.ReleaseSpectrumSlots(ctx, "linkAB", step.conn)
		} else {
			var ok bool
			ok, err = store.AllocateSpectrumSlots(ctx, "linkAB", step.conn, step.slots)
			require.True(t, ok)
		}
		require.NoError(t, err)

		free, err := store.AvailableSlots(ctx, "linkAB")
		require.NoError(t, err)
		occupied, err := store.OccupiedSlots(ctx, "linkAB")
		require.NoError(t, err)

		seen := map[int]int{}
		for _, slot := range free {
			seen[slot]++
		}
		for _, slots := range occupied {
			for _, slot := range slots {
				seen[slot]++
			}
		}
		require.Len(t, seen, 320)
		for slot, count := range seen {
			require.Equal(t, 1, count, "slot %d appears %d times", slot, count)
		}
	}
}

func TestConnectionRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := ConnectionRecord{
		Status:         "PENDING",
		SourcePop:      "popA",
		DestinationPop: "popB",
		BandwidthGbps:  100,
		Modulation:     "DP-16QAM",
		EstimatedOSNR:  25,
		PathLinks:      []string{"linkAB"},
	}
	require.NoError(t, store.CreateConnectionRecord(ctx, "conn-1", rec))

	ids, err := store.ListConnectionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, ids)

	require.NoError(t, store.UpdateConnectionStatus(ctx, "conn-1", "ACTIVE", map[string]string{"setup_completed_at": "now"}))

	got, err := store.GetConnectionRecord(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Equal(t, []string{"linkAB"}, got.PathLinks)
	assert.Equal(t, "now", got.Details["setup_completed_at"])
	assert.Equal(t, 100.0, got.BandwidthGbps)

	require.NoError(t, store.DeleteConnectionRecord(ctx, "conn-1"))
	_, err = store.GetConnectionRecord(ctx, "conn-1")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is harmless.
	require.NoError(t, store.DeleteConnectionRecord(ctx, "conn-1"))
}

func TestUpdateUnknownConnection(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateConnectionStatus(context.Background(), "ghost", "ACTIVE", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.HealthCheck(context.Background()))
}
