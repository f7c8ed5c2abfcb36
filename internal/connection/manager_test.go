package connection

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"

	"github.com/lightwavelabs/lightwave/internal/linkdb"
	"github.com/lightwavelabs/lightwave/internal/rsa"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

type managerHarness struct {
	manager *Manager
	store   *linkdb.RedisStore
	clock   *clockwork.FakeClock
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	store, err := linkdb.NewRedisStore(&linkdb.RedisConfig{
		Logger:     slog.Default(),
		Clock:      clock,
		Addr:       mr.Addr(),
		TotalSlots: 320,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SeedTopology(context.Background(),
		[]linkdb.PopNode{
			{ID: "pop1", Routers: []string{"r1"}},
			{ID: "pop2", Routers: []string{"r1"}},
			{ID: "pop3", Routers: []string{"r1"}},
		},
		[]linkdb.NetworkLink{
			{ID: "link12", PopA: "pop1", PopB: "pop2", DistanceKM: 100},
			{ID: "link23", PopA: "pop2", PopB: "pop3", DistanceKM: 150},
		},
		[]linkdb.Interface{
			{Pop: "pop1", Router: "r1", Name: "Ethernet1"},
			{Pop: "pop3", Router: "r1", Name: "Ethernet1"},
		}))

	planner, err := rsa.NewPlanner(&rsa.Config{Logger: slog.Default()})
	require.NoError(t, err)
	manager, err := NewManager(&ManagerConfig{
		Logger:  slog.Default(),
		Clock:   clock,
		Store:   store,
		Planner: planner,
	})
	require.NoError(t, err)
	require.NoError(t, manager.ReloadTopology(context.Background()))
	return &managerHarness{manager: manager, store: store, clock: clock}
}

func TestCreateEndToEnd(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop:      "pop1",
		DestinationPop: "pop3",
		BandwidthGbps:  100,
		Modulation:     "DP-16QAM",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSetupInProgress, conn.CurrentStatus())
	assert.Equal(t, []string{"link12", "link23"}, conn.PathLinks)
	assert.Equal(t, []int{0, 1}, conn.Slots)
	assert.Equal(t, "r1", conn.SourceRouter)
	assert.Equal(t, 10.0, conn.EstimatedOSNR) // 2500/250km

	// Both links now carry the occupancy.
	for _, link := range conn.PathLinks {
		occupied, err := h.store.OccupiedSlots(ctx, link)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, occupied[conn.ID])
	}

	rec, err := h.store.GetConnectionRecord(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusSetupInProgress), rec.Status)
	assert.Equal(t, "r1", rec.Details["source_router"])
}

func TestCreateValidation(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateRequest{SourcePop: "pop1", DestinationPop: "pop1", BandwidthGbps: 100})
	assert.Equal(t, sdnerr.CodeInvalidRequest, sdnerr.CodeOf(err))

	_, err = h.manager.Create(ctx, CreateRequest{SourcePop: "pop1", DestinationPop: "nowhere", BandwidthGbps: 100})
	assert.Equal(t, sdnerr.CodeInvalidRequest, sdnerr.CodeOf(err))

	_, err = h.manager.Create(ctx, CreateRequest{SourcePop: "pop1", DestinationPop: "pop3"})
	assert.Equal(t, sdnerr.CodeInvalidRequest, sdnerr.CodeOf(err))

	_, err = h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
		SourceInterface: "Ethernet1", // router not named
	})
	assert.Equal(t, sdnerr.CodeInvalidRequest, sdnerr.CodeOf(err))
}

func TestCreateWithPinnedInterfaces(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
		SourceRouter: "r1", SourceInterface: "Ethernet1",
		DestinationRouter: "r1", DestinationInterface: "Ethernet1",
	})
	require.NoError(t, err)

	// The pinned ports are gone from the free pool.
	names, err := h.store.AvailableInterfaces(ctx, "pop1", "r1")
	require.NoError(t, err)
	assert.Empty(t, names)

	// A second connection wanting the same port is refused.
	_, err = h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
		SourceRouter: "r1", SourceInterface: "Ethernet1",
	})
	assert.Equal(t, sdnerr.CodeResourceUnavailable, sdnerr.CodeOf(err))

	require.NoError(t, h.manager.Teardown(ctx, conn.ID))
	names, err = h.store.AvailableInterfaces(ctx, "pop1", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ethernet1"}, names)
}

func TestCreateNoSpectrum(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	ok, err := h.store.AllocateSpectrumSlots(ctx, "link23", "squatter", fullRange(320))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.Error(t, err)
	assert.Equal(t, sdnerr.CodeNoSpectrum, sdnerr.CodeOf(err))
	assert.Empty(t, h.manager.List())
}

// contendingStore makes a named link's slot allocation lose the race, as if
// another controller grabbed the slots between planning and allocation.
type contendingStore struct {
	linkdb.Store
	loseOn string
}

func (s *contendingStore) AllocateSpectrumSlots(ctx context.Context, linkID, connID string, slots []int) (bool, error) {
	if linkID == s.loseOn {
		return false, nil
	}
	return s.Store.AllocateSpectrumSlots(ctx, linkID, connID, slots)
}

func TestCreateRollbackOnSpectrumContention(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	planner, err := rsa.NewPlanner(&rsa.Config{Logger: slog.Default()})
	require.NoError(t, err)
	manager, err := NewManager(&ManagerConfig{
		Logger:  slog.Default(),
		Clock:   h.clock,
		Store:   &contendingStore{Store: h.store, loseOn: "link23"},
		Planner: planner,
	})
	require.NoError(t, err)
	require.NoError(t, manager.ReloadTopology(ctx))

	// link12 is allocated first and must be rolled back when link23 loses.
	_, err = manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
		SourceRouter: "r1", SourceInterface: "Ethernet1",
	})
	require.Error(t, err)
	assert.Equal(t, sdnerr.CodeNoSpectrum, sdnerr.CodeOf(err))

	// No residue: slots free, interface back, no records, nothing tracked.
	free, err := h.store.AvailableSlots(ctx, "link12")
	require.NoError(t, err)
	assert.Len(t, free, 320)
	names, err := h.store.AvailableInterfaces(ctx, "pop1", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ethernet1"}, names)
	ids, err := h.store.ListConnectionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, manager.List())
}

// statusWriteFailingStore refuses the status write that moves a fresh record
// past PENDING.
type statusWriteFailingStore struct {
	linkdb.Store
}

func (s *statusWriteFailingStore) UpdateConnectionStatus(ctx context.Context, connID, status string, details map[string]string) error {
	if status == string(StatusSetupInProgress) {
		return errors.New("store write refused")
	}
	return s.Store.UpdateConnectionStatus(ctx, connID, status, details)
}

// A connection whose durable record cannot be moved past PENDING must not be
// reported as created, and its resources must come back.
func TestCreateSurfacesStatusPersistFailure(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	planner, err := rsa.NewPlanner(&rsa.Config{Logger: slog.Default()})
	require.NoError(t, err)
	manager, err := NewManager(&ManagerConfig{
		Logger:  slog.Default(),
		Clock:   h.clock,
		Store:   &statusWriteFailingStore{Store: h.store},
		Planner: planner,
	})
	require.NoError(t, err)
	require.NoError(t, manager.ReloadTopology(ctx))

	_, err = manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
		SourceRouter: "r1", SourceInterface: "Ethernet1",
	})
	require.Error(t, err)
	assert.Equal(t, sdnerr.CodeStore, sdnerr.CodeOf(err))

	// No residue: slots and interface free again, record gone, nothing
	// tracked.
	for _, link := range []string{"link12", "link23"} {
		free, err := h.store.AvailableSlots(ctx, link)
		require.NoError(t, err)
		assert.Len(t, free, 320)
	}
	names, err := h.store.AvailableInterfaces(ctx, "pop1", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ethernet1"}, names)
	ids, err := h.store.ListConnectionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, manager.List())
}

func TestTeardownReleasesEverything(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)
	require.NoError(t, h.manager.CompleteSetup(ctx, conn.ID))

	require.NoError(t, h.manager.Teardown(ctx, conn.ID))

	for _, link := range []string{"link12", "link23"} {
		free, err := h.store.AvailableSlots(ctx, link)
		require.NoError(t, err)
		assert.Len(t, free, 320)
	}
	_, err = h.store.GetConnectionRecord(ctx, conn.ID)
	assert.ErrorIs(t, err, linkdb.ErrNotFound)
	_, err = h.manager.Get(conn.ID)
	assert.Equal(t, sdnerr.CodeNotFound, sdnerr.CodeOf(err))

	// Idempotent.
	require.NoError(t, h.manager.Teardown(ctx, conn.ID))
	require.NoError(t, h.manager.Teardown(ctx, "never-existed"))
}

func TestLifecycleTransitions(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)

	require.NoError(t, h.manager.CompleteSetup(ctx, conn.ID))
	assert.Equal(t, StatusActive, conn.CurrentStatus())

	// Degrade, reconfigure, recover.
	require.NoError(t, h.manager.MarkDegraded(ctx, conn.ID, "DEGRADED"))
	assert.Equal(t, StatusDegraded, conn.CurrentStatus())

	require.NoError(t, h.manager.StartReconfiguration(ctx, conn.ID, "QOT_DEGRADATION"))
	assert.Equal(t, StatusReconfiguring, conn.CurrentStatus())
	assert.Equal(t, 1, conn.Snapshot().ReconfigCount)
	assert.Equal(t, "QOT_DEGRADATION", conn.Snapshot().ReconfigReason)

	require.NoError(t, h.manager.CompleteReconfiguration(ctx, conn.ID))
	assert.Equal(t, StatusActive, conn.CurrentStatus())

	// Failed attempt drops back to DEGRADED.
	require.NoError(t, h.manager.MarkDegraded(ctx, conn.ID, "CRITICAL"))
	require.NoError(t, h.manager.StartReconfiguration(ctx, conn.ID, "QOT_DEGRADATION"))
	require.NoError(t, h.manager.FailReconfiguration(ctx, conn.ID, "send failed"))
	assert.Equal(t, StatusDegraded, conn.CurrentStatus())

	rec, err := h.store.GetConnectionRecord(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusDegraded), rec.Status)
	assert.Equal(t, "2", rec.Details["reconfig_count"])
}

func TestIllegalTransitionsRejected(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)

	// SETUP_IN_PROGRESS accepts no degradation or reconfiguration events.
	err = h.manager.MarkDegraded(ctx, conn.ID, "DEGRADED")
	assert.Equal(t, sdnerr.CodeFSMReject, sdnerr.CodeOf(err))
	err = h.manager.StartReconfiguration(ctx, conn.ID, "QOT_DEGRADATION")
	assert.Equal(t, sdnerr.CodeFSMReject, sdnerr.CodeOf(err))
	err = h.manager.CompleteReconfiguration(ctx, conn.ID)
	assert.Equal(t, sdnerr.CodeFSMReject, sdnerr.CodeOf(err))
	assert.Equal(t, StatusSetupInProgress, conn.CurrentStatus())

	// Rejected attempts do not bump the reconfig count.
	assert.Equal(t, 0, conn.Snapshot().ReconfigCount)
}

func TestRebuildFromStore(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)
	require.NoError(t, h.manager.CompleteSetup(ctx, conn.ID))

	// A fresh manager over the same store sees the connection again.
	planner, err := rsa.NewPlanner(&rsa.Config{Logger: slog.Default()})
	require.NoError(t, err)
	fresh, err := NewManager(&ManagerConfig{
		Logger:  slog.Default(),
		Clock:   h.clock,
		Store:   h.store,
		Planner: planner,
	})
	require.NoError(t, err)
	require.NoError(t, fresh.ReloadTopology(ctx))
	require.NoError(t, fresh.RebuildFromStore(ctx))

	restored, err := fresh.Get(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.CurrentStatus())
	snap := restored.Snapshot()
	assert.Equal(t, []string{"link12", "link23"}, snap.PathLinks)
	assert.Equal(t, []int{0, 1}, snap.Slots)
	assert.Equal(t, "r1", snap.SourceRouter)
	assert.Equal(t, 100.0, snap.BandwidthGbps)
}

func TestSampleHistoryBounded(t *testing.T) {
	conn := &Connection{ID: "c", Status: StatusActive, historyCap: 5}
	for i := range 12 {
		conn.RecordSample(QoTSample{OSNR: float64(i)})
	}
	recent := conn.RecentSamples(100)
	require.Len(t, recent, 5)
	assert.Equal(t, 7.0, recent[0].OSNR)
	assert.Equal(t, 11.0, recent[4].OSNR)
}

func fullRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
