package qot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightwavelabs/lightwave/internal/agent"
	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/config"
	"github.com/lightwavelabs/lightwave/internal/connection"
	"github.com/lightwavelabs/lightwave/internal/linkdb"
	"github.com/lightwavelabs/lightwave/internal/rsa"
)

type fakeReconfigurer struct {
	mu       sync.Mutex
	calls    [][]agent.Adjustment
	failNext bool
}

func (f *fakeReconfigurer) DispatchReconfig(_ context.Context, connID, reason string, adjustments []agent.Adjustment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker down")
	}
	f.calls = append(f.calls, adjustments)
	return nil
}

func (f *fakeReconfigurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type monitorHarness struct {
	monitor    *Monitor
	manager    *connection.Manager
	dispatcher *fakeReconfigurer
	clock      *clockwork.FakeClock
	conn       *connection.Connection
}

func newMonitorHarness(t *testing.T, mcfg MonitorConfig) *monitorHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	store, err := linkdb.NewRedisStore(&linkdb.RedisConfig{
		Logger: slog.Default(), Clock: clock, Addr: mr.Addr(), TotalSlots: 320,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SeedTopology(context.Background(),
		[]linkdb.PopNode{
			{ID: "pop1", Routers: []string{"r1"}},
			{ID: "pop2", Routers: []string{"r1"}},
		},
		[]linkdb.NetworkLink{{ID: "link12", PopA: "pop1", PopB: "pop2", DistanceKM: 100}},
		nil))

	planner, err := rsa.NewPlanner(&rsa.Config{Logger: slog.Default()})
	require.NoError(t, err)
	manager, err := connection.NewManager(&connection.ManagerConfig{
		Logger: slog.Default(), Clock: clock, Store: store, Planner: planner,
	})
	require.NoError(t, err)
	require.NoError(t, manager.ReloadTopology(context.Background()))

	conn, err := manager.Create(context.Background(), connection.CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop2", BandwidthGbps: 100,
	})
	require.NoError(t, err)
	require.NoError(t, manager.CompleteSetup(context.Background(), conn.ID))

	dispatcher := &fakeReconfigurer{}
	mcfg.Logger = slog.Default()
	mcfg.Clock = clock
	mcfg.Manager = manager
	mcfg.Dispatcher = dispatcher
	monitor, err := NewMonitor(&mcfg)
	require.NoError(t, err)
	return &monitorHarness{
		monitor: monitor, manager: manager, dispatcher: dispatcher,
		clock: clock, conn: conn,
	}
}

func (h *monitorHarness) feed(osnr, ber float64, n int) {
	for range n {
		h.monitor.HandleTelemetry(bus.Telemetry{
			ConnectionID: h.conn.ID,
			OSNR:         &osnr,
			PreFECBER:    &ber,
			At:           h.clock.Now(),
		})
	}
}

func TestDegradationTriggersReconfiguration(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	// Three consecutive samples below 18 dB: degraded, one reconfiguration,
	// connection returned to ACTIVE.
	h.feed(17, 1e-5, 3)

	assert.Equal(t, 1, h.dispatcher.callCount())
	assert.Equal(t, connection.StatusActive, h.conn.CurrentStatus())

	st, ok := h.monitor.StatusOf(h.conn.ID)
	require.True(t, ok)
	assert.Equal(t, LevelDegraded, st.Level)
	assert.Equal(t, 1, st.ReconfigCount)
	assert.True(t, st.InCooldown)

	// Both ends asked to step up by 1 dB with the clip bounds attached.
	adjustments := h.dispatcher.calls[0]
	require.Len(t, adjustments, 2)
	for _, adj := range adjustments {
		assert.Equal(t, 1.0, adj.Params.TxDeltaDB)
		assert.Equal(t, -15.0, adj.Params.TxMinDBM)
		assert.Equal(t, 0.0, adj.Params.TxMaxDBM)
		assert.Nil(t, adj.Params.TxPowerDBM)
	}
}

func TestPersistencyRequiresFullWindow(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	// Two bad samples then a good one: no trigger.
	h.feed(17, 1e-5, 2)
	h.feed(22, 1e-5, 1)
	assert.Equal(t, 0, h.dispatcher.callCount())
	assert.Equal(t, connection.StatusActive, h.conn.CurrentStatus())
	st, ok := h.monitor.StatusOf(h.conn.ID)
	require.True(t, ok)
	assert.Equal(t, LevelNormal, st.Level)
}

func TestCriticalClassification(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	h.feed(14, 1e-5, 3)
	st, _ := h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, LevelCritical, st.Level)
	assert.Equal(t, 1, h.dispatcher.callCount())
}

func TestBERAloneTriggers(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	// Healthy OSNR but BER above threshold.
	h.feed(22, 2e-3, 3)
	st, _ := h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, LevelDegraded, st.Level)
	assert.Equal(t, 1, h.dispatcher.callCount())
}

func TestCooldownSuppressesFurtherAttempts(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	h.feed(17, 1e-5, 3)
	require.Equal(t, 1, h.dispatcher.callCount())

	// Still degraded during the cooldown: no second attempt.
	h.feed(17, 1e-5, 5)
	assert.Equal(t, 1, h.dispatcher.callCount())

	// After the cooldown the level is unchanged, so a worsening to critical
	// triggers the next attempt.
	h.clock.Advance(21 * time.Second)
	h.feed(14, 1e-5, 3)
	assert.Equal(t, 2, h.dispatcher.callCount())
}

func TestReconfigurationBudget(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{MaxReconfigs: 2})

	h.feed(17, 1e-5, 3) // attempt 1, level DEGRADED
	h.clock.Advance(21 * time.Second)
	h.feed(14, 1e-5, 3) // attempt 2, level CRITICAL
	h.clock.Advance(21 * time.Second)
	h.feed(17, 1e-5, 3) // back to DEGRADED, budget exhausted
	assert.Equal(t, 2, h.dispatcher.callCount())

	st, _ := h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, 2, st.ReconfigCount)
}

func TestDispatchFailureLeavesConnectionDegraded(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})
	h.dispatcher.failNext = true

	h.feed(17, 1e-5, 3)
	assert.Equal(t, 0, h.dispatcher.callCount())
	assert.Equal(t, connection.StatusDegraded, h.conn.CurrentStatus())

	st, _ := h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, 0, st.ReconfigCount)
	assert.False(t, st.InCooldown)
}

func TestRecoverySweep(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	h.feed(17, 1e-5, 3)
	st, _ := h.monitor.StatusOf(h.conn.ID)
	require.Equal(t, LevelDegraded, st.Level)

	// Healthy samples arrive while in cooldown; the sweep may only recover
	// after the cooldown has passed.
	h.feed(22, 1e-5, 3)
	h.monitor.sweep()
	st, _ = h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, LevelDegraded, st.Level)

	h.clock.Advance(21 * time.Second)
	before := h.dispatcher.callCount()
	h.monitor.sweep()
	st, _ = h.monitor.StatusOf(h.conn.ID)
	assert.Equal(t, LevelNormal, st.Level)
	// Recovery issues no commands.
	assert.Equal(t, before, h.dispatcher.callCount())
}

func TestAdjustModeSource(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{AdjustMode: config.AdjustSource})

	h.feed(17, 1e-5, 3)
	require.Equal(t, 1, h.dispatcher.callCount())
	adjustments := h.dispatcher.calls[0]
	require.Len(t, adjustments, 1)
	assert.Equal(t, "source", adjustments[0].Direction)
	assert.Equal(t, "pop1", adjustments[0].Endpoint.Pop)
}

func TestKnownTxPowerIsClipped(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})

	osnr, ber, tx := 17.0, 1e-5, -0.5
	for range 3 {
		h.monitor.HandleTelemetry(bus.Telemetry{
			ConnectionID: h.conn.ID,
			OSNR:         &osnr, PreFECBER: &ber, TxPower: &tx,
			At: h.clock.Now(),
		})
	}
	require.Equal(t, 1, h.dispatcher.callCount())
	for _, adj := range h.dispatcher.calls[0] {
		require.NotNil(t, adj.Params.TxPowerDBM)
		// -0.5 + 1 clips at the 0 dBm ceiling.
		assert.Equal(t, 0.0, *adj.Params.TxPowerDBM)
	}
}

func TestTelemetryForUnknownConnectionIgnored(t *testing.T) {
	h := newMonitorHarness(t, MonitorConfig{})
	osnr := 17.0
	h.monitor.HandleTelemetry(bus.Telemetry{ConnectionID: "ghost", OSNR: &osnr})
	_, ok := h.monitor.StatusOf("ghost")
	assert.False(t, ok)
}
