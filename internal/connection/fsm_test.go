package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightwavelabs/lightwave/internal/agent"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

var allStatuses = []Status{
	StatusPending, StatusSetupInProgress, StatusActive, StatusDegraded,
	StatusReconfiguring, StatusTeardownInProgress, StatusTerminated, StatusFailed,
}

var allEvents = []Event{
	EventSetupRequested, EventSetupCompleted, EventSetupFailed,
	EventDegradation, EventReconfigRequested, EventReconfigCompleted,
	EventReconfigFailed, EventTeardownRequested, EventTeardownCompleted,
	EventTeardownFailed,
}

// Exhaustive walk: every accepted transition lands on a known status, and
// every status has a table row.
func TestTransitionTableIsClosed(t *testing.T) {
	known := map[Status]bool{}
	for _, s := range allStatuses {
		known[s] = true
	}
	for _, from := range allStatuses {
		_, hasRow := transitions[from]
		assert.True(t, hasRow, "status %s missing from table", from)
		for _, event := range allEvents {
			to, ok := nextStatus(from, event)
			if ok {
				assert.True(t, known[to], "%s + %s lands on unknown status %s", from, event, to)
			} else {
				assert.Equal(t, from, to, "rejected event must not move the status")
			}
		}
	}
}

func TestTerminatedIsTerminal(t *testing.T) {
	for _, event := range allEvents {
		_, ok := nextStatus(StatusTerminated, event)
		assert.False(t, ok, "TERMINATED must reject %s", event)
	}
}

func TestTeardownReachableFromEveryNonTerminalStatus(t *testing.T) {
	// PENDING is the one pre-resource state that skips the teardown path;
	// everything else must be able to reach TEARDOWN_IN_PROGRESS.
	for _, from := range []Status{
		StatusSetupInProgress, StatusActive, StatusDegraded,
		StatusReconfiguring, StatusFailed,
	} {
		to, ok := nextStatus(from, EventTeardownRequested)
		require.True(t, ok, "teardown must be accepted from %s", from)
		assert.Equal(t, StatusTeardownInProgress, to)
	}
}

// fakeSetupDispatcher records setup dispatches.
type fakeSetupDispatcher struct {
	calls []string
	specs []agent.SetupSpec
	fail  bool
}

func (f *fakeSetupDispatcher) DispatchSetup(_ context.Context, connID string, src, dst agent.Endpoint, spec agent.SetupSpec) error {
	if f.fail {
		return errors.New("no agents reachable")
	}
	f.calls = append(f.calls, connID)
	f.specs = append(f.specs, spec)
	return nil
}

func TestSetupDispatchesAndActivates(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)

	d := &fakeSetupDispatcher{}
	require.NoError(t, h.manager.Setup(ctx, conn.ID, d, SetupSpec{TxPowerDBM: -3}))
	assert.Equal(t, StatusActive, conn.CurrentStatus())
	require.Len(t, d.calls, 1)
	// Slots 0..1 on the 12.5 GHz grid.
	assert.Equal(t, 191306.25, d.specs[0].FrequencyGHz)
	assert.Equal(t, "DP-16QAM", d.specs[0].Modulation)
	assert.Equal(t, []string{"link12", "link23"}, d.specs[0].PathInfo)

	// A second setup call on an ACTIVE connection is rejected.
	err = h.manager.Setup(ctx, conn.ID, d, SetupSpec{})
	assert.Equal(t, sdnerr.CodeFSMReject, sdnerr.CodeOf(err))
}

func TestSetupFailureMarksFailed(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	conn, err := h.manager.Create(ctx, CreateRequest{
		SourcePop: "pop1", DestinationPop: "pop3", BandwidthGbps: 100,
	})
	require.NoError(t, err)

	err = h.manager.Setup(ctx, conn.ID, &fakeSetupDispatcher{fail: true}, SetupSpec{})
	require.Error(t, err)
	assert.Equal(t, sdnerr.CodeBus, sdnerr.CodeOf(err))
	assert.Equal(t, StatusFailed, conn.CurrentStatus())

	// FAILED connections can still be torn down.
	require.NoError(t, h.manager.Teardown(ctx, conn.ID))
}
