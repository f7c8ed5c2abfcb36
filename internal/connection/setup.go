package connection

import (
	"context"

	"github.com/lightwavelabs/lightwave/internal/agent"
	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

// SetupDispatcher sends setup commands to both endpoint agents.
type SetupDispatcher interface {
	DispatchSetup(ctx context.Context, connID string, src, dst agent.Endpoint, spec agent.SetupSpec) error
}

// SetupSpec tunes the commands sent by Setup.
type SetupSpec struct {
	SlotWidthGHz float64
	TxPowerDBM   float64
}

// Setup dispatches the setup commands for a freshly created connection and
// settles the FSM: SETUP_COMPLETED when both sends confirm, SETUP_FAILED
// otherwise. Invoked separately from Create so callers control when
// commands go out.
func (m *Manager) Setup(ctx context.Context, connID string, d SetupDispatcher, spec SetupSpec) error {
	conn, err := m.Get(connID)
	if err != nil {
		return err
	}
	snap := conn.Snapshot()
	if snap.Status != StatusSetupInProgress {
		return sdnerr.Newf(sdnerr.CodeFSMReject, "connection %s: setup dispatch invalid in state %s", connID, snap.Status)
	}
	if spec.SlotWidthGHz == 0 {
		spec.SlotWidthGHz = 12.5
	}

	err = d.DispatchSetup(ctx, connID,
		agent.Endpoint{Pop: snap.SourcePop, Router: snap.SourceRouter, Interface: snap.SourceInterface},
		agent.Endpoint{Pop: snap.DestinationPop, Router: snap.DestinationRouter, Interface: snap.DestinationInterface},
		agent.SetupSpec{
			TxPowerDBM:   spec.TxPowerDBM,
			FrequencyGHz: bus.CenterFrequencyGHz(snap.Slots, spec.SlotWidthGHz),
			Modulation:   snap.Modulation,
			PathInfo:     snap.PathLinks,
		})
	if err != nil {
		if ferr := m.FailSetup(ctx, connID, err.Error()); ferr != nil {
			m.log.Error("fail setup", "connection", connID, "error", ferr)
		}
		return sdnerr.Wrap(sdnerr.CodeBus, "dispatch setup", err)
	}
	return m.CompleteSetup(ctx, connID)
}
