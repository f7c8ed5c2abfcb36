package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Command types the agents understand.
const (
	TypeSetupConnection    = "setupConnection"
	TypeReconfigConnection = "reconfigConnection"
	TypeInterfaceControl   = "interfaceControl"
	TypeDiscovery          = "agentDiscovery"
)

// Anchor of the flexible grid: slot 0's center frequency in GHz, ITU-T
// C-band.
const gridAnchorGHz = 191300.0

// Command is an outbound message on the config topic. TargetAgent doubles
// as the partition key; discovery broadcasts leave it empty.
type Command struct {
	Type        string         `json:"type"`
	CommandID   string         `json:"command_id"`
	Timestamp   float64        `json:"timestamp"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Connection  string         `json:"connection_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Action      string         `json:"action,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (c *Command) marshal() ([]byte, error) {
	return json.Marshal(c)
}

func newCommand(cmdType, target string, now time.Time) *Command {
	return &Command{
		Type:        cmdType,
		CommandID:   uuid.NewString(),
		Timestamp:   float64(now.UnixNano()) / 1e9,
		TargetAgent: target,
	}
}

// SetupParams carries the optical parameters for one end of a new
// connection.
type SetupParams struct {
	Pop          string
	Router       string
	Interface    string
	Direction    string // "source" or "destination"
	TxPowerDBM   float64
	FrequencyGHz float64
	Modulation   string
	PathInfo     []string
}

// NewSetupCommand builds a setupConnection command for one endpoint agent.
func NewSetupCommand(target, connID string, p SetupParams, now time.Time) *Command {
	cmd := newCommand(TypeSetupConnection, target, now)
	cmd.Connection = connID
	cmd.Parameters = map[string]any{
		"pop_id":     p.Pop,
		"router_id":  p.Router,
		"interface":  p.Interface,
		"direction":  p.Direction,
		"tx_power":   p.TxPowerDBM,
		"frequency":  p.FrequencyGHz,
		"modulation": p.Modulation,
		"path_info":  p.PathInfo,
	}
	return cmd
}

// ReconfigParams describes a power adjustment for one end. When the current
// power is unknown to the controller the delta plus bounds lets the agent
// clip locally.
type ReconfigParams struct {
	Pop          string
	Router       string
	Interface    string
	Direction    string
	TxDeltaDB    float64
	TxPowerDBM   *float64 // absolute target when current power is known
	TxMinDBM     float64
	TxMaxDBM     float64
}

// NewReconfigCommand builds a reconfigConnection command.
func NewReconfigCommand(target, connID, reason string, p ReconfigParams, now time.Time) *Command {
	cmd := newCommand(TypeReconfigConnection, target, now)
	cmd.Connection = connID
	cmd.Reason = reason
	params := map[string]any{
		"pop_id":      p.Pop,
		"router_id":   p.Router,
		"interface":   p.Interface,
		"direction":   p.Direction,
		"tx_delta_db": p.TxDeltaDB,
		"tx_min_dbm":  p.TxMinDBM,
		"tx_max_dbm":  p.TxMaxDBM,
	}
	if p.TxPowerDBM != nil {
		params["tx_power"] = *p.TxPowerDBM
	}
	cmd.Parameters = params
	return cmd
}

// NewInterfaceControlCommand builds an interfaceControl command; action is
// one of up, down, admin_down.
func NewInterfaceControlCommand(target, pop, router, iface, action string, now time.Time) *Command {
	cmd := newCommand(TypeInterfaceControl, target, now)
	cmd.Action = action
	cmd.Parameters = map[string]any{
		"pop_id":    pop,
		"router_id": router,
		"interface": iface,
		"action":    action,
	}
	return cmd
}

// NewDiscoveryCommand builds the broadcast agents answer with a heartbeat.
// No target key, so the broker spreads it across partitions.
func NewDiscoveryCommand(controllerID string, now time.Time) *Command {
	cmd := newCommand(TypeDiscovery, "", now)
	cmd.Parameters = map[string]any{"controller_id": controllerID}
	return cmd
}

// CenterFrequencyGHz maps a slot run to the center frequency of the
// resulting channel on the flexible grid.
func CenterFrequencyGHz(slots []int, slotWidthGHz float64) float64 {
	if len(slots) == 0 {
		return gridAnchorGHz
	}
	sum := 0.0
	for _, s := range slots {
		sum += float64(s)
	}
	return gridAnchorGHz + (sum/float64(len(slots)))*slotWidthGHz
}
