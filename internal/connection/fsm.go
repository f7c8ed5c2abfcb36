package connection

// Status is a connection lifecycle state.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusSetupInProgress    Status = "SETUP_IN_PROGRESS"
	StatusActive             Status = "ACTIVE"
	StatusDegraded           Status = "DEGRADED"
	StatusReconfiguring      Status = "RECONFIGURING"
	StatusTeardownInProgress Status = "TEARDOWN_IN_PROGRESS"
	StatusTerminated         Status = "TERMINATED"
	StatusFailed             Status = "FAILED"
)

// Event drives the connection lifecycle machine.
type Event string

const (
	EventSetupRequested    Event = "SETUP_REQUESTED"
	EventSetupCompleted    Event = "SETUP_COMPLETED"
	EventSetupFailed       Event = "SETUP_FAILED"
	EventDegradation       Event = "DEGRADATION_DETECTED"
	EventReconfigRequested Event = "RECONFIG_REQUESTED"
	EventReconfigCompleted Event = "RECONFIG_COMPLETED"
	EventReconfigFailed    Event = "RECONFIG_FAILED"
	EventTeardownRequested Event = "TEARDOWN_REQUESTED"
	EventTeardownCompleted Event = "TEARDOWN_COMPLETED"
	EventTeardownFailed    Event = "TEARDOWN_FAILED"
)

// transitions is the full lifecycle table. Any (status, event) pair absent
// here is invalid; TERMINATED is terminal.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventSetupRequested: StatusSetupInProgress,
		EventSetupFailed:    StatusFailed,
	},
	StatusSetupInProgress: {
		EventSetupCompleted:    StatusActive,
		EventSetupFailed:       StatusFailed,
		EventTeardownRequested: StatusTeardownInProgress,
	},
	StatusActive: {
		EventDegradation:       StatusDegraded,
		EventReconfigRequested: StatusReconfiguring,
		EventTeardownRequested: StatusTeardownInProgress,
	},
	StatusDegraded: {
		EventReconfigRequested: StatusReconfiguring,
		EventTeardownRequested: StatusTeardownInProgress,
	},
	StatusReconfiguring: {
		EventReconfigCompleted: StatusActive,
		EventReconfigFailed:    StatusDegraded,
		EventTeardownRequested: StatusTeardownInProgress,
	},
	StatusTeardownInProgress: {
		EventTeardownCompleted: StatusTerminated,
		EventTeardownFailed:    StatusFailed,
	},
	StatusFailed: {
		EventTeardownRequested: StatusTeardownInProgress,
	},
	StatusTerminated: {},
}

// nextStatus returns the state reached by applying event in from, and
// whether the transition is legal.
func nextStatus(from Status, event Event) (Status, bool) {
	row, ok := transitions[from]
	if !ok {
		return from, false
	}
	to, ok := row[event]
	return to, ok
}
