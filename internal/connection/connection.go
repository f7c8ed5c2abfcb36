// Package connection owns the connection lifecycle: the state machine, the
// multi-resource create transaction against the link database, and the
// in-memory view the QoT monitor and the API read from.
package connection

import (
	"sync"
	"time"

	"github.com/lightwavelabs/lightwave/internal/metrics"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

// QoTSample is one telemetry reading kept in the connection's bounded
// history.
type QoTSample struct {
	OSNR      float64
	PreFECBER float64
	TxPowerA  *float64
	TxPowerZ  *float64
	At        time.Time
}

// Connection is the in-memory record of one provisioned lightpath. All
// lifecycle transitions go through apply, guarded by the per-connection
// mutex; the manager never mutates a connection without holding it.
type Connection struct {
	mu sync.Mutex

	ID             string
	Status         Status
	SourcePop      string
	DestinationPop string

	// Endpoint addressing for agent commands. Routers are always set, the
	// interface names only when the caller pinned specific ports.
	SourceRouter         string
	DestinationRouter    string
	SourceInterface      string
	DestinationInterface string

	BandwidthGbps float64
	Modulation    string
	EstimatedOSNR float64

	PathLinks []string
	Slots     []int

	ReconfigCount  int
	ReconfigReason string
	LastReconfigAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	history    []QoTSample
	historyCap int
}

// apply performs one FSM transition under the connection mutex. Illegal
// transitions return FSM_REJECT and leave the connection untouched.
func (c *Connection) apply(event Event, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	to, ok := nextStatus(c.Status, event)
	if !ok {
		metrics.FSMRejects.WithLabelValues(string(event)).Inc()
		return sdnerr.Newf(sdnerr.CodeFSMReject, "connection %s: event %s invalid in state %s", c.ID, event, c.Status)
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// RecordSample appends a telemetry reading to the bounded history, evicting
// the oldest when full.
func (c *Connection) RecordSample(s QoTSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.historyCap <= 0 {
		c.historyCap = 100
	}
	if len(c.history) == c.historyCap {
		copy(c.history, c.history[1:])
		c.history = c.history[:c.historyCap-1]
	}
	c.history = append(c.history, s)
}

// RecentSamples returns the newest n samples, oldest first. Fewer are
// returned when the history is shorter.
func (c *Connection) RecentSamples(n int) []QoTSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.history) {
		n = len(c.history)
	}
	out := make([]QoTSample, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// CurrentStatus reads the status under the connection mutex.
func (c *Connection) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// Snapshot returns a copy safe to hand outside the manager. The history is
// not included; use RecentSamples for that.
func (c *Connection) Snapshot() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Connection{
		ID:                   c.ID,
		Status:               c.Status,
		SourcePop:            c.SourcePop,
		DestinationPop:       c.DestinationPop,
		SourceRouter:         c.SourceRouter,
		DestinationRouter:    c.DestinationRouter,
		SourceInterface:      c.SourceInterface,
		DestinationInterface: c.DestinationInterface,
		BandwidthGbps:        c.BandwidthGbps,
		Modulation:           c.Modulation,
		EstimatedOSNR:        c.EstimatedOSNR,
		PathLinks:            append([]string(nil), c.PathLinks...),
		Slots:                append([]int(nil), c.Slots...),
		ReconfigCount:        c.ReconfigCount,
		ReconfigReason:       c.ReconfigReason,
		LastReconfigAt:       c.LastReconfigAt,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	return out
}
