// Package qot closes the control loop on optical quality of transmission:
// it ingests telemetry, detects persistent degradation, and drives bounded
// Tx-power corrections through the connection manager and the dispatcher.
package qot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lightwavelabs/lightwave/internal/agent"
	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/config"
	"github.com/lightwavelabs/lightwave/internal/connection"
	"github.com/lightwavelabs/lightwave/internal/metrics"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

// Level is the monitor's per-connection degradation classification. It is
// independent of the connection FSM: a reconfigured connection returns to
// ACTIVE immediately but stays DEGRADED here until its samples recover.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelDegraded Level = "DEGRADED"
	LevelCritical Level = "CRITICAL"
)

const ReasonQoTDegradation = "QOT_DEGRADATION"

// ConnManager is the lifecycle surface the monitor drives.
type ConnManager interface {
	Get(connID string) (*connection.Connection, error)
	MarkDegraded(ctx context.Context, connID, level string) error
	StartReconfiguration(ctx context.Context, connID, reason string) error
	CompleteReconfiguration(ctx context.Context, connID string) error
	FailReconfiguration(ctx context.Context, connID, reason string) error
}

// Reconfigurer sends the per-endpoint power adjustments.
type Reconfigurer interface {
	DispatchReconfig(ctx context.Context, connID, reason string, adjustments []agent.Adjustment) error
}

type MonitorConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Manager    ConnManager
	Dispatcher Reconfigurer

	OSNRThreshold      float64
	CriticalOSNR       float64
	BERThreshold       float64
	PersistencySamples int
	Cooldown           time.Duration
	TxStepDB           float64
	TxMinDBM           float64
	TxMaxDBM           float64
	AdjustMode         config.AdjustMode
	EfficiencyAdjust   bool
	MaxReconfigs       int
	SweepInterval      time.Duration
}

func (c *MonitorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Manager == nil {
		return errors.New("connection manager is required")
	}
	if c.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OSNRThreshold == 0 {
		c.OSNRThreshold = config.DefaultOSNRThreshold
	}
	if c.CriticalOSNR == 0 {
		c.CriticalOSNR = config.DefaultCriticalOSNR
	}
	if c.BERThreshold == 0 {
		c.BERThreshold = config.DefaultBERThreshold
	}
	if c.PersistencySamples == 0 {
		c.PersistencySamples = config.DefaultPersistencySamples
	}
	if c.Cooldown == 0 {
		c.Cooldown = config.DefaultCooldown
	}
	if c.TxStepDB == 0 {
		c.TxStepDB = config.DefaultTxStepDB
	}
	if c.TxMinDBM == 0 {
		c.TxMinDBM = config.DefaultTxMinDBM
	}
	if c.TxMaxDBM == 0 && c.TxMinDBM >= 0 {
		return errors.New("tx power range is empty")
	}
	if c.AdjustMode == "" {
		c.AdjustMode = config.AdjustBoth
	}
	if c.MaxReconfigs == 0 {
		c.MaxReconfigs = config.DefaultMaxReconfigs
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = config.DefaultRecoverySweepPeriod
	}
	return nil
}

// connState is the monitor's bookkeeping for one connection. The sample
// FIFO itself lives on the connection.
type connState struct {
	level           Level
	lastDegradation time.Time
	reconfigCount   int
	lastReconfig    time.Time
	cooldownUntil   time.Time
}

func (s *connState) inCooldown(now time.Time) bool {
	return now.Before(s.cooldownUntil)
}

// Status is a read-only view of one connection's monitor state.
type Status struct {
	ConnectionID    string
	Level           Level
	ReconfigCount   int
	InCooldown      bool
	LastDegradation time.Time
	LastReconfig    time.Time
	CooldownUntil   time.Time
}

// Monitor evaluates telemetry against the degradation thresholds and owns
// the reconfiguration policy. The monitor lock guards only the state map;
// it is never held across a manager or dispatcher call.
type Monitor struct {
	log        *slog.Logger
	clock      clockwork.Clock
	manager    ConnManager
	dispatcher Reconfigurer
	cfg        *MonitorConfig

	mu     sync.Mutex
	states map[string]*connState
}

func NewMonitor(cfg *MonitorConfig) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Monitor{
		log:        cfg.Logger.With("component", "qot"),
		clock:      cfg.Clock,
		manager:    cfg.Manager,
		dispatcher: cfg.Dispatcher,
		cfg:        cfg,
		states:     map[string]*connState{},
	}, nil
}

// HandleTelemetry ingests one sample. Wire it to the consumer's telemetry
// callback.
func (m *Monitor) HandleTelemetry(t bus.Telemetry) {
	if t.ConnectionID == "" {
		return
	}
	conn, err := m.manager.Get(t.ConnectionID)
	if err != nil {
		m.log.Debug("telemetry for unknown connection", "connection", t.ConnectionID)
		return
	}
	metrics.TelemetrySamples.Inc()

	sample := connection.QoTSample{At: t.At}
	if t.OSNR != nil {
		sample.OSNR = *t.OSNR
	}
	if t.PreFECBER != nil {
		sample.PreFECBER = *t.PreFECBER
	}
	if t.TxPower != nil {
		sample.TxPowerA = t.TxPower
	}
	conn.RecordSample(sample)

	now := m.clock.Now()
	m.mu.Lock()
	state, ok := m.states[t.ConnectionID]
	if !ok {
		state = &connState{level: LevelNormal}
		m.states[t.ConnectionID] = state
	}
	if state.inCooldown(now) {
		m.mu.Unlock()
		return
	}
	oldLevel := state.level
	m.mu.Unlock()

	newLevel := m.classify(conn.RecentSamples(m.cfg.PersistencySamples))
	if newLevel == oldLevel {
		return
	}

	m.mu.Lock()
	state.level = newLevel
	if newLevel != LevelNormal {
		state.lastDegradation = now
	}
	m.mu.Unlock()

	if newLevel == LevelNormal {
		m.log.Info("connection recovered", "connection", t.ConnectionID, "from", oldLevel)
		return
	}

	metrics.Degradations.WithLabelValues(string(newLevel)).Inc()
	m.log.Warn("connection degraded",
		"connection", t.ConnectionID, "from", oldLevel, "to", newLevel,
		"osnr", t.OSNR, "pre_fec_ber", t.PreFECBER)

	ctx := context.Background()
	if err := m.manager.MarkDegraded(ctx, t.ConnectionID, string(newLevel)); err != nil {
		// Not ACTIVE (mid-setup or already degraded): nothing to mark, but a
		// DEGRADED connection can still escalate into reconfiguration.
		if !sdnerr.HasCode(err, sdnerr.CodeFSMReject) {
			m.log.Error("mark degraded", "connection", t.ConnectionID, "error", err)
			return
		}
	}
	m.maybeReconfigure(ctx, conn, state)
}

// classify applies the persistency rule over the most recent samples:
// every sample critical makes the level CRITICAL, every sample at least
// degraded makes it DEGRADED, anything healthy in the window means NORMAL.
func (m *Monitor) classify(samples []connection.QoTSample) Level {
	if len(samples) < m.cfg.PersistencySamples {
		return LevelNormal
	}
	allCritical := true
	allDegraded := true
	for _, s := range samples {
		if !m.sampleCritical(s) {
			allCritical = false
		}
		if !m.sampleCritical(s) && !m.sampleDegraded(s) {
			allDegraded = false
		}
	}
	switch {
	case allCritical:
		return LevelCritical
	case allDegraded:
		return LevelDegraded
	default:
		return LevelNormal
	}
}

// A zero OSNR or BER means the agent did not report that field; absent
// fields never count against a sample.

func (m *Monitor) sampleCritical(s connection.QoTSample) bool {
	return (s.OSNR != 0 && s.OSNR < m.cfg.CriticalOSNR) ||
		(s.PreFECBER != 0 && s.PreFECBER > m.cfg.BERThreshold*10)
}

func (m *Monitor) sampleDegraded(s connection.QoTSample) bool {
	return (s.OSNR != 0 && s.OSNR < m.cfg.OSNRThreshold) ||
		(s.PreFECBER != 0 && s.PreFECBER > m.cfg.BERThreshold)
}

// maybeReconfigure runs the bounded correction: at most MaxReconfigs
// attempts per connection, one per cooldown window.
func (m *Monitor) maybeReconfigure(ctx context.Context, conn *connection.Connection, state *connState) {
	connID := conn.ID
	now := m.clock.Now()

	m.mu.Lock()
	if state.reconfigCount >= m.cfg.MaxReconfigs {
		m.mu.Unlock()
		m.log.Warn("reconfiguration budget exhausted", "connection", connID, "attempts", m.cfg.MaxReconfigs)
		return
	}
	if state.inCooldown(now) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.manager.StartReconfiguration(ctx, connID, ReasonQoTDegradation); err != nil {
		m.log.Warn("reconfiguration rejected", "connection", connID, "error", err)
		return
	}

	samples := conn.RecentSamples(1)
	if len(samples) == 0 {
		m.abortReconfiguration(ctx, connID, "no telemetry")
		return
	}
	adjustments := m.planAdjustments(conn, samples[0])
	if len(adjustments) == 0 {
		m.abortReconfiguration(ctx, connID, "no adjustment applicable")
		return
	}

	if err := m.dispatcher.DispatchReconfig(ctx, connID, ReasonQoTDegradation, adjustments); err != nil {
		metrics.Reconfigurations.WithLabelValues("error").Inc()
		m.log.Error("reconfiguration dispatch failed", "connection", connID, "error", err)
		if ferr := m.manager.FailReconfiguration(ctx, connID, err.Error()); ferr != nil {
			m.log.Error("fail reconfiguration", "connection", connID, "error", ferr)
		}
		return
	}

	m.mu.Lock()
	state.reconfigCount++
	state.lastReconfig = now
	state.cooldownUntil = now.Add(m.cfg.Cooldown)
	count := state.reconfigCount
	m.mu.Unlock()

	metrics.Reconfigurations.WithLabelValues("ok").Inc()
	if err := m.manager.CompleteReconfiguration(ctx, connID); err != nil {
		m.log.Error("complete reconfiguration", "connection", connID, "error", err)
		return
	}
	m.log.Info("reconfiguration applied", "connection", connID, "attempt", count, "cooldown_until", state.cooldownUntil)
}

func (m *Monitor) abortReconfiguration(ctx context.Context, connID, reason string) {
	m.log.Warn("reconfiguration aborted", "connection", connID, "reason", reason)
	if err := m.manager.FailReconfiguration(ctx, connID, reason); err != nil {
		m.log.Error("fail reconfiguration", "connection", connID, "error", err)
	}
}

// planAdjustments derives each end's power change from the latest sample.
// When current power is known the absolute clipped target is sent; otherwise
// the agent clips locally against the carried bounds.
func (m *Monitor) planAdjustments(conn *connection.Connection, latest connection.QoTSample) []agent.Adjustment {
	var delta float64
	switch {
	case m.sampleCritical(latest) || m.sampleDegraded(latest):
		delta = m.cfg.TxStepDB
	case m.cfg.EfficiencyAdjust && latest.OSNR != 0 && latest.OSNR > m.cfg.OSNRThreshold+3:
		delta = -m.cfg.TxStepDB
	default:
		return nil
	}

	srcDelta, dstDelta := delta, delta
	switch m.cfg.AdjustMode {
	case config.AdjustSource:
		dstDelta = 0
	case config.AdjustDestination:
		srcDelta = 0
	}

	snap := conn.Snapshot()
	ends := []struct {
		ep        agent.Endpoint
		direction string
		delta     float64
	}{
		{agent.Endpoint{Pop: snap.SourcePop, Router: snap.SourceRouter, Interface: snap.SourceInterface}, "source", srcDelta},
		{agent.Endpoint{Pop: snap.DestinationPop, Router: snap.DestinationRouter, Interface: snap.DestinationInterface}, "destination", dstDelta},
	}
	var out []agent.Adjustment
	for _, end := range ends {
		if end.delta == 0 {
			continue
		}
		params := bus.ReconfigParams{
			TxDeltaDB: end.delta,
			TxMinDBM:  m.cfg.TxMinDBM,
			TxMaxDBM:  m.cfg.TxMaxDBM,
		}
		if latest.TxPowerA != nil {
			target := clip(*latest.TxPowerA+end.delta, m.cfg.TxMinDBM, m.cfg.TxMaxDBM)
			params.TxPowerDBM = &target
		}
		out = append(out, agent.Adjustment{Endpoint: end.ep, Direction: end.direction, Params: params})
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RunSweep periodically returns connections whose recent samples are all
// healthy to NORMAL, without issuing any commands.
func (m *Monitor) RunSweep(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	candidates := make(map[string]*connState, len(m.states))
	for id, state := range m.states {
		if state.level != LevelNormal && !state.inCooldown(now) {
			candidates[id] = state
		}
	}
	m.mu.Unlock()

	for id, state := range candidates {
		conn, err := m.manager.Get(id)
		if err != nil {
			m.mu.Lock()
			delete(m.states, id)
			m.mu.Unlock()
			continue
		}
		samples := conn.RecentSamples(m.cfg.PersistencySamples)
		if len(samples) < m.cfg.PersistencySamples {
			continue
		}
		healthy := true
		for _, s := range samples {
			if m.sampleCritical(s) || m.sampleDegraded(s) {
				healthy = false
				break
			}
		}
		if !healthy {
			continue
		}
		m.mu.Lock()
		state.level = LevelNormal
		m.mu.Unlock()
		metrics.Recoveries.Inc()
		m.log.Info("connection recovered by sweep", "connection", id)
	}
}

// StatusOf reports the monitor's view of one connection.
func (m *Monitor) StatusOf(connID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[connID]
	if !ok {
		return Status{}, false
	}
	return Status{
		ConnectionID:    connID,
		Level:           state.level,
		ReconfigCount:   state.reconfigCount,
		InCooldown:      state.inCooldown(m.clock.Now()),
		LastDegradation: state.lastDegradation,
		LastReconfig:    state.lastReconfig,
		CooldownUntil:   state.cooldownUntil,
	}, true
}

// Snapshot reports all monitored connections.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.StatusOf(id); ok {
			out = append(out, st)
		}
	}
	return out
}
