package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lightwavelabs/lightwave/internal/linkdb"
	"github.com/lightwavelabs/lightwave/internal/metrics"
	"github.com/lightwavelabs/lightwave/internal/rsa"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

const DefaultModulation = "DP-16QAM"

type ManagerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   linkdb.Store
	Planner *rsa.Planner

	// StoreTimeout bounds every store round-trip made on behalf of one
	// lifecycle operation.
	StoreTimeout time.Duration

	// HistorySize caps each connection's telemetry FIFO.
	HistorySize int
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Planner == nil {
		return fmt.Errorf("planner is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	return nil
}

// CreateRequest describes a new point-to-point demand. Routers and interface
// names are optional; when an interface is pinned its router must be named
// too.
type CreateRequest struct {
	SourcePop            string
	DestinationPop       string
	SourceRouter         string
	DestinationRouter    string
	SourceInterface      string
	DestinationInterface string
	BandwidthGbps        float64
	Modulation           string
}

// Manager sequences connection lifecycles over the link database. Creates
// are serialized per controller; other operations take only the per
// connection mutex, and no store I/O happens while the registry lock is
// held.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock
	store linkdb.Store
	rsa   *rsa.Planner
	cfg   *ManagerConfig

	mu    sync.RWMutex
	conns map[string]*Connection
	pops  map[string]linkdb.PopNode
	links map[string]linkdb.NetworkLink

	createMu sync.Mutex
}

func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{
		log:   cfg.Logger.With("component", "connections"),
		clock: cfg.Clock,
		store: cfg.Store,
		rsa:   cfg.Planner,
		cfg:   cfg,
		conns: map[string]*Connection{},
		pops:  map[string]linkdb.PopNode{},
		links: map[string]linkdb.NetworkLink{},
	}, nil
}

// ReloadTopology refreshes the pop and link view from the store. Called at
// startup and whenever the slice manager reshapes the tenant topology.
func (m *Manager) ReloadTopology(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	pops, links, err := m.store.LoadTopology(ctx)
	if err != nil {
		return sdnerr.Wrap(sdnerr.CodeStore, "load topology", err)
	}
	m.mu.Lock()
	m.pops = pops
	m.links = links
	m.mu.Unlock()
	m.log.Info("topology loaded", "pops", len(pops), "links", len(links))
	return nil
}

// Create runs the multi-resource create transaction: validate, plan, persist
// PENDING, allocate, then move to SETUP_IN_PROGRESS. Any allocation failure
// rolls back everything already taken and deletes the record, so a failed
// create leaves no residue.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Connection, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	conn, err := m.create(ctx, req)
	if err != nil {
		metrics.ConnectionCreateFailures.WithLabelValues(string(sdnerr.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.ConnectionsCreated.Inc()
	metrics.ConnectionsActive.Inc()
	return conn, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (_ *Connection, err error) {
	if req.Modulation == "" {
		req.Modulation = DefaultModulation
	}
	if req.BandwidthGbps <= 0 {
		return nil, sdnerr.New(sdnerr.CodeInvalidRequest, "bandwidth must be positive")
	}
	if req.SourcePop == req.DestinationPop {
		return nil, sdnerr.New(sdnerr.CodeInvalidRequest, "source and destination pops must differ")
	}

	m.mu.RLock()
	srcPop, srcOK := m.pops[req.SourcePop]
	dstPop, dstOK := m.pops[req.DestinationPop]
	links := m.links
	m.mu.RUnlock()
	if !srcOK {
		return nil, sdnerr.Newf(sdnerr.CodeInvalidRequest, "unknown pop %q", req.SourcePop)
	}
	if !dstOK {
		return nil, sdnerr.Newf(sdnerr.CodeInvalidRequest, "unknown pop %q", req.DestinationPop)
	}

	srcRouter, err := endpointRouter(srcPop, req.SourceRouter, req.SourceInterface)
	if err != nil {
		return nil, err
	}
	dstRouter, err := endpointRouter(dstPop, req.DestinationRouter, req.DestinationInterface)
	if err != nil {
		return nil, err
	}

	if err := m.checkInterfaceAvailable(ctx, req.SourcePop, srcRouter, req.SourceInterface); err != nil {
		return nil, err
	}
	if err := m.checkInterfaceAvailable(ctx, req.DestinationPop, dstRouter, req.DestinationInterface); err != nil {
		return nil, err
	}

	plan, err := m.rsa.Plan(ctx, links, m.store, req.SourcePop, req.DestinationPop, req.BandwidthGbps, req.Modulation)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	connID := "conn-" + uuid.NewString()[:8]

	// Everything taken from here on is undone when the create fails: resource
	// releases in reverse order, then the record.
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		if derr := m.withStoreTimeout(ctx, func(ctx context.Context) error {
			return m.store.DeleteConnectionRecord(ctx, connID)
		}); derr != nil {
			m.log.Error("rollback: delete connection record", "connection", connID, "error", derr)
		}
	}()

	rec := linkdb.ConnectionRecord{
		Status:               string(StatusPending),
		SourcePop:            req.SourcePop,
		DestinationPop:       req.DestinationPop,
		SourceInterface:      req.SourceInterface,
		DestinationInterface: req.DestinationInterface,
		BandwidthGbps:        req.BandwidthGbps,
		Modulation:           req.Modulation,
		EstimatedOSNR:        plan.EstimatedOSNR,
		PathLinks:            plan.PathLinks,
		Details: map[string]string{
			"source_router":      srcRouter,
			"destination_router": dstRouter,
		},
	}
	if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		return m.store.CreateConnectionRecord(ctx, connID, rec)
	}); err != nil {
		return nil, sdnerr.Wrap(sdnerr.CodeStore, "persist connection record", err)
	}

	undo, err = m.allocate(ctx, connID, req, srcRouter, dstRouter, plan)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:                   connID,
		Status:               StatusPending,
		SourcePop:            req.SourcePop,
		DestinationPop:       req.DestinationPop,
		SourceRouter:         srcRouter,
		DestinationRouter:    dstRouter,
		SourceInterface:      req.SourceInterface,
		DestinationInterface: req.DestinationInterface,
		BandwidthGbps:        req.BandwidthGbps,
		Modulation:           req.Modulation,
		EstimatedOSNR:        plan.EstimatedOSNR,
		PathLinks:            plan.PathLinks,
		Slots:                plan.Slots,
		CreatedAt:            now,
		UpdatedAt:            now,
		historyCap:           m.cfg.HistorySize,
	}
	if err = conn.apply(EventSetupRequested, now); err != nil {
		return nil, err
	}
	// The durable record must agree with what the caller is told: a failed
	// status write fails the create and rolls everything back.
	if err = m.withStoreTimeout(ctx, func(ctx context.Context) error {
		return m.store.UpdateConnectionStatus(ctx, connID, string(StatusSetupInProgress), nil)
	}); err != nil {
		return nil, sdnerr.Wrap(sdnerr.CodeStore, "persist connection status", err)
	}

	m.mu.Lock()
	m.conns[connID] = conn
	m.mu.Unlock()

	m.log.Info("connection created",
		"connection", connID,
		"source", req.SourcePop, "destination", req.DestinationPop,
		"bandwidth_gbps", req.BandwidthGbps, "modulation", req.Modulation,
		"path", plan.PathLinks, "slots", plan.Slots,
		"estimated_osnr", plan.EstimatedOSNR)
	return conn, nil
}

// allocate takes the endpoint interfaces and every per-link slot set,
// returning the undo closures for everything it took. On failure the undo
// list covers the partial allocation so the caller can roll it back.
func (m *Manager) allocate(ctx context.Context, connID string, req CreateRequest, srcRouter, dstRouter string, plan *rsa.Assignment) (undo []func(), err error) {
	type endpoint struct {
		pop, router, iface string
	}
	for _, ep := range []endpoint{
		{req.SourcePop, srcRouter, req.SourceInterface},
		{req.DestinationPop, dstRouter, req.DestinationInterface},
	} {
		if ep.iface == "" {
			continue
		}
		ep := ep
		var ok bool
		if err = m.withStoreTimeout(ctx, func(ctx context.Context) error {
			var aerr error
			ok, aerr = m.store.AllocateInterface(ctx, ep.pop, ep.router, ep.iface, connID)
			return aerr
		}); err != nil {
			return undo, sdnerr.Wrap(sdnerr.CodeStore, "allocate interface", err)
		}
		if !ok {
			return undo, sdnerr.Newf(sdnerr.CodeResourceUnavailable, "interface %s/%s/%s is not available", ep.pop, ep.router, ep.iface)
		}
		undo = append(undo, func() {
			if _, rerr := m.store.ReleaseInterface(ctx, ep.pop, ep.router, ep.iface); rerr != nil {
				m.log.Error("rollback: release interface", "connection", connID, "interface", ep.iface, "error", rerr)
			}
		})
	}

	for _, linkID := range plan.PathLinks {
		linkID := linkID
		var ok bool
		if err = m.withStoreTimeout(ctx, func(ctx context.Context) error {
			var aerr error
			ok, aerr = m.store.AllocateSpectrumSlots(ctx, linkID, connID, plan.Slots)
			return aerr
		}); err != nil {
			return undo, sdnerr.Wrap(sdnerr.CodeStore, "allocate spectrum", err)
		}
		if !ok {
			// Someone took the slots between planning and allocation.
			return undo, sdnerr.Newf(sdnerr.CodeNoSpectrum, "slots %v no longer free on %s", plan.Slots, linkID)
		}
		undo = append(undo, func() {
			if _, rerr := m.store.ReleaseSpectrumSlots(ctx, linkID, connID); rerr != nil {
				m.log.Error("rollback: release spectrum", "connection", connID, "link", linkID, "error", rerr)
			}
		})
	}
	return undo, nil
}

// Teardown releases every resource the connection holds, deletes the record
// and drops the in-memory entry. Idempotent and best-effort: release
// failures are logged, never fatal.
func (m *Manager) Teardown(ctx context.Context, connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	rec, err := m.getRecord(ctx, connID)
	if err != nil && !sdnerr.HasCode(err, sdnerr.CodeNotFound) {
		return err
	}
	if conn == nil && rec == nil {
		// Nothing anywhere: teardown of the unknown succeeds.
		return nil
	}

	now := m.clock.Now()
	if conn != nil {
		if terr := conn.apply(EventTeardownRequested, now); terr != nil {
			m.log.Warn("teardown forced past lifecycle", "connection", connID, "state", conn.CurrentStatus(), "error", terr)
		}
		metrics.ConnectionsActive.Dec()
	}

	pathLinks := pathLinksOf(conn, rec)
	for _, linkID := range pathLinks {
		if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
			_, rerr := m.store.ReleaseSpectrumSlots(ctx, linkID, connID)
			return rerr
		}); err != nil {
			m.log.Error("teardown: release spectrum", "connection", connID, "link", linkID, "error", err)
		}
	}
	for _, ep := range endpointsOf(conn, rec) {
		if ep.iface == "" {
			continue
		}
		ep := ep
		if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
			_, rerr := m.store.ReleaseInterface(ctx, ep.pop, ep.router, ep.iface)
			return rerr
		}); err != nil {
			m.log.Error("teardown: release interface", "connection", connID, "interface", ep.iface, "error", err)
		}
	}
	if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		return m.store.DeleteConnectionRecord(ctx, connID)
	}); err != nil {
		m.log.Error("teardown: delete record", "connection", connID, "error", err)
	}
	if conn != nil {
		if terr := conn.apply(EventTeardownCompleted, now); terr != nil {
			m.log.Warn("teardown completion rejected", "connection", connID, "error", terr)
		}
	}
	metrics.Teardowns.Inc()
	m.log.Info("connection torn down", "connection", connID)
	return nil
}

// CompleteSetup moves the connection to ACTIVE after setup commands went
// out.
func (m *Manager) CompleteSetup(ctx context.Context, connID string) error {
	return m.transition(ctx, connID, EventSetupCompleted, nil)
}

// FailSetup marks setup as failed. Allocated resources stay held until the
// operator tears the connection down.
func (m *Manager) FailSetup(ctx context.Context, connID, reason string) error {
	return m.transition(ctx, connID, EventSetupFailed, map[string]string{"failure_reason": reason})
}

// MarkDegraded records a QoT degradation on an ACTIVE connection.
func (m *Manager) MarkDegraded(ctx context.Context, connID, level string) error {
	return m.transition(ctx, connID, EventDegradation, map[string]string{"degradation_level": level})
}

// StartReconfiguration attempts the RECONFIGURING transition and records the
// reason and attempt count on the connection.
func (m *Manager) StartReconfiguration(ctx context.Context, connID, reason string) error {
	conn, err := m.Get(connID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	if err := conn.apply(EventReconfigRequested, now); err != nil {
		return err
	}
	conn.mu.Lock()
	conn.ReconfigCount++
	conn.ReconfigReason = reason
	conn.LastReconfigAt = now
	count := conn.ReconfigCount
	conn.mu.Unlock()
	m.persistStatus(ctx, connID, StatusReconfiguring, map[string]string{
		"reconfig_reason": reason,
		"reconfig_count":  fmt.Sprintf("%d", count),
	})
	return nil
}

// CompleteReconfiguration returns a RECONFIGURING connection to ACTIVE.
func (m *Manager) CompleteReconfiguration(ctx context.Context, connID string) error {
	return m.transition(ctx, connID, EventReconfigCompleted, nil)
}

// FailReconfiguration drops a RECONFIGURING connection back to DEGRADED.
func (m *Manager) FailReconfiguration(ctx context.Context, connID, reason string) error {
	return m.transition(ctx, connID, EventReconfigFailed, map[string]string{"reconfig_failure": reason})
}

func (m *Manager) transition(ctx context.Context, connID string, event Event, details map[string]string) error {
	conn, err := m.Get(connID)
	if err != nil {
		return err
	}
	if err := conn.apply(event, m.clock.Now()); err != nil {
		return err
	}
	m.persistStatus(ctx, connID, conn.CurrentStatus(), details)
	return nil
}

// Get returns the live connection. Callers must treat it as owned by the
// manager and use Snapshot for copies.
func (m *Manager) Get(connID string) (*Connection, error) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, sdnerr.Newf(sdnerr.CodeNotFound, "connection %s not found", connID)
	}
	return conn, nil
}

// List returns snapshots of all tracked connections sorted by id.
func (m *Manager) List() []Connection {
	m.mu.RLock()
	out := make([]Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts tracked connections per status.
func (m *Manager) Stats() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[Status]int{}
	for _, conn := range m.conns {
		out[conn.CurrentStatus()]++
	}
	return out
}

// RebuildFromStore repopulates the in-memory map from persisted records
// after a restart. Slot occupancy is read back from the path links.
func (m *Manager) RebuildFromStore(ctx context.Context) error {
	var ids []string
	if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		ids, lerr = m.store.ListConnectionIDs(ctx)
		return lerr
	}); err != nil {
		return sdnerr.Wrap(sdnerr.CodeStore, "list connections", err)
	}

	restored := 0
	for _, id := range ids {
		rec, err := m.getRecord(ctx, id)
		if err != nil {
			m.log.Error("rebuild: read record", "connection", id, "error", err)
			continue
		}
		status := Status(rec.Status)
		if status == StatusTerminated {
			continue
		}
		var slots []int
		if len(rec.PathLinks) > 0 {
			first := rec.PathLinks[0]
			if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
				occupied, oerr := m.store.OccupiedSlots(ctx, first)
				if oerr != nil {
					return oerr
				}
				slots = occupied[id]
				return nil
			}); err != nil {
				m.log.Error("rebuild: read slot occupancy", "connection", id, "link", first, "error", err)
			}
		}
		conn := &Connection{
			ID:                   id,
			Status:               status,
			SourcePop:            rec.SourcePop,
			DestinationPop:       rec.DestinationPop,
			SourceRouter:         rec.Details["source_router"],
			DestinationRouter:    rec.Details["destination_router"],
			SourceInterface:      rec.SourceInterface,
			DestinationInterface: rec.DestinationInterface,
			BandwidthGbps:        rec.BandwidthGbps,
			Modulation:           rec.Modulation,
			EstimatedOSNR:        rec.EstimatedOSNR,
			PathLinks:            rec.PathLinks,
			Slots:                slots,
			CreatedAt:            rec.CreatedAt,
			UpdatedAt:            rec.UpdatedAt,
			historyCap:           m.cfg.HistorySize,
		}
		m.mu.Lock()
		m.conns[id] = conn
		m.mu.Unlock()
		metrics.ConnectionsActive.Inc()
		restored++
	}
	m.log.Info("connections rebuilt from store", "restored", restored, "records", len(ids))
	return nil
}

func (m *Manager) checkInterfaceAvailable(ctx context.Context, pop, router, iface string) error {
	if iface == "" {
		return nil
	}
	var names []string
	if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		var lerr error
		names, lerr = m.store.AvailableInterfaces(ctx, pop, router)
		return lerr
	}); err != nil {
		return sdnerr.Wrap(sdnerr.CodeStore, "list interfaces", err)
	}
	for _, name := range names {
		if name == iface {
			return nil
		}
	}
	return sdnerr.Newf(sdnerr.CodeResourceUnavailable, "interface %s/%s/%s is not available", pop, router, iface)
}

func (m *Manager) persistStatus(ctx context.Context, connID string, status Status, details map[string]string) {
	if err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		return m.store.UpdateConnectionStatus(ctx, connID, string(status), details)
	}); err != nil {
		m.log.Error("persist status", "connection", connID, "status", status, "error", err)
	}
}

func (m *Manager) getRecord(ctx context.Context, connID string) (*linkdb.ConnectionRecord, error) {
	var rec *linkdb.ConnectionRecord
	err := m.withStoreTimeout(ctx, func(ctx context.Context) error {
		var gerr error
		rec, gerr = m.store.GetConnectionRecord(ctx, connID)
		return gerr
	})
	if err != nil {
		if errors.Is(err, linkdb.ErrNotFound) {
			return nil, sdnerr.Wrap(sdnerr.CodeNotFound, fmt.Sprintf("connection %s", connID), err)
		}
		return nil, sdnerr.Wrap(sdnerr.CodeStore, "read connection record", err)
	}
	return rec, nil
}

func (m *Manager) withStoreTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func endpointRouter(pop linkdb.PopNode, router, iface string) (string, error) {
	if router != "" {
		for _, r := range pop.Routers {
			if r == router {
				return router, nil
			}
		}
		return "", sdnerr.Newf(sdnerr.CodeInvalidRequest, "pop %s has no router %q", pop.ID, router)
	}
	if iface != "" {
		return "", sdnerr.Newf(sdnerr.CodeInvalidRequest, "interface %q pinned without a router", iface)
	}
	if len(pop.Routers) == 0 {
		return "", sdnerr.Newf(sdnerr.CodeInvalidRequest, "pop %s has no routers", pop.ID)
	}
	return pop.Routers[0], nil
}

type endpointRef struct {
	pop, router, iface string
}

func pathLinksOf(conn *Connection, rec *linkdb.ConnectionRecord) []string {
	if conn != nil {
		return conn.Snapshot().PathLinks
	}
	if rec != nil {
		return rec.PathLinks
	}
	return nil
}

func endpointsOf(conn *Connection, rec *linkdb.ConnectionRecord) []endpointRef {
	if conn != nil {
		s := conn.Snapshot()
		return []endpointRef{
			{s.SourcePop, s.SourceRouter, s.SourceInterface},
			{s.DestinationPop, s.DestinationRouter, s.DestinationInterface},
		}
	}
	if rec != nil {
		return []endpointRef{
			{rec.SourcePop, rec.Details["source_router"], rec.SourceInterface},
			{rec.DestinationPop, rec.Details["destination_router"], rec.DestinationInterface},
		}
	}
	return nil
}
