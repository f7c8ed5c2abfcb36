// Package agent tracks the fleet of transport agents and addresses commands
// to them. Agents announce themselves over heartbeats; commands still flow
// to agents that never spoke, via synthetic broker keys.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/metrics"
)

// Info is the registry's view of one agent.
type Info struct {
	ID            string
	Pop           string
	Router        string
	Status        bus.AgentStatus
	Capabilities  []string
	Interfaces    []string
	FirstSeen     time.Time
	LastHeartbeat time.Time
}

type RegistryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// OnlineWindow is how recent a heartbeat must be for an agent to count
	// as online.
	OnlineWindow time.Duration
	// EvictionAge is the idle age at which the reaper drops an agent.
	EvictionAge time.Duration
	// ReaperInterval is how often the reaper runs.
	ReaperInterval time.Duration
}

func (c *RegistryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OnlineWindow == 0 {
		c.OnlineWindow = 60 * time.Second
	}
	if c.EvictionAge == 0 {
		c.EvictionAge = 5 * time.Minute
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = 5 * time.Minute
	}
	return nil
}

// Registry is the in-memory agent map, fed by heartbeat callbacks from the
// bus consumer.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *RegistryConfig

	mu     sync.RWMutex
	agents map[string]*Info
}

func NewRegistry(cfg *RegistryConfig) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Registry{
		log:    cfg.Logger.With("component", "agents"),
		clock:  cfg.Clock,
		cfg:    cfg,
		agents: map[string]*Info{},
	}, nil
}

// SyntheticID is the broker key for an endpoint, whether or not an agent
// has registered for it.
func SyntheticID(pop, router string) string {
	return pop + "-" + router
}

// HandleHeartbeat registers or refreshes an agent. Wire it to the consumer's
// heartbeat callback.
func (r *Registry) HandleHeartbeat(hb bus.Heartbeat) {
	id := hb.AgentID
	if id == "" {
		if hb.Pop == "" || hb.Router == "" {
			r.log.Warn("heartbeat without agent id or endpoint, dropped")
			return
		}
		id = SyntheticID(hb.Pop, hb.Router)
	}
	now := r.clock.Now()

	r.mu.Lock()
	info, ok := r.agents[id]
	if !ok {
		info = &Info{ID: id, FirstSeen: now}
		r.agents[id] = info
		metrics.AgentsTracked.Set(float64(len(r.agents)))
		r.log.Info("agent discovered", "agent", id, "pop", hb.Pop, "router", hb.Router)
	}
	info.Status = hb.Status
	info.LastHeartbeat = now
	if hb.Pop != "" {
		info.Pop = hb.Pop
	}
	if hb.Router != "" {
		info.Router = hb.Router
	}
	if hb.Capabilities != nil {
		info.Capabilities = hb.Capabilities
	}
	if hb.Interfaces != nil {
		info.Interfaces = hb.Interfaces
	}
	r.mu.Unlock()
}

// Resolve returns the id to key commands with. A registered, online agent
// wins; otherwise the synthetic id lets the broker route the command for
// when the agent comes up.
func (r *Registry) Resolve(pop, router string) string {
	id := SyntheticID(pop, router)
	r.mu.RLock()
	info, ok := r.agents[id]
	r.mu.RUnlock()
	if ok && r.clock.Now().Sub(info.LastHeartbeat) < r.cfg.OnlineWindow {
		return info.ID
	}
	return id
}

// Online reports whether the agent has heartbeated within the window.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	info, ok := r.agents[id]
	r.mu.RUnlock()
	return ok && r.clock.Now().Sub(info.LastHeartbeat) < r.cfg.OnlineWindow
}

// Get returns a copy of the agent's info.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// List returns all agents sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, *info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentsByPop returns the agents registered for one pop.
func (r *Registry) AgentsByPop(pop string) []Info {
	var out []Info
	for _, info := range r.List() {
		if info.Pop == pop {
			out = append(out, info)
		}
	}
	return out
}

// OnlineCount counts agents within the online window.
func (r *Registry) OnlineCount() int {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.agents {
		if now.Sub(info.LastHeartbeat) < r.cfg.OnlineWindow {
			n++
		}
	}
	return n
}

// RunReaper evicts long-silent agents until the context is canceled.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	now := r.clock.Now()
	r.mu.Lock()
	for id, info := range r.agents {
		if now.Sub(info.LastHeartbeat) >= r.cfg.EvictionAge {
			delete(r.agents, id)
			metrics.AgentsEvicted.Inc()
			r.log.Info("agent evicted", "agent", id, "last_heartbeat", info.LastHeartbeat)
		}
	}
	metrics.AgentsTracked.Set(float64(len(r.agents)))
	r.mu.Unlock()
}
