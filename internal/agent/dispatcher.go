package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/metrics"
)

// Sender is the producer-side contract the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, cmd *bus.Command) error
}

// Endpoint names one side of a connection.
type Endpoint struct {
	Pop       string
	Router    string
	Interface string
}

// SetupSpec carries the optical parameters shared by both ends of a setup.
type SetupSpec struct {
	TxPowerDBM   float64
	FrequencyGHz float64
	Modulation   string
	PathInfo     []string
}

// pending tracks a command awaiting its ack.
type pending struct {
	commandID string
	cmdType   string
	agent     string
	sentAt    time.Time
}

type DispatcherConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *Registry
	Sender   Sender

	// AckTTL is how long a command may wait for its ack before it is counted
	// as expired.
	AckTTL time.Duration
	// Workers bounds concurrent endpoint sends.
	Workers int
}

func (c *DispatcherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AckTTL == 0 {
		c.AckTTL = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	return nil
}

// Dispatcher addresses commands to endpoint agents, fanning the two ends of
// a connection out in parallel and tracking acknowledgements.
type Dispatcher struct {
	log      *slog.Logger
	clock    clockwork.Clock
	registry *Registry
	sender   Sender
	pool     pond.Pool
	acks     *ttlcache.Cache[string, pending]
}

func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	d := &Dispatcher{
		log:      cfg.Logger.With("component", "dispatch"),
		clock:    cfg.Clock,
		registry: cfg.Registry,
		sender:   cfg.Sender,
		pool:     pond.NewPool(cfg.Workers),
		acks:     ttlcache.New(ttlcache.WithTTL[string, pending](cfg.AckTTL)),
	}
	d.acks.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, pending]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		p := item.Value()
		metrics.CommandsExpired.Inc()
		d.log.Warn("command never acknowledged", "command", p.commandID, "type", p.cmdType, "agent", p.agent)
	})
	go d.acks.Start()
	return d, nil
}

// HandleAck resolves a pending command. Wire it to the consumer's ack
// callback.
func (d *Dispatcher) HandleAck(a bus.Ack) {
	status := strings.ToLower(a.Status)
	metrics.CommandAcks.WithLabelValues(status).Inc()
	if item := d.acks.Get(a.CommandID); item != nil {
		p := item.Value()
		d.acks.Delete(a.CommandID)
		d.log.Debug("command acknowledged", "command", a.CommandID, "type", p.cmdType, "agent", a.AgentID, "status", a.Status, "rtt", d.clock.Since(p.sentAt))
		return
	}
	d.log.Debug("ack for unknown command", "command", a.CommandID, "agent", a.AgentID, "status", a.Status)
}

// PendingCommands reports how many commands still await an ack.
func (d *Dispatcher) PendingCommands() int {
	return d.acks.Len()
}

func (d *Dispatcher) send(ctx context.Context, cmd *bus.Command) error {
	if err := d.sender.Send(ctx, cmd); err != nil {
		return err
	}
	d.acks.Set(cmd.CommandID, pending{
		commandID: cmd.CommandID,
		cmdType:   cmd.Type,
		agent:     cmd.TargetAgent,
		sentAt:    d.clock.Now(),
	}, ttlcache.DefaultTTL)
	return nil
}

// DispatchSetup sends setup commands to both endpoint agents in parallel.
// Either send failing fails the whole dispatch.
func (d *Dispatcher) DispatchSetup(ctx context.Context, connID string, src, dst Endpoint, spec SetupSpec) error {
	now := d.clock.Now()
	ends := []struct {
		ep        Endpoint
		direction string
	}{
		{src, "source"},
		{dst, "destination"},
	}
	group := d.pool.NewGroup()
	for _, end := range ends {
		end := end
		group.SubmitErr(func() error {
			target := d.registry.Resolve(end.ep.Pop, end.ep.Router)
			cmd := bus.NewSetupCommand(target, connID, bus.SetupParams{
				Pop:          end.ep.Pop,
				Router:       end.ep.Router,
				Interface:    end.ep.Interface,
				Direction:    end.direction,
				TxPowerDBM:   spec.TxPowerDBM,
				FrequencyGHz: spec.FrequencyGHz,
				Modulation:   spec.Modulation,
				PathInfo:     spec.PathInfo,
			}, now)
			return d.send(ctx, cmd)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("dispatch setup for %s: %w", connID, err)
	}
	d.log.Info("setup dispatched", "connection", connID, "source", src.Pop, "destination", dst.Pop)
	return nil
}

// Adjustment is one end's share of a reconfiguration.
type Adjustment struct {
	Endpoint  Endpoint
	Direction string
	Params    bus.ReconfigParams
}

// DispatchReconfig sends reconfiguration commands for the given adjustments
// in parallel.
func (d *Dispatcher) DispatchReconfig(ctx context.Context, connID, reason string, adjustments []Adjustment) error {
	now := d.clock.Now()
	group := d.pool.NewGroup()
	for _, adj := range adjustments {
		adj := adj
		group.SubmitErr(func() error {
			target := d.registry.Resolve(adj.Endpoint.Pop, adj.Endpoint.Router)
			params := adj.Params
			params.Pop = adj.Endpoint.Pop
			params.Router = adj.Endpoint.Router
			params.Interface = adj.Endpoint.Interface
			params.Direction = adj.Direction
			return d.send(ctx, bus.NewReconfigCommand(target, connID, reason, params, now))
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("dispatch reconfig for %s: %w", connID, err)
	}
	d.log.Info("reconfiguration dispatched", "connection", connID, "reason", reason, "endpoints", len(adjustments))
	return nil
}

// InterfaceControl sends a single interface action to the owning agent.
func (d *Dispatcher) InterfaceControl(ctx context.Context, ep Endpoint, action string) error {
	target := d.registry.Resolve(ep.Pop, ep.Router)
	cmd := bus.NewInterfaceControlCommand(target, ep.Pop, ep.Router, ep.Interface, action, d.clock.Now())
	return d.send(ctx, cmd)
}

// BroadcastDiscovery asks every agent on the tenant to announce itself.
func (d *Dispatcher) BroadcastDiscovery(ctx context.Context, controllerID string) error {
	return d.sender.Send(ctx, bus.NewDiscoveryCommand(controllerID, d.clock.Now()))
}

// Close stops the ack tracker and waits for in-flight sends.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
	d.acks.Stop()
}
