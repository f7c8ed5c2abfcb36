package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lightwavelabs/lightwave/internal/metrics"
)

// kafkaClient is an interface for the subset of kgo.Client methods we use.
// This allows for mocking in tests.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

type HeartbeatFunc func(hb Heartbeat)
type TelemetryFunc func(t Telemetry)
type AckFunc func(a Ack)

type ConsumerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Brokers []string
	Topic   string
	Group   string

	// client overrides the kgo client, for tests.
	client kafkaClient
}

func (c *ConsumerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Brokers) == 0 && c.client == nil {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Consumer runs the single background poll loop over the monitoring topic
// and fans each record out to the registered callbacks. Callbacks run on
// the consumer goroutine; a panicking callback is recovered and logged so
// one bad handler cannot stop polling.
type Consumer struct {
	log    *slog.Logger
	clock  clockwork.Clock
	cfg    *ConsumerConfig
	client kafkaClient

	mu          sync.RWMutex
	onHeartbeat []HeartbeatFunc
	onTelemetry []TelemetryFunc
	onAck       []AckFunc
}

func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	c := &Consumer{log: cfg.Logger.With("component", "bus-consumer"), clock: cfg.Clock, cfg: cfg}
	if cfg.client != nil {
		c.client = cfg.client
		return c, nil
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *Consumer) OnHeartbeat(fn HeartbeatFunc) {
	c.mu.Lock()
	c.onHeartbeat = append(c.onHeartbeat, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnTelemetry(fn TelemetryFunc) {
	c.mu.Lock()
	c.onTelemetry = append(c.onTelemetry, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnAck(fn AckFunc) {
	c.mu.Lock()
	c.onAck = append(c.onAck, fn)
	c.mu.Unlock()
}

// Run polls until the context is canceled or the client is closed. It
// returns a channel that receives the loop's exit error, nil on a clean
// stop.
func (c *Consumer) Run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		c.log.Info("consumer started", "topic", c.cfg.Topic, "group", c.cfg.Group)
		for {
			if ctx.Err() != nil {
				errCh <- nil
				return
			}
			fetches := c.client.PollFetches(ctx)
			if fetches.IsClientClosed() || errors.Is(ctx.Err(), context.Canceled) {
				errCh <- nil
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				if !errors.Is(err, context.Canceled) {
					c.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
				}
			})
			fetches.EachRecord(func(rec *kgo.Record) {
				c.route(rec.Value)
			})
		}
	}()
	return errCh
}

func (c *Consumer) route(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.MalformedMessages.Inc()
		c.log.Warn("malformed monitoring record", "error", err)
		return
	}
	if err := env.merge(); err != nil {
		metrics.MalformedMessages.Inc()
		c.log.Warn("malformed monitoring payload", "type", env.Type, "error", err)
		return
	}

	now := c.clock.Now()
	switch classify(env.Type) {
	case kindHeartbeat:
		metrics.MonitoringMessages.WithLabelValues("heartbeat").Inc()
		hb := Heartbeat{
			AgentID:      env.AgentID,
			Status:       normalizeStatus(env.Status),
			Pop:          env.Pop,
			Router:       env.Router,
			Capabilities: env.Capabilities,
			Interfaces:   env.Interfaces,
			At:           env.at(now),
		}
		for _, fn := range c.heartbeatFuncs() {
			c.invoke(func() { fn(hb) })
		}
	case kindTelemetry:
		metrics.MonitoringMessages.WithLabelValues("telemetry").Inc()
		t := Telemetry{
			AgentID:      env.AgentID,
			ConnectionID: env.ConnectionID,
			OSNR:         env.OSNR,
			PreFECBER:    env.PreFECBER,
			PostFECBER:   env.PostFECBER,
			TxPower:      env.TxPower,
			RxPower:      env.RxPower,
			Temperature:  env.Temperature,
			Frequency:    env.Frequency,
			At:           env.at(now),
		}
		for _, fn := range c.telemetryFuncs() {
			c.invoke(func() { fn(t) })
		}
	case kindAck:
		metrics.MonitoringMessages.WithLabelValues("ack").Inc()
		a := Ack{CommandID: env.CommandID, AgentID: env.AgentID, Status: env.Status}
		for _, fn := range c.ackFuncs() {
			c.invoke(func() { fn(a) })
		}
	default:
		metrics.MonitoringMessages.WithLabelValues("ignored").Inc()
	}
}

// invoke shields the poll loop from a panicking callback.
func (c *Consumer) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.Inc()
			c.log.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

func (c *Consumer) heartbeatFuncs() []HeartbeatFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]HeartbeatFunc(nil), c.onHeartbeat...)
}

func (c *Consumer) telemetryFuncs() []TelemetryFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]TelemetryFunc(nil), c.onTelemetry...)
}

func (c *Consumer) ackFuncs() []AckFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]AckFunc(nil), c.onAck...)
}

func (c *Consumer) Close() {
	c.client.Close()
}

// WaitClosed blocks until the run loop reports its exit or the timeout
// elapses, for graceful shutdown.
func WaitClosed(errCh <-chan error, timeout time.Duration) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return errors.New("consumer did not stop in time")
	}
}
