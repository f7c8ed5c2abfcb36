package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lightwavelabs/lightwave/internal/metrics"
	"github.com/lightwavelabs/lightwave/internal/sdnerr"
)

// kgoProducer is the subset of kgo.Client the producer uses. This allows
// for mocking in tests.
type kgoProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

type ProducerConfig struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string

	// SendTimeout bounds one Send including all retries. The caller blocks
	// until confirmation or timeout; there is no queue of unsent commands.
	SendTimeout time.Duration

	// client overrides the kgo client, for tests.
	client kgoProducer
}

func (c *ProducerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Brokers) == 0 && c.client == nil {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	return nil
}

// Producer writes commands to the config topic. Acks from all in-sync
// replicas and a single in-flight request per broker keep per-key ordering
// intact; retries happen above the client so a failed attempt never
// reorders behind a newer command.
type Producer struct {
	log    *slog.Logger
	cfg    *ProducerConfig
	client kgoProducer
}

func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p := &Producer{log: cfg.Logger.With("component", "bus-producer"), cfg: cfg}
	if cfg.client != nil {
		p.client = cfg.client
		return p, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p.client = client
	return p, nil
}

// Send publishes one command, keyed by the target agent id, and blocks
// until the broker confirms it. Transient failures are retried with
// exponential backoff inside the send timeout.
func (p *Producer) Send(ctx context.Context, cmd *Command) error {
	value, err := cmd.marshal()
	if err != nil {
		return sdnerr.Wrap(sdnerr.CodeInternal, "encode command", err)
	}
	record := &kgo.Record{
		Topic: p.cfg.Topic,
		Key:   []byte(cmd.TargetAgent),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), ctx)
	err = backoff.Retry(func() error {
		return p.client.ProduceSync(ctx, record).FirstErr()
	}, policy)
	if err != nil {
		metrics.BusSends.WithLabelValues(cmd.Type, "error").Inc()
		p.log.Error("send failed", "type", cmd.Type, "command", cmd.CommandID, "agent", cmd.TargetAgent, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return sdnerr.Wrap(sdnerr.CodeTimeout, "send command", err)
		}
		return sdnerr.Wrap(sdnerr.CodeBus, "send command", err)
	}
	metrics.BusSends.WithLabelValues(cmd.Type, "ok").Inc()
	p.log.Debug("command sent", "type", cmd.Type, "command", cmd.CommandID, "agent", cmd.TargetAgent)
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}
