package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// MessageWriter is the subset of *kafka.Writer used by the Relay.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer producing to topic. Messages are routed by
// key hash so that all events of a ride keep their order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// LogWriter logs messages instead of producing them. It stands in for Kafka
// when no brokers are configured.
type LogWriter struct {
	Logger *zap.Logger
}

func (w LogWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		w.Logger.Info("Ledger event",
			zap.ByteString("key", m.Key),
			zap.ByteString("value", m.Value),
		)
	}
	return nil
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Interval between outbox polls. Defaults to one second.
	Interval time.Duration
	// Batch is the maximum number of events per poll. Defaults to 100.
	Batch int
	// Leader elects the relaying replica; nil means always relay.
	Leader reservation.Leader
}

// Relay publishes pending outbox events and marks them published. Delivery
// is at least once: consumers deduplicate on event_id.
type Relay struct {
	outbox reservation.Outbox
	writer MessageWriter
	cfg    RelayConfig
	now    func() time.Time
	lg     *zap.Logger
}

// NewRelay creates a Relay.
func NewRelay(outbox reservation.Outbox, writer MessageWriter, cfg RelayConfig, lg *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Relay{
		outbox: outbox,
		writer: writer,
		cfg:    cfg,
		now:    time.Now,
		lg:     lg,
	}
}

// Flush publishes one batch of pending events and returns how many were
// published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.outbox.PendingDiscounts(ctx, r.cfg.Batch)
	if err != nil {
		return 0, errors.Wrap(err, "pending discounts")
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(events))
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
		msgs[i] = kafka.Message{
			Key:   []byte(e.RideID),
			Value: Encode(e),
			Time:  e.AppliedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(EventType)},
				{Key: "event_id", Value: []byte(e.EventID)},
			},
		}
	}
	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, errors.Wrap(err, "write messages")
	}
	if err := r.outbox.MarkPublished(ctx, ids, r.now()); err != nil {
		return 0, errors.Wrap(err, "mark published")
	}
	return len(events), nil
}

// Run drains the outbox every Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	if r.cfg.Leader != nil {
		lead, err := r.cfg.Leader.TryLead(ctx)
		if err != nil {
			r.lg.Warn("Relay leadership check failed", zap.Error(err))
			return
		}
		if !lead {
			return
		}
	}
	for {
		n, err := r.Flush(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.lg.Error("Ledger relay failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			r.lg.Debug("Published ledger events", zap.Int("count", n))
		}
		if n < r.cfg.Batch {
			return
		}
	}
}
