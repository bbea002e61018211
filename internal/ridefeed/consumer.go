// Package ridefeed applies or releases coupon reservations as rides
// complete or get cancelled.
package ridefeed

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// MessageReader is the subset of *kafka.Reader used by the Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Rides finalizes reservations by ride id.
type Rides interface {
	ApplyForRide(ctx context.Context, rideID string, fare reservation.FinalFare) (*reservation.Redemption, error)
	ReleaseForRide(ctx context.Context, rideID, reason string) error
}

var _ Rides = (*reservation.Manager)(nil)

// NewKafkaReader returns a consumer group reader for the ride topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Consumer reads ride lifecycle events and drives reservation finalization.
type Consumer struct {
	reader   MessageReader
	rides    Rides
	lg       *zap.Logger
	attempts int
	backoff  time.Duration
}

// NewConsumer creates a Consumer.
func NewConsumer(reader MessageReader, rides Rides, lg *zap.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		rides:    rides,
		lg:       lg,
		attempts: 3,
		backoff:  time.Second,
	}
}

// Run consumes until ctx is done. A message is committed once handled or
// once it is known that retrying cannot help.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.lg.Warn("Fetch ride event", zap.Error(err))
			if !sleep(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if err := c.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.lg.Error("Dropping ride event",
				zap.ByteString("key", msg.Key),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.lg.Error("Commit ride event", zap.Error(err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.Handle(ctx, msg.Value); err == nil || !retryable(err) {
			return err
		}
		if attempt < c.attempts && !sleep(ctx, c.backoff) {
			return ctx.Err()
		}
	}
	return err
}

// Handle processes one encoded ride event. Business outcomes such as a ride
// without a reservation or an already redeemed coupon are logged and
// swallowed; only malformed messages and internal failures are returned.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	e, err := Decode(data)
	if err != nil {
		return err
	}
	lg := c.lg.With(zap.String("ride_id", e.RideID), zap.String("type", e.Type))

	switch e.Type {
	case TypeCompleted:
		red, err := c.rides.ApplyForRide(ctx, e.RideID, reservation.FinalFare{Fare: e.FinalFare})
		if err != nil {
			return c.outcome(lg, err)
		}
		lg.Debug("Ride event applied",
			zap.String("reservation_id", red.Reservation.ID),
			zap.String("discount", red.Discount.StringFixed(2)),
		)
	case TypeCancelled:
		reason := e.Reason
		if reason == "" {
			reason = "ride cancelled"
		}
		if err := c.rides.ReleaseForRide(ctx, e.RideID, reason); err != nil {
			return c.outcome(lg, err)
		}
	}
	return nil
}

func (c *Consumer) outcome(lg *zap.Logger, err error) error {
	code := coupon.CodeOf(err)
	switch code {
	case coupon.CodeInternal, coupon.CodeConcurrencyConflict:
		return err
	case coupon.CodeReservationNotFound:
		lg.Debug("Ride has no coupon reservation")
	default:
		lg.Info("Ride event not applied", zap.String("error_code", string(code)))
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrMalformed) {
		return false
	}
	code := coupon.CodeOf(err)
	return code == coupon.CodeInternal || code.Retryable()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
