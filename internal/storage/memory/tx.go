package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// tx operates on the store state while InTx holds the store mutex.
type tx struct {
	st *state
}

func (t *tx) FindCoupon(_ context.Context, code string) (*coupon.Coupon, error) {
	id, ok := t.st.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	c := t.st.coupons[id].coupon
	return &c, nil
}

func (t *tx) LockCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	return t.FindCoupon(ctx, code)
}

func (t *tx) CouponByID(_ context.Context, id string) (*coupon.Coupon, error) {
	row, ok := t.st.coupons[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	c := row.coupon
	return &c, nil
}

func (t *tx) AvailableCoupons(_ context.Context, userID string, now time.Time) ([]reservation.Offer, error) {
	var offers []reservation.Offer
	for id, row := range t.st.coupons {
		c := row.coupon
		if !c.Active ||
			(c.StartsAt != nil && now.Before(*c.StartsAt)) ||
			(c.EndsAt != nil && now.After(*c.EndsAt)) {
			continue
		}
		k := usageKey{couponID: id, userID: userID}
		switch c.Eligibility {
		case coupon.EligibilityAll:
		case coupon.EligibilityTargeted:
			if _, ok := t.st.targets[k]; !ok {
				continue
			}
		default:
			continue
		}
		offers = append(offers, reservation.Offer{
			Coupon: c,
			Usage:  coupon.Usage{GlobalUsed: row.used, UserUsed: t.st.usage[k]},
		})
	}
	sort.Slice(offers, func(i, j int) bool {
		a, b := offers[i].Coupon, offers[j].Coupon
		switch {
		case a.EndsAt == nil || b.EndsAt == nil:
			if (a.EndsAt == nil) != (b.EndsAt == nil) {
				return b.EndsAt == nil
			}
		case !a.EndsAt.Equal(*b.EndsAt):
			return a.EndsAt.Before(*b.EndsAt)
		}
		return a.Code < b.Code
	})
	return offers, nil
}

func (t *tx) Usage(_ context.Context, couponID, userID string) (coupon.Usage, error) {
	return coupon.Usage{
		GlobalUsed: t.st.coupons[couponID].used,
		UserUsed:   t.st.usage[usageKey{couponID: couponID, userID: userID}],
	}, nil
}

func (t *tx) IsTargeted(_ context.Context, couponID, userID string) (bool, error) {
	_, ok := t.st.targets[usageKey{couponID: couponID, userID: userID}]
	return ok, nil
}

func (t *tx) Profile(_ context.Context, userID string) (coupon.Profile, error) {
	p, ok := t.st.profiles[userID]
	if !ok {
		return coupon.Profile{}, reservation.ErrNotFound
	}
	return p, nil
}

func (t *tx) IncrementUsage(_ context.Context, couponID, userID string) error {
	row, ok := t.st.coupons[couponID]
	if !ok {
		return reservation.ErrNotFound
	}
	if row.coupon.GlobalLimitReached(row.used) {
		return reservation.ErrConflict
	}
	row.used++
	t.st.coupons[couponID] = row
	t.st.usage[usageKey{couponID: couponID, userID: userID}]++
	return nil
}

func (t *tx) DecrementUsage(_ context.Context, couponID, userID string) error {
	row, ok := t.st.coupons[couponID]
	if !ok {
		return reservation.ErrNotFound
	}
	row.used = max(row.used-1, 0)
	t.st.coupons[couponID] = row

	k := usageKey{couponID: couponID, userID: userID}
	t.st.usage[k] = max(t.st.usage[k]-1, 0)
	return nil
}

func (t *tx) FindByIdempotencyKey(_ context.Context, userID, key string) (*reservation.Reservation, error) {
	for _, id := range t.st.order {
		r := t.st.reservations[id]
		if r.UserID == userID && r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, reservation.ErrNotFound
}

func (t *tx) ActiveForRide(_ context.Context, rideID string) (*reservation.Reservation, error) {
	for _, id := range t.st.order {
		r := t.st.reservations[id]
		if r.RideID == rideID && active(r.Status) {
			return &r, nil
		}
	}
	return nil, reservation.ErrNotFound
}

func (t *tx) LatestForRide(_ context.Context, rideID string) (*reservation.Reservation, error) {
	for i := len(t.st.order) - 1; i >= 0; i-- {
		r := t.st.reservations[t.st.order[i]]
		if r.RideID == rideID {
			return &r, nil
		}
	}
	return nil, reservation.ErrNotFound
}

func (t *tx) InsertReservation(ctx context.Context, r *reservation.Reservation) error {
	if _, err := t.ActiveForRide(ctx, r.RideID); err == nil {
		return reservation.ErrRideTaken
	}
	if r.IdempotencyKey != "" {
		if _, err := t.FindByIdempotencyKey(ctx, r.UserID, r.IdempotencyKey); err == nil {
			return reservation.ErrConflict
		}
	}
	t.st.reservations[r.ID] = *r
	t.st.order = append(t.st.order, r.ID)
	return nil
}

func (t *tx) LockReservation(_ context.Context, id string) (*reservation.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return &r, nil
}

func (t *tx) UpdateReservation(_ context.Context, r *reservation.Reservation) error {
	cur, ok := t.st.reservations[r.ID]
	if !ok {
		return reservation.ErrNotFound
	}
	if cur.Status != reservation.StatusReserved {
		return reservation.ErrConflict
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *tx) EnqueueDiscount(_ context.Context, e reservation.DiscountApplied) error {
	t.st.outbox = append(t.st.outbox, outboxRow{event: e})
	return nil
}

func active(s reservation.Status) bool {
	return s == reservation.StatusReserved || s == reservation.StatusApplied
}
