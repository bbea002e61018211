// Package memory implements reservation.Store in process memory.
//
// Transactions are serialized by a single mutex and rolled back by restoring
// a snapshot, which makes the store suitable for tests and local runs but
// not for more than one replica.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

var (
	_ reservation.Store = (*Store)(nil)
	_ reservation.Tx    = (*tx)(nil)
)

type usageKey struct {
	couponID string
	userID   string
}

type couponRow struct {
	coupon coupon.Coupon
	used   int
}

type outboxRow struct {
	event       reservation.DiscountApplied
	publishedAt *time.Time
}

type state struct {
	coupons      map[string]couponRow
	byCode       map[string]string
	usage        map[usageKey]int
	targets      map[usageKey]struct{}
	profiles     map[string]coupon.Profile
	reservations map[string]reservation.Reservation
	order        []string
	outbox       []outboxRow
}

func (s state) clone() state {
	return state{
		coupons:      maps.Clone(s.coupons),
		byCode:       maps.Clone(s.byCode),
		usage:        maps.Clone(s.usage),
		targets:      maps.Clone(s.targets),
		profiles:     maps.Clone(s.profiles),
		reservations: maps.Clone(s.reservations),
		order:        slices.Clone(s.order),
		outbox:       slices.Clone(s.outbox),
	}
}

// Store is an in-memory reservation.Store.
type Store struct {
	mu        sync.Mutex
	st        state
	conflicts int
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: state{
		coupons:      map[string]couponRow{},
		byCode:       map[string]string{},
		usage:        map[usageKey]int{},
		targets:      map[usageKey]struct{}{},
		profiles:     map[string]coupon.Profile{},
		reservations: map[string]reservation.Reservation{},
	}}
}

// AddCoupon stores c, assigning an id when empty, and returns the id.
func (s *Store) AddCoupon(c coupon.Coupon) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Code = coupon.NormalizeCode(c.Code)
	s.st.coupons[c.ID] = couponRow{coupon: c}
	s.st.byCode[c.Code] = c.ID
	return c.ID
}

// AddTargetUsers puts users on the target list of the coupon with code.
func (s *Store) AddTargetUsers(code string, users ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.st.byCode[coupon.NormalizeCode(code)]
	for _, u := range users {
		s.st.targets[usageKey{couponID: id, userID: u}] = struct{}{}
	}
}

// SetProfile stores a rider profile.
func (s *Store) SetProfile(p coupon.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.profiles[p.UserID] = p
}

// Counters returns the global and per-user usage of the coupon with code.
func (s *Store) Counters(code, userID string) (global, user int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.st.byCode[coupon.NormalizeCode(code)]
	return s.st.coupons[id].used, s.st.usage[usageKey{couponID: id, userID: userID}]
}

// InjectConflicts makes the next n transactions roll back with
// reservation.ErrConflict after fn succeeds.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx reservation.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	err := fn(ctx, &tx{st: &s.st})
	if err == nil && s.conflicts > 0 {
		s.conflicts--
		err = reservation.ErrConflict
	}
	if err != nil {
		s.st = snap
	}
	return err
}

func (s *Store) Reservation(_ context.Context, id string) (*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.st.reservations[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []reservation.Reservation
	for _, id := range s.st.order {
		r := s.st.reservations[id]
		if r.Status == reservation.StatusReserved && r.ExpiresAt.Before(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *Store) Stats(_ context.Context, code string) (*reservation.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.st.byCode[code]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	st := &reservation.Stats{
		CouponCode: code,
		GlobalUsed: s.st.coupons[id].used,
	}
	for _, r := range s.st.reservations {
		if r.CouponID != id {
			continue
		}
		switch r.Status {
		case reservation.StatusReserved:
			st.Reserved++
		case reservation.StatusApplied:
			st.Applied++
			if r.DiscountAmount != nil {
				st.TotalDiscount = st.TotalDiscount.Add(*r.DiscountAmount)
			}
		case reservation.StatusCancelled:
			st.Cancelled++
		case reservation.StatusExpired:
			st.Expired++
		}
	}
	if st.Applied > 0 {
		st.AverageDiscount = st.TotalDiscount.Div(decimal.NewFromInt(int64(st.Applied))).Round(2)
	}
	return st, nil
}

func (s *Store) PendingDiscounts(_ context.Context, limit int) ([]reservation.DiscountApplied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []reservation.DiscountApplied
	for _, row := range s.st.outbox {
		if row.publishedAt != nil {
			continue
		}
		out = append(out, row.event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, eventIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.outbox {
		if slices.Contains(eventIDs, s.st.outbox[i].event.EventID) {
			t := at
			s.st.outbox[i].publishedAt = &t
		}
	}
	return nil
}
