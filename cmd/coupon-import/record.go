package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/amount"
	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

// record is one line of a catalog export: a coupon definition plus its
// target users.
type record struct {
	coupon  coupon.Coupon
	targets []string
}

// decodeRecord parses a catalog export line. Unknown fields are ignored.
func decodeRecord(line []byte) (record, error) {
	rec := record{coupon: coupon.Coupon{
		DiscountType: coupon.DiscountPercent,
		Eligibility:  coupon.EligibilityAll,
		Active:       true,
	}}
	c := &rec.coupon

	err := jx.DecodeBytes(line).Obj(func(d *jx.Decoder, key string) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "code":
			c.Code, err = d.Str()
		case "name":
			c.Name, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "type", "discount_type":
			var s string
			s, err = d.Str()
			c.DiscountType = coupon.DiscountType(s)
		case "value":
			c.Value, err = amount.Decode(d)
		case "max_discount":
			var v decimal.Decimal
			if v, err = amount.Decode(d); err == nil {
				c.MaxDiscount = &v
			}
		case "min_fare":
			c.MinFare, err = amount.Decode(d)
		case "starts_at":
			c.StartsAt, err = decodeTime(d)
		case "ends_at":
			c.EndsAt, err = decodeTime(d)
		case "allowed_city_ids":
			c.AllowedCityIDs, err = decodeStrings(d)
		case "allowed_service_types":
			c.AllowedServiceTypes, err = decodeStrings(d)
		case "eligibility_type":
			var s string
			s, err = d.Str()
			c.Eligibility = coupon.Eligibility(s)
		case "segment_key":
			c.SegmentKey, err = d.Str()
		case "global_limit":
			c.GlobalLimit, err = decodeLimit(d)
		case "per_user_limit":
			c.PerUserLimit, err = decodeLimit(d)
		case "is_active":
			c.Active, err = d.Bool()
		case "target_user_ids":
			rec.targets, err = decodeStrings(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return record{}, err
	}

	c.Code = coupon.NormalizeCode(c.Code)
	for i, st := range c.AllowedServiceTypes {
		c.AllowedServiceTypes[i] = coupon.NormalizeServiceType(st)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := validateCoupon(c); err != nil {
		return record{}, err
	}
	return rec, nil
}

func validateCoupon(c *coupon.Coupon) error {
	if c.Code == "" {
		return errors.New("code is required")
	}
	if len(c.Code) > 50 {
		return errors.Errorf("code %q exceeds 50 characters", c.Code)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return errors.Wrapf(err, "id %q", c.ID)
	}
	switch c.DiscountType {
	case coupon.DiscountPercent, coupon.DiscountFixed, coupon.DiscountFreeRideCap:
	default:
		return errors.Errorf("unknown discount type %q", c.DiscountType)
	}
	switch c.Eligibility {
	case coupon.EligibilityAll, coupon.EligibilityTargeted:
	case coupon.EligibilitySegment:
		if c.SegmentKey == "" {
			return errors.New("segment coupon without segment_key")
		}
	default:
		return errors.Errorf("unknown eligibility type %q", c.Eligibility)
	}
	if c.Value.IsNegative() || c.MinFare.IsNegative() {
		return errors.New("negative value or min_fare")
	}
	if c.StartsAt != nil && c.EndsAt != nil && c.EndsAt.Before(*c.StartsAt) {
		return errors.New("ends_at before starts_at")
	}
	return nil
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeLimit(d *jx.Decoder) (*int, error) {
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	if v < 0 {
		return nil, errors.Errorf("negative limit %d", v)
	}
	return &v, nil
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
