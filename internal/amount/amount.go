// Package amount encodes money values as JSON.
package amount

import (
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Decode reads a money value written either as a JSON number or as a
// numeric string.
func Decode(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Raw()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(n.String())
}

// Encode writes v as a JSON number with two decimal places.
func Encode(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}
