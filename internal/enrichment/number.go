package enrichment

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// numeric(38, 18) holds 20 integer digits.
	maxStored = decimal.New(1, 20).Sub(decimal.New(1, -18))
	minStored = maxStored.Neg()

	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Number tolerates the shapes upstream APIs use for numeric fields: JSON
// numbers, quoted numbers, empty strings and null.
type Number struct {
	value decimal.Decimal
	valid bool
}

// UnmarshalJSON implements json.Unmarshaler. Unparseable input yields an
// invalid Number rather than an error so one bad field cannot drop a record.
func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	if raw == "" {
		return nil
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	n.value = d
	n.valid = true
	return nil
}

// NumberOf wraps a decimal, mostly for tests.
func NumberOf(d decimal.Decimal) Number {
	return Number{value: d, valid: true}
}

// Valid reports whether the field carried a parseable number.
func (n Number) Valid() bool {
	return n.valid
}

// Decimal returns the stored-range value, zero when invalid.
func (n Number) Decimal() decimal.Decimal {
	if !n.valid {
		return decimal.Zero
	}
	return SaturateDecimal(n.value)
}

// DecimalPtr is Decimal for optional fields.
func (n Number) DecimalPtr() *decimal.Decimal {
	if !n.valid {
		return nil
	}
	d := n.Decimal()
	return &d
}

// Int64 returns the value clamped into int64, zero when invalid.
func (n Number) Int64() int64 {
	if !n.valid {
		return 0
	}
	return SaturateInt64(n.value)
}

// Count is Int64 with negatives clamped to zero.
func (n Number) Count() int64 {
	v := n.Int64()
	if v < 0 {
		return 0
	}
	return v
}

// CountPtr is Count for optional fields.
func (n Number) CountPtr() *int64 {
	if !n.valid {
		return nil
	}
	v := n.Count()
	return &v
}

// Flag interprets "1"/"0" style booleans. Any non-zero value is true.
func (n Number) Flag() *bool {
	if !n.valid {
		return nil
	}
	v := !n.value.IsZero()
	return &v
}

// SaturateInt64 truncates d and clamps it to the int64 range.
func SaturateInt64(d decimal.Decimal) int64 {
	switch {
	case d.GreaterThan(maxInt64):
		return math.MaxInt64
	case d.LessThan(minInt64):
		return math.MinInt64
	}
	return d.Truncate(0).IntPart()
}

// SaturateDecimal clamps d to what a numeric(38, 18) column accepts.
func SaturateDecimal(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.GreaterThan(maxStored):
		return maxStored
	case d.LessThan(minStored):
		return minStored
	}
	return d.Round(18)
}
