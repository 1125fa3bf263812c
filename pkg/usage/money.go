package usage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// microsExp is the decimal exponent of one Micros unit.
const microsExp = 6

// Micros is a fixed-point currency amount in millionths of a unit.
// Sums of Micros never drift the way float64 sums do.
type Micros int64

// MicrosFromDecimal rounds d to the nearest micro unit
func MicrosFromDecimal(d decimal.Decimal) Micros {
	return Micros(d.Shift(microsExp).Round(0).IntPart())
}

// MicrosFromFloat converts a float amount, rounding to the nearest micro unit
func MicrosFromFloat(f float64) Micros {
	return MicrosFromDecimal(decimal.NewFromFloat(f))
}

// ParseMicros parses a decimal string such as "0.0125"
func ParseMicros(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return MicrosFromDecimal(d), nil
}

// Decimal returns the amount as a decimal
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -microsExp)
}

// Float64 returns the amount as a float, for metrics and thresholds
func (m Micros) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// String formats the amount with six decimal places
func (m Micros) String() string {
	return m.Decimal().StringFixed(microsExp)
}

// MarshalJSON encodes the amount as a decimal string
func (m Micros) MarshalJSON() ([]byte, error) {
	return m.Decimal().MarshalJSON()
}

// UnmarshalJSON accepts both quoted and bare decimal numbers
func (m *Micros) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = MicrosFromDecimal(d)
	return nil
}
