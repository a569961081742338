// Package money provides fixed-point decimal arithmetic for every balance,
// escrow, and fee computation in the fabric. float64 never touches a ledger
// value; shopspring/decimal backs every amount end to end.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset is a ledger-recognized currency tag.
type Asset string

const (
	USDC Asset = "USDC"
	ETH  Asset = "ETH"
)

// Scale returns the number of decimal places an asset settles at.
func (a Asset) Scale() int32 {
	switch a {
	case ETH:
		return 18
	default:
		return 6
	}
}

// Valid reports whether the asset is one the ledger recognizes.
func (a Asset) Valid() bool {
	switch a {
	case USDC, ETH:
		return true
	default:
		return false
	}
}

// Money is a non-negative-or-signed decimal amount. Zero value is 0.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// New builds a Money from a decimal string, e.g. "1.025".
func New(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// MustNew is New but panics on malformed input; reserved for literals.
func MustNew(s string) Money {
	m, err := New(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromFloat constructs a Money from a float64. Only ever used at the system
// boundary translating an external oracle's JSON number into ledger units —
// never for balance math itself.
func FromFloat(f float64) Money {
	return Money{d: decimal.NewFromFloat(f)}
}

func (m Money) String() string { return m.d.String() }

// Round returns m rounded to asset's scale, rounding half away from zero.
func (m Money) Round(asset Asset) Money {
	return Money{d: m.d.Round(asset.Scale())}
}

// CeilAt rounds m up (away from zero for positive values) to asset's scale.
func (m Money) CeilAt(asset Asset) Money {
	factor := decimal.New(1, asset.Scale())
	scaled := m.d.Mul(factor).Ceil()
	return Money{d: scaled.Div(factor)}
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{d: m.d.Mul(factor)}
}

// MulFraction multiplies by a fraction given as a string, e.g. "0.025".
func (m Money) MulFraction(fraction string) (Money, error) {
	f, err := decimal.NewFromString(fraction)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid fraction %q: %w", fraction, err)
	}
	return Money{d: m.d.Mul(f)}, nil
}

func (m Money) Cmp(o Money) int     { return m.d.Cmp(o.d) }
func (m Money) IsZero() bool        { return m.d.IsZero() }
func (m Money) IsNegative() bool    { return m.d.IsNegative() }
func (m Money) IsPositive() bool    { return m.d.IsPositive() }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }

func (m Money) Decimal() decimal.Decimal { return m.d }

// MarshalJSON encodes the amount as a decimal string, per the wire contract
// that every amount on the HTTP surface is a decimal string, not a number.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.String())
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("money: invalid amount %q: %w", s, err)
		}
		m.d = d
		return nil
	}
	// Tolerate a bare JSON number for inbound client requests that didn't
	// quote it; still parsed through decimal, never float64 math.
	var f json.Number
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("money: cannot unmarshal %s", string(b))
	}
	d, err := decimal.NewFromString(f.String())
	if err != nil {
		return fmt.Errorf("money: invalid amount %q: %w", f.String(), err)
	}
	m.d = d
	return nil
}

// Value implements driver.Valuer for storing amounts as text columns.
func (m Money) Value() (driver.Value, error) {
	return m.d.String(), nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		m.d = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		m.d = d
		return nil
	case nil:
		m.d = decimal.Zero
		return nil
	default:
		return fmt.Errorf("money: unsupported scan type %T", src)
	}
}
