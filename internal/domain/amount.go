package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed-point precision of every Amount.
const AmountDecimals = 18

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

// Upper bounds accepted for copy settings and positions.
const (
	MaxLeverage          = 1000
	MaxRiskMultiplierBps = 100 * BpsDenominator
)

var (
	amountScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)
	bigBps      = big.NewInt(BpsDenominator)
)

// Bps is an integer ratio in basis points (1 bp = 0.01%).
type Bps int64

// Amount is an immutable fixed-point quantity scaled by 10^18.
// The zero value is 0.
type Amount struct {
	v *big.Int
}

func ZeroAmount() Amount { return Amount{} }

// AmountFromInt returns n whole units.
func AmountFromInt(n int64) Amount {
	return Amount{v: new(big.Int).Mul(big.NewInt(n), amountScale)}
}

// AmountFromRaw wraps an already-scaled integer.
func AmountFromRaw(raw *big.Int) Amount {
	if raw == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(raw)}
}

// ParseAmount parses a human readable decimal ("0.1", "-12.5") into an Amount.
// Digits beyond 18 decimals are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Exponent() < -AmountDecimals {
		return Amount{}, fmt.Errorf("amount %q has more than %d decimals", s, AmountDecimals)
	}
	return Amount{v: d.Shift(AmountDecimals).BigInt()}, nil
}

// AmountFromDecimal converts d, truncating digits beyond 18 decimals.
func AmountFromDecimal(d decimal.Decimal) Amount {
	return Amount{v: d.Shift(AmountDecimals).BigInt()}
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseRawAmount parses the scaled integer form used in storage.
func ParseRawAmount(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid raw amount %q", s)
	}
	return Amount{v: v}, nil
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Raw returns a copy of the scaled integer.
func (a Amount) Raw() *big.Int { return new(big.Int).Set(a.big()) }

// RawString is the scaled integer in base 10.
func (a Amount) RawString() string { return a.big().String() }

// Decimal converts to a shopspring decimal for display or oracle math.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.big(), -AmountDecimals)
}

func (a Amount) String() string { return a.Decimal().String() }

func (a Amount) Sign() int { return a.big().Sign() }
func (a Amount) IsZero() bool { return a.Sign() == 0 }
func (a Amount) IsPositive() bool { return a.Sign() > 0 }
func (a Amount) IsNegative() bool { return a.Sign() < 0 }
func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

func (a Amount) Add(b Amount) Amount { return Amount{v: new(big.Int).Add(a.big(), b.big())} }
func (a Amount) Sub(b Amount) Amount { return Amount{v: new(big.Int).Sub(a.big(), b.big())} }
func (a Amount) Neg() Amount { return Amount{v: new(big.Int).Neg(a.big())} }

func (a Amount) Abs() Amount { return Amount{v: new(big.Int).Abs(a.big())} }

// Mul multiplies two fixed-point values, truncating toward zero.
func (a Amount) Mul(b Amount) Amount {
	p := new(big.Int).Mul(a.big(), b.big())
	return Amount{v: p.Quo(p, amountScale)}
}

// Div divides two fixed-point values, truncating toward zero.
func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		return Amount{}
	}
	n := new(big.Int).Mul(a.big(), amountScale)
	return Amount{v: n.Quo(n, b.big())}
}

// MulBps returns a * bps / 10000 truncated toward zero. For non-negative a
// this is floor(a * bps / 10000).
func (a Amount) MulBps(bps Bps) Amount {
	n := new(big.Int).Mul(a.big(), big.NewInt(int64(bps)))
	return Amount{v: n.Quo(n, bigBps)}
}

// MulInt multiplies by a plain integer.
func (a Amount) MulInt(n int64) Amount {
	return Amount{v: new(big.Int).Mul(a.big(), big.NewInt(n))}
}

// DivInt divides by a plain integer, truncating toward zero.
func (a Amount) DivInt(n int64) Amount {
	if n == 0 {
		return Amount{}
	}
	return Amount{v: new(big.Int).Quo(a.big(), big.NewInt(n))}
}

// MulDiv returns a * num / den computed on the raw integers, so only one
// truncation happens. den must be non-zero.
func (a Amount) MulDiv(num, den Amount) Amount {
	if den.IsZero() {
		return Amount{}
	}
	n := new(big.Int).Mul(a.big(), num.big())
	return Amount{v: n.Quo(n, den.big())}
}

func MinAmount(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func MaxAmount(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a decimal string so clients never lose
// precision to float parsing.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare JSON numbers are accepted as well.
		s = string(b)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the raw integer as TEXT; SQLite integers cannot hold 10^18 scale.
func (a Amount) Value() (driver.Value, error) {
	return a.RawString(), nil
}

func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		*a = Amount{v: big.NewInt(v)}
		return nil
	default:
		return fmt.Errorf("unsupported amount column type %T", src)
	}
	parsed, err := ParseRawAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
