// Package micros implements fixed-point arithmetic in integer micros
// (1 USD = 1,000,000 micros; 1 share = 1,000,000 micros; a price in [0,1]
// maps to [0, 1,000,000] micros).
//
// Share and notional quantities use *big.Int so accumulation over many fills
// can never overflow. Prices, spreads and basis points fit comfortably in
// int64 and stay plain integers. Divisions that the accounting identities
// depend on (VWAP, fill ratios) round half away from zero; share extraction
// from a notional truncates so a fill can never spend more than its budget.
package micros

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// One is one whole unit (1 USD, 1 share, or price 1.00) in micros.
	One int64 = 1_000_000
	// BpsDenom converts basis points to a fraction.
	BpsDenom int64 = 10_000
)

var (
	bigOne      = big.NewInt(One)
	bigBpsDenom = big.NewInt(BpsDenom)
)

// New returns v as a big quantity.
func New(v int64) *big.Int { return big.NewInt(v) }

// Zero returns a fresh zero quantity.
func Zero() *big.Int { return new(big.Int) }

// Clone returns a copy of x, or a fresh zero if x is nil.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *big.Int) bool { return x == nil || x.Sign() == 0 }

// Add returns a + b without mutating either operand.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(orZero(a), orZero(b)) }

// Sub returns a - b without mutating either operand.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(orZero(a), orZero(b)) }

// Neg returns -x.
func Neg(x *big.Int) *big.Int { return new(big.Int).Neg(orZero(x)) }

// Abs returns |x|.
func Abs(x *big.Int) *big.Int { return new(big.Int).Abs(orZero(x)) }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// MulBps returns round(x * bps / 10000).
func MulBps(x *big.Int, bps int64) *big.Int {
	n := new(big.Int).Mul(orZero(x), big.NewInt(bps))
	return divRound(n, bigBpsDenom)
}

// Notional returns round(share * priceMicros / 1e6): the cash value of a
// share quantity at a price.
func Notional(share *big.Int, priceMicros int64) *big.Int {
	n := new(big.Int).Mul(orZero(share), big.NewInt(priceMicros))
	return divRound(n, bigOne)
}

// SharesAt returns floor(notional * 1e6 / priceMicros): the largest share
// quantity purchasable for a notional at a price. Returns zero when
// priceMicros <= 0.
func SharesAt(notional *big.Int, priceMicros int64) *big.Int {
	if priceMicros <= 0 {
		return new(big.Int)
	}
	n := new(big.Int).Mul(orZero(notional), bigOne)
	return n.Quo(n, big.NewInt(priceMicros))
}

// VWAP returns round(notional * 1e6 / share) as a price in micros, or 0 when
// share is zero.
func VWAP(notional, share *big.Int) int64 {
	if IsZero(share) {
		return 0
	}
	n := new(big.Int).Mul(orZero(notional), bigOne)
	return divRound(n, orZero(share)).Int64()
}

// RatioBps returns round(part * 10000 / whole) in basis points, or 0 when
// whole is zero.
func RatioBps(part, whole *big.Int) int64 {
	if IsZero(whole) {
		return 0
	}
	n := new(big.Int).Mul(orZero(part), bigBpsDenom)
	return divRound(n, orZero(whole)).Int64()
}

// FromDecimalString parses a venue decimal string like "0.55" or "100.5"
// into micros, rounding to the nearest micro.
func FromDecimalString(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d.Shift(6).Round(0).BigInt(), nil
}

// PriceFromString parses a venue price string into int64 micros.
// Prices live in [0, 1] so they always fit.
func PriceFromString(s string) (int64, error) {
	v, err := FromDecimalString(s)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return v.Int64(), nil
}

// String renders a micros quantity as a human decimal ("1.25").
func String(x *big.Int) string {
	return decimal.NewFromBigInt(orZero(x), -6).String()
}

// Parse reads a base-10 integer micros string (the storage representation).
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse micros %q", s)
	}
	return v, nil
}

// divRound divides num by den rounding half away from zero.
func divRound(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	r.Abs(r)
	r.Mul(r, big.NewInt(2))
	if r.CmpAbs(den) >= 0 {
		if (num.Sign() < 0) != (den.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
