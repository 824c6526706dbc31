package types

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
)

// Amount is an unsigned integer of arbitrary precision, encoded in JSON as a
// decimal string. Token amounts routinely exceed 2^53 so they never pass
// through float64.
type Amount struct {
	v *big.Int
}

// NewAmount copies x into a new Amount.
func NewAmount(x *big.Int) Amount {
	if x == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(x)}
}

// AmountFromUint64 returns an Amount holding x.
func AmountFromUint64(x uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(x)}
}

// ParseAmount parses a base 10 unsigned integer.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("amount cannot be empty")
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if x.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount cannot be negative")
	}
	return Amount{v: x}, nil
}

// MustParseAmount is like ParseAmount but panics on error.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// BigInt returns a copy of the value. A zero Amount yields 0.
func (a Amount) BigInt() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// Cmp compares a and b like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int {
	return a.BigInt().Cmp(b.BigInt())
}

// Equal reports whether a and b hold the same value.
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

// IsUint64 reports whether a fits in a uint64.
func (a Amount) IsUint64() bool {
	return a.BigInt().IsUint64()
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
