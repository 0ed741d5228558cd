package erc20

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidAmount   = errors.New("erc20: invalid amount")
	ErrTooManyDecimals = errors.New("erc20: too many decimal places")
	ErrNegativeAmount  = errors.New("erc20: amount must be positive")
	ErrZeroAmount      = errors.New("erc20: amount must be greater than zero")
)

// ParseAmount converts a user-entered decimal string like "12.5" into
// token base units. The fractional part may not exceed the token's
// decimals and the result must be strictly positive.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") {
		return nil, ErrInvalidAmount
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has %d, token allows %d", ErrTooManyDecimals, s, len(frac), decimals)
	}

	// Right-pad the fraction to the token's precision and parse the
	// two parts as one integer.
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	return v, nil
}

// FormatAmount renders base units as a decimal string, trimming trailing
// fractional zeros.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}

	digits := abs.String()
	if int(decimals) >= len(digits) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], digits[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}
