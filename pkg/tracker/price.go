package tracker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrInvalidPrice indicates that a scraped price could not be parsed into a decimal.
var ErrInvalidPrice = errors.New("invalid price")

// ParsePrice converts scraped price text such as "US $1,299.99" or "US $4.50/ea"
// into a decimal amount.
func ParsePrice(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "US")

	// Unit prices: "12.99/ea"
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == '.', r == '-':
			b.WriteRune(r)
		case r == ',', unicode.IsSpace(r), unicode.Is(unicode.Sc, r), unicode.IsLetter(r):
			// currency symbols, codes and thousands separators
		default:
			return decimal.Zero, fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidPrice, r, raw)
		}
	}

	cleaned := b.String()
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("%w: no digits in %q", ErrInvalidPrice, raw)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative amount %q", ErrInvalidPrice, raw)
	}
	return d, nil
}
