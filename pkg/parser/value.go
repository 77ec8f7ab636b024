package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEmpty is returned for blank input
	ErrEmpty = errors.New("empty value")
	// ErrNotIntegral is returned for values with a non-zero fraction
	ErrNotIntegral = errors.New("value is not a whole number")
)

// ParseValue parses a statistic value as rendered by game plugins:
// thousands separators are dropped and a zero fraction is accepted.
func ParseValue(s string) (int64, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ',', '_', ' ', '\u00a0', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if clean == "" {
		return 0, ErrEmpty
	}

	if whole, frac, ok := strings.Cut(clean, "."); ok {
		if strings.Trim(frac, "0") != "" {
			return 0, fmt.Errorf("%q: %w", s, ErrNotIntegral)
		}
		clean = whole
		if clean == "" || clean == "-" || clean == "+" {
			clean += "0"
		}
	}

	v, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return v, nil
}

// FormatValue renders a value the way placeholders display it
func FormatValue(v int64) string {
	return strconv.FormatInt(v, 10)
}
