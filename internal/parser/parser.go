// Package parser turns the formatted strings produced by the diagnostic
// adapter and the upstream controller into numbers.
//
// Adapter firmware formats a reading as "<number><sep><unit>", where sep is
// usually a narrow no-break space (U+202F). The unit token is stripped and
// the remaining prefix is parsed with strconv, which is locale independent.
// A string carrying a different unit, or no parsable number, is a parse
// failure; the caller treats the field as absent.
package parser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrEmpty is returned for a blank response.
	ErrEmpty = errors.New("empty response")
	// ErrUnexpectedUnit is returned when the response carries a unit other
	// than the expected one.
	ErrUnexpectedUnit = errors.New("unexpected unit")
	// ErrNotFinite is returned for NaN and infinities, which strconv accepts.
	ErrNotFinite = errors.New("not a finite number")
)

// unitSeparators are tried in order when stripping a unit token.
var unitSeparators = []string{"\u202f", "\u00a0", " "}

// ParseInt parses an integer reading such as "850 rpm".
func ParseInt(formatted, unit string) (int, error) {
	num, err := numericPrefix(formatted, unit)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(num)
	if err != nil {
		return 0, fmt.Errorf("parse %q as int: %w", formatted, err)
	}
	return v, nil
}

// ParseFloat parses a decimal reading such as "2.4 L/h".
func ParseFloat(formatted, unit string) (float64, error) {
	num, err := numericPrefix(formatted, unit)
	if err != nil {
		return 0, err
	}
	v, err := parseFinite(num)
	if err != nil {
		return 0, fmt.Errorf("parse %q as float: %w", formatted, err)
	}
	return v, nil
}

// ParseGaugeValue parses the value string of an upstream controller gauge,
// e.g. "31.0 Liter" with suffix " Liter". A bare number is accepted too.
func ParseGaugeValue(value, suffix string) (float64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, ErrEmpty
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, strings.TrimSpace(suffix)))
	v, err := parseFinite(s)
	if err != nil {
		return 0, fmt.Errorf("parse gauge value %q: %w", value, err)
	}
	return v, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

// numericPrefix strips the expected unit token and returns what precedes it.
func numericPrefix(formatted, unit string) (string, error) {
	s := strings.TrimSpace(formatted)
	if s == "" {
		return "", ErrEmpty
	}
	if unit == "" {
		return s, nil
	}

	for _, sep := range unitSeparators {
		if strings.HasSuffix(s, sep+unit) {
			return strings.TrimSpace(strings.TrimSuffix(s, sep+unit)), nil
		}
	}

	// A separator followed by some other token means a unit we do not know.
	for _, sep := range unitSeparators {
		if strings.Contains(s, sep) {
			return "", fmt.Errorf("%w in %q, want %q", ErrUnexpectedUnit, formatted, unit)
		}
	}

	// No unit at all: let strconv decide.
	return s, nil
}
