// Package pxptime parses the agent's "<n>{d|h|m}" duration strings and
// compares instants against filesystem modification times.
//
// It is the Go counterpart of pxp-agent's Timestamp class: a past_duration
// string such as "1h" or "14d" names a point that far in the past, and
// IsNewerThan lets a caller ask whether "now minus that duration" comes
// after some other recorded instant (an mtime, or another ISO8601 string).
package pxptime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp holds a time point reference to a past instant.
type Timestamp struct {
	TimePoint time.Time
}

// New parses a past-duration string ("<integer><d|h|m>") and returns a
// Timestamp anchored at now minus that duration.
func New(pastDuration string) (Timestamp, error) {
	instant, err := GetPastInstant(pastDuration)
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{TimePoint: instant}, nil
}

func processDurationString(pastDuration string) (value int, suffix byte, err error) {
	if len(pastDuration) < 2 {
		return 0, 0, fmt.Errorf("invalid duration string: %s", pastDuration)
	}
	suffix = pastDuration[len(pastDuration)-1]
	numeric := pastDuration[:len(pastDuration)-1]
	value, convErr := strconv.Atoi(numeric)
	if convErr != nil {
		return 0, 0, fmt.Errorf("invalid duration string: %s%c", numeric, suffix)
	}
	return value, suffix, nil
}

// GetPastInstant returns the time.Time that is pastDuration before now.
func GetPastInstant(pastDuration string) (time.Time, error) {
	value, suffix, err := processDurationString(pastDuration)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now().UTC()
	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -value), nil
	case 'h':
		return now.Add(-time.Duration(value) * time.Hour), nil
	case 'm':
		return now.Add(-time.Duration(value) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("invalid duration string: %d%c", value, suffix)
	}
}

// GetMinutes returns the number of minutes represented by pastDuration.
func GetMinutes(pastDuration string) (uint, error) {
	value, suffix, err := processDurationString(pastDuration)
	if err != nil {
		return 0, err
	}
	switch suffix {
	case 'd':
		return uint(value) * 24 * 60, nil
	case 'h':
		return uint(value) * 60, nil
	case 'm':
		return uint(value), nil
	default:
		return 0, fmt.Errorf("invalid duration string: %d%c", value, suffix)
	}
}

// ConvertToISO transforms "2016-02-18T19:40:49.711227Z" into
// "20160218T194049.711227", matching boost's extended->non-extended
// ISO8601 conversion. It requires a trailing 'Z' and a minimum length of 21.
func ConvertToISO(extendedISO8601 string) (string, error) {
	if extendedISO8601 == "" {
		return "", fmt.Errorf("empty time string")
	}
	if len(extendedISO8601) < 21 || extendedISO8601[len(extendedISO8601)-1] != 'Z' {
		return "", fmt.Errorf("invalid time string: %s", extendedISO8601)
	}
	trimmed := extendedISO8601[:len(extendedISO8601)-1]
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, c := range trimmed {
		if c == '-' || c == ':' {
			continue
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}

const isoLayout = "20060102T150405.000000"

// IsNewerThan reports whether t's time point is after the instant encoded
// by extendedISO8601.
func (t Timestamp) IsNewerThan(extendedISO8601 string) (bool, error) {
	iso, err := ConvertToISO(extendedISO8601)
	if err != nil {
		return false, fmt.Errorf("failed to create a timepoint for %s: %w", extendedISO8601, err)
	}
	parsed, err := parseCompactISO(iso)
	if err != nil {
		return false, fmt.Errorf("failed to create a timepoint for %s: %w", extendedISO8601, err)
	}
	return t.TimePoint.After(parsed), nil
}

// IsNewerThanTime reports whether t's time point is after mtime (used to
// compare against a filesystem modification time).
func (t Timestamp) IsNewerThanTime(mtime time.Time) bool {
	return t.TimePoint.After(mtime)
}

// parseCompactISO parses "20060102T150405" or "20060102T150405.000000".
func parseCompactISO(s string) (time.Time, error) {
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		return time.Parse("20060102T150405.000000", s)
	}
	return time.Parse("20060102T150405", s)
}
