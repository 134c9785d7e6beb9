// Copyright 2026 The DwarFS-Go Authors
// SPDX-License-Identifier: Apache-2.0

// Package optparse parses the FUSE-style "-o key=value,key2=value2"
// mount option string used by dwarfsd, plus the decimal size and time
// unit suffixes that appear in individual option values.
package optparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSize parses a decimal integer optionally followed by a
// 1024-based unit suffix: K, M, or G. "768K" -> 786432.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	numeric := s
	switch s[len(s)-1] {
	case 'K', 'k':
		multiplier = 1024
		numeric = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		numeric = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return value * multiplier, nil
}

// ParseDuration parses a decimal integer followed by a time unit
// suffix: s (seconds), m (minutes), h (hours), or d (days).
// "5m" -> 5 minutes.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var unit time.Duration
	numeric := s
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
		numeric = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		numeric = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		numeric = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		numeric = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("invalid duration %q: missing unit (s/m/h/d)", s)
	}

	value, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid duration %q: negative", s)
	}
	return time.Duration(value) * unit, nil
}

// ParseOptionString splits a comma-separated "-o" option string into
// a map of key to value. A bare key (no "=") maps to "" and is
// treated as a boolean flag by the caller. Values may not contain
// commas (matches libfuse's option syntax: escape by not using one).
func ParseOptionString(s string) map[string]string {
	options := make(map[string]string)
	if s == "" {
		return options
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			options[key] = ""
			continue
		}
		options[key] = value
	}
	return options
}
