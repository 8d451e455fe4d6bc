// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pmc

import "strings"

// FloorRule assigns a minimum absolute difference to matching counters.
type FloorRule struct {
	// Match is compared against the counter name.
	Match string `yaml:"match" validate:"required"`

	// Exact requires equality; otherwise Match is a substring.
	Exact bool `yaml:"exact"`

	// Floor is the minimum |observed - reference| worth reporting.
	Floor float64 `yaml:"floor" validate:"gt=0"`
}

// Matches reports whether the rule applies to counter.
func (r FloorRule) Matches(counter string) bool {
	if r.Exact {
		return counter == r.Match
	}
	return strings.Contains(counter, r.Match)
}

// FloorPolicy maps counter names to minimum absolute differences.
//
// Rules are checked in order and the first match wins; Default applies
// when nothing matches. A difference below the floor is noise even when
// the value is outside the calibrated band.
type FloorPolicy struct {
	Rules   []FloorRule `yaml:"rules" validate:"dive"`
	Default float64     `yaml:"default" validate:"gt=0"`
}

// DefaultFloorPolicy returns the stock floors: retired-event counters 3,
// cycle and timestamp counters 100, everything else 1.
func DefaultFloorPolicy() FloorPolicy {
	return FloorPolicy{
		Rules: []FloorRule{
			{Match: "RETIRED", Floor: 3},
			{Match: "RDTSC", Exact: true, Floor: 100},
			{Match: "Cycles", Floor: 100},
			{Match: "cycles", Floor: 100},
		},
		Default: 1,
	}
}

// Floor returns the minimum absolute difference for counter.
func (p FloorPolicy) Floor(counter string) float64 {
	for _, r := range p.Rules {
		if r.Matches(counter) {
			return r.Floor
		}
	}
	return p.Default
}
