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

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// DeviationFields is the number of ';'-separated fields one deviation
// occupies in a side-effect or traced-bits row.
const DeviationFields = 6

// DeviationHeader names the fields of one deviation group.
const DeviationHeader = "testname;pmcname;reference_value;lower_threshold;upper_threshold;observed_value"

// FormatDeviation renders d as DeviationFields fields without a trailing
// separator.
func FormatDeviation(d Deviation) string {
	return strings.Join([]string{
		d.Test,
		d.Counter,
		util.FormatFloat(d.Reference),
		util.FormatFloat(d.Lower),
		util.FormatFloat(d.Upper),
		util.FormatFloat(d.Observed),
	}, ";")
}

// ParseDeviation parses exactly DeviationFields fields.
func ParseDeviation(fields []string) (Deviation, error) {
	if len(fields) != DeviationFields {
		return Deviation{}, fmt.Errorf("deviation needs %d fields, got %d", DeviationFields, len(fields))
	}
	t, err := parseThreshold(strings.Join(fields[:5], ";"))
	if err != nil {
		return Deviation{}, err
	}
	observed, err := util.ParseFloat(fields[5])
	if err != nil {
		return Deviation{}, err
	}
	return Deviation{Threshold: t, Observed: observed}, nil
}
