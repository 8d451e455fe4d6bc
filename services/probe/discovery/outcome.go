// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"errors"
	"fmt"
)

// Outcome classifies the Phase 1 probe of one register.
type Outcome int

const (
	Success Outcome = iota
	InitialReadError
	ReadAfterFailedWriteError
	ValueChangeAfterFailedWriteError
	ReadAfterSuccessfulWriteError
	RestoreError
)

// outcomeNames is the persisted spelling of every outcome. Both String and
// ParseOutcome use it.
var outcomeNames = []struct {
	outcome Outcome
	name    string
}{
	{Success, "Success"},
	{InitialReadError, "InitialReadError"},
	{ReadAfterFailedWriteError, "ReadAfterFailedWriteError"},
	{ValueChangeAfterFailedWriteError, "ValueChangeAfterFailedWriteError"},
	{ReadAfterSuccessfulWriteError, "ReadAfterSuccessfulWriteError"},
	{RestoreError, "RestoreError"},
}

// ErrUnknownOutcome is returned by ParseOutcome for unrecognized names.
var ErrUnknownOutcome = errors.New("unknown outcome")

func (o Outcome) String() string {
	for _, e := range outcomeNames {
		if e.outcome == o {
			return e.name
		}
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ParseOutcome returns the outcome persisted as name.
func ParseOutcome(name string) (Outcome, error) {
	for _, e := range outcomeNames {
		if e.name == name {
			return e.outcome, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, name)
}
