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

import "errors"

var (
	// ErrCalibrationDiverged is returned when the try budget runs out before
	// the required streak of clean runs. It ends the process cleanly.
	ErrCalibrationDiverged = errors.New("calibration did not converge")

	// ErrInvalidConfig is returned for calibration settings that cannot
	// converge (factors on the wrong side of 1, empty streak).
	ErrInvalidConfig = errors.New("invalid calibration config")

	// ErrNoReference is returned when the reference run yields no counters.
	ErrNoReference = errors.New("reference run produced no counter values")
)
