/*
Copyright © 2025 the BurnSched authors.
This file is part of BurnSched.

BurnSched is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnSched is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnSched.  If not, see <http://www.gnu.org/licenses/>.
*/

package burnsched

import (
	"errors"
	"fmt"
)

// Error kinds carried across the pipeline. Callers classify wrapped
// errors with errors.Is; user-facing messages never contain stack traces.
var (
	// ErrInvalidInput marks per-request validation failures. The request
	// is excluded from the batch with a recorded reason; the batch
	// continues.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExternalUnavailable marks failures of an outbound capability
	// (weather provider, embedder, storage) after fallbacks were tried.
	ErrExternalUnavailable = errors.New("external service unavailable")

	// ErrConflict marks a hard invariant violation in batch data. It is
	// the only error kind that aborts a batch.
	ErrConflict = errors.New("data conflict")

	// ErrCancelled marks cooperative cancellation. Stages return their
	// best-so-far output alongside it.
	ErrCancelled = errors.New("cancelled")

	// ErrInternalInvariant marks a broken internal invariant (NaN in the
	// physics, non-finite vector). Fatal for the individual prediction
	// only.
	ErrInternalInvariant = errors.New("internal invariant violation")
)

// Validation error reasons, wrapped around ErrInvalidInput.
var (
	ErrMissingField  = fmt.Errorf("%w: missing field", ErrInvalidInput)
	ErrBadPolygon    = fmt.Errorf("%w: bad polygon", ErrInvalidInput)
	ErrBadTimeWindow = fmt.Errorf("%w: bad time window", ErrInvalidInput)
	ErrUnknownCrop   = fmt.Errorf("%w: unknown crop", ErrInvalidInput)
	ErrBadAcreage    = fmt.Errorf("%w: invalid acreage", ErrInvalidInput)
)

// BatchWarning records a non-fatal per-request failure folded into a
// batch result.
type BatchWarning struct {
	BurnRequestID int64  `json:"burnRequestId"`
	Stage         string `json:"stage"`
	Message       string `json:"message"`
}

func (w BatchWarning) String() string {
	return fmt.Sprintf("request %d (%s): %s", w.BurnRequestID, w.Stage, w.Message)
}
