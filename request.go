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
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"
)

// Burn duration limits. Duration scales with acreage between these
// bounds.
const (
	MinBurnDuration = 2 * time.Hour
	MaxBurnDuration = 8 * time.Hour
)

// acresPerBurnHour controls how burn duration scales with field size:
// a 100-acre field burns for 4 hours.
const acresPerBurnHour = 25.0

// Priority score component weights. They sum to 100 so the score is an
// integer in [0, 100].
const (
	priorityAcreageWeight   = 30
	priorityCropWeight      = 30
	priorityProximityWeight = 25
	priorityHintWeight      = 15
)

// cropEmissivityRank orders crops by how much their priority benefits
// from early scheduling. This is a policy ordering, not the emission
// factor table: rice outranks cotton despite cotton's higher factor
// because rice straw burns are the most window-constrained.
var cropEmissivityRank = map[CropType]float64{
	CropRice:      1.0,
	CropCotton:    0.9,
	CropSorghum:   0.8,
	CropCorn:      0.7,
	CropWheat:     0.6,
	CropBarley:    0.5,
	CropOats:      0.4,
	CropSunflower: 0.3,
	CropSoybeans:  0.2,
	CropOther:     0.1,
}

// RequestCoordinator validates burn requests, scores their priority, and
// derives the burn feature vector used for similarity retrieval.
type RequestCoordinator struct {
	// Now supplies the current time for window-proximity scoring;
	// defaults to time.Now. Injectable so batch runs are reproducible.
	Now func() time.Time

	// Store, when non-nil, supplies historical success features for the
	// trailing burn-vector dimensions.
	Store Relational
}

// Validate checks a burn request and returns the validated form with its
// priority score, feature vector, and derived geometry. Validation is
// idempotent: a request derived from a ValidatedRequest validates to the
// same result.
func (c *RequestCoordinator) Validate(ctx context.Context, req *BurnRequest) (*ValidatedRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrMissingField)
	}
	if req.ID == 0 || req.FarmID == 0 {
		return nil, fmt.Errorf("%w: request and farm IDs are required", ErrMissingField)
	}
	if req.BurnDate.IsZero() {
		return nil, fmt.Errorf("%w: burn date is required", ErrMissingField)
	}
	if req.Acres <= 0 || math.IsNaN(req.Acres) {
		return nil, fmt.Errorf("%w: acres = %g", ErrBadAcreage, req.Acres)
	}
	if !KnownCrop(req.Crop) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCrop, req.Crop)
	}
	if err := checkPolygon(req.FieldBoundary); err != nil {
		return nil, err
	}
	if err := checkWindow(req.Window); err != nil {
		return nil, err
	}

	v := &ValidatedRequest{
		BurnRequest:   *req,
		Centroid:      req.FieldBoundary.Centroid(),
		DurationHours: burnDurationHours(req.Acres),
	}
	if math.IsNaN(v.Centroid.X) || math.IsNaN(v.Centroid.Y) {
		// The predictor substitutes its regional fallback centroid.
		v.LowConfidence = true
	}

	if c.Store != nil {
		h, err := c.Store.QueryFarmHistory(ctx, req.FarmID)
		if err == nil && h != nil && h.HasHistory {
			v.History = h
		}
	}

	v.Priority = c.priorityScore(req)
	vec, err := burnVector(v)
	if err != nil {
		return nil, err
	}
	v.Vector = vec
	return v, nil
}

// burnDurationHours estimates how long a burn runs, clamped to the
// configured limits.
func burnDurationHours(acres float64) float64 {
	return clamp(acres/acresPerBurnHour, MinBurnDuration.Hours(), MaxBurnDuration.Hours())
}

// checkPolygon enforces the field-boundary invariant: at least one ring
// with at least 4 points, explicitly closed, with positive area.
func checkPolygon(p geom.Polygon) error {
	if len(p) == 0 || len(p[0]) == 0 {
		return fmt.Errorf("%w: field boundary is required", ErrMissingField)
	}
	ring := p[0]
	if len(ring) < 4 {
		return fmt.Errorf("%w: ring has %d points, need at least 4", ErrBadPolygon, len(ring))
	}
	if !ring[0].Equals(ring[len(ring)-1]) {
		return fmt.Errorf("%w: ring is not closed", ErrBadPolygon)
	}
	if a := math.Abs(p.Area()); a <= 0 || math.IsNaN(a) {
		return fmt.Errorf("%w: ring has non-positive area", ErrBadPolygon)
	}
	return nil
}

func checkWindow(w TimeWindow) error {
	if w.Start < 0 || w.End > 24*60 || w.Start >= w.End {
		return fmt.Errorf("%w: [%s, %s]", ErrBadTimeWindow, w.Start, w.End)
	}
	if int(w.Start)%30 != 0 || int(w.End)%30 != 0 {
		return fmt.Errorf("%w: times must be on 30-minute boundaries", ErrBadTimeWindow)
	}
	if w.Duration() < MinBurnDuration {
		return fmt.Errorf("%w: window %s shorter than minimum burn duration %s",
			ErrBadTimeWindow, w.Duration(), MinBurnDuration)
	}
	return nil
}

// priorityScore computes the 0-100 priority from acreage, crop, window
// proximity, and the optional external hint. Deterministic; ties are
// broken downstream by ascending request ID.
func (c *RequestCoordinator) priorityScore(req *BurnRequest) int {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	acreage := clamp(req.Acres/500, 0, 1)

	crop := cropEmissivityRank[req.Crop]

	// Requests whose windows open sooner score higher; two weeks out or
	// more scores zero.
	windowOpen := req.BurnDate.Add(time.Duration(req.Window.Start) * time.Minute)
	days := windowOpen.Sub(now()).Hours() / 24
	proximity := clamp(1-days/14, 0, 1)

	hint := 0.0
	if req.PriorityHint != nil {
		hint = clamp(float64(*req.PriorityHint), 0, 100) / 100
	}

	score := acreage*priorityAcreageWeight +
		crop*priorityCropWeight +
		proximity*priorityProximityWeight +
		hint*priorityHintWeight
	return int(clamp(math.Round(score), 0, 100))
}

// Burn-vector crop one-hot buckets occupy dimensions 18-22. The bucket
// list is fixed at five crops; crops outside it contribute zeros. The
// "grass" bucket is reserved for cross-system compatibility and is never
// set from the request enum.
var burnVectorCropSlot = map[CropType]int{
	CropWheat:    18,
	CropCorn:     19,
	CropSoybeans: 20,
	CropRice:     21,
}

// burnVector builds the 32-dimension burn feature vector. Dimension
// positions are fixed:
//
//	0-7   one-hot month-of-year modulo 8 (seasonal similarity)
//	8-14  one-hot day of week
//	15    acres / 500, clamped
//	16    priority / 100
//	17    requested window duration / 24h
//	18-22 crop one-hot over {wheat, corn, soybeans, rice, grass}
//	23-31 historical success features, zeros when history is absent
//
// The result is L2-normalized; an all-zero vector is returned as-is.
func burnVector(v *ValidatedRequest) ([]float64, error) {
	vec := make([]float64, BurnVectorDim)

	vec[int(v.BurnDate.Month())%8] = 1
	vec[8+int(v.BurnDate.Weekday())] = 1
	vec[15] = clamp(v.Acres/500, 0, 1)
	vec[16] = float64(v.Priority) / 100
	vec[17] = v.Window.Duration().Hours() / 24
	if slot, ok := burnVectorCropSlot[v.Crop]; ok {
		vec[slot] = 1
	}
	if h := v.History; h != nil && h.HasHistory {
		vec[23] = clamp(h.SuccessRate, 0, 1)
		vec[24] = clamp(h.AvgDurationHours/8, 0, 1)
		vec[25] = clamp(1-h.ConflictRate, 0, 1)
		vec[26] = clamp(h.GoodWeatherRate, 0, 1)
		vec[27] = clamp(h.OnTimeRate, 0, 1)
		vec[28] = clamp(h.Experience, 0, 1)
		vec[29] = clamp(h.NoViolationRate, 0, 1)
		vec[30] = clamp(h.RecentSuccess, 0, 1)
		vec[31] = clamp(h.SeasonalSuccess, 0, 1)
	}

	if err := normalizeVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}
