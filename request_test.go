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
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"gonum.org/v1/gonum/floats"
)

const testTolerance = 1e-8

// testNow is the fixed clock used throughout the tests.
var testNow = time.Date(2026, 9, 10, 6, 0, 0, 0, time.UTC)

// testField returns a closed square field boundary of side d degrees
// centered on (lon, lat).
func testField(lon, lat, d float64) geom.Polygon {
	h := d / 2
	return geom.Polygon{{
		{X: lon - h, Y: lat - h},
		{X: lon + h, Y: lat - h},
		{X: lon + h, Y: lat + h},
		{X: lon - h, Y: lat + h},
		{X: lon - h, Y: lat - h},
	}}
}

// testRequest returns a valid 100-acre wheat request with a 09:00-13:00
// window two days out.
func testRequest(id int64) *BurnRequest {
	return &BurnRequest{
		ID:            id,
		FarmID:        10 + id,
		FieldBoundary: testField(-121.5, 38.5, 0.01),
		Acres:         100,
		Crop:          CropWheat,
		BurnDate:      time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		Window:        TimeWindow{Start: 9 * 60, End: 13 * 60},
	}
}

func testCoordinator() *RequestCoordinator {
	return &RequestCoordinator{Now: func() time.Time { return testNow }}
}

func TestValidateAccepts(t *testing.T) {
	v, err := testCoordinator().Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("validating well-formed request: %v", err)
	}
	if v.Priority < 0 || v.Priority > 100 {
		t.Errorf("priority = %d, want in [0, 100]", v.Priority)
	}
	if want := 4.0; v.DurationHours != want {
		t.Errorf("duration = %g hours, want %g", v.DurationHours, want)
	}
	if math.Abs(v.Centroid.X - -121.5) > 1e-6 || math.Abs(v.Centroid.Y-38.5) > 1e-6 {
		t.Errorf("centroid = %+v, want (-121.5, 38.5)", v.Centroid)
	}
	if v.LowConfidence {
		t.Error("well-formed request marked low confidence")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BurnRequest)
		wantErr error
	}{
		{"missing IDs", func(r *BurnRequest) { r.ID = 0 }, ErrMissingField},
		{"missing date", func(r *BurnRequest) { r.BurnDate = time.Time{} }, ErrMissingField},
		{"zero acres", func(r *BurnRequest) { r.Acres = 0 }, ErrBadAcreage},
		{"negative acres", func(r *BurnRequest) { r.Acres = -10 }, ErrBadAcreage},
		{"NaN acres", func(r *BurnRequest) { r.Acres = math.NaN() }, ErrBadAcreage},
		{"unknown crop", func(r *BurnRequest) { r.Crop = "kudzu" }, ErrUnknownCrop},
		{"no boundary", func(r *BurnRequest) { r.FieldBoundary = nil }, ErrMissingField},
		{"open ring", func(r *BurnRequest) {
			ring := r.FieldBoundary[0]
			r.FieldBoundary[0] = ring[:len(ring)-1]
		}, ErrBadPolygon},
		{"too few points", func(r *BurnRequest) {
			p := r.FieldBoundary[0][0]
			r.FieldBoundary = geom.Polygon{{p, p, p}}
		}, ErrBadPolygon},
		{"zero area", func(r *BurnRequest) {
			p := r.FieldBoundary[0][0]
			r.FieldBoundary = geom.Polygon{{p, p, p, p}}
		}, ErrBadPolygon},
		{"inverted window", func(r *BurnRequest) { r.Window = TimeWindow{Start: 13 * 60, End: 9 * 60} }, ErrBadTimeWindow},
		{"off-grid window", func(r *BurnRequest) { r.Window.Start += 10 }, ErrBadTimeWindow},
		{"short window", func(r *BurnRequest) { r.Window = TimeWindow{Start: 9 * 60, End: 10 * 60} }, ErrBadTimeWindow},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := testRequest(1)
			test.mutate(r)
			_, err := testCoordinator().Validate(context.Background(), r)
			if !errors.Is(err, test.wantErr) {
				t.Errorf("err = %v, want %v", err, test.wantErr)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v does not wrap ErrInvalidInput", err)
			}
		})
	}
}

func TestBurnDurationScalesWithAcreage(t *testing.T) {
	tests := []struct{ acres, hours float64 }{
		{10, 2},   // clamped to the minimum
		{50, 2},   // exactly the minimum
		{100, 4},  // 25 acres per hour
		{150, 6},
		{1000, 8}, // clamped to the maximum
	}
	for _, test := range tests {
		if got := burnDurationHours(test.acres); math.Abs(got-test.hours) > testTolerance {
			t.Errorf("burnDurationHours(%g) = %g, want %g", test.acres, got, test.hours)
		}
	}
}

func TestPriorityDeterministic(t *testing.T) {
	c := testCoordinator()
	a, err := c.Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	if a.Priority != b.Priority {
		t.Errorf("priorities differ across runs: %d vs %d", a.Priority, b.Priority)
	}
	if !floats.Equal(a.Vector, b.Vector) {
		t.Error("burn vectors differ across runs")
	}
}

func TestPriorityHintRaisesScore(t *testing.T) {
	c := testCoordinator()
	plain, err := c.Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	hinted := testRequest(1)
	h := 100
	hinted.PriorityHint = &h
	vh, err := c.Validate(context.Background(), hinted)
	if err != nil {
		t.Fatal(err)
	}
	if vh.Priority <= plain.Priority {
		t.Errorf("hinted priority %d not above unhinted %d", vh.Priority, plain.Priority)
	}
}

func TestPriorityFavorsCloserWindows(t *testing.T) {
	c := testCoordinator()
	near, err := c.Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	far := testRequest(1)
	far.BurnDate = far.BurnDate.AddDate(0, 0, 20)
	vf, err := c.Validate(context.Background(), far)
	if err != nil {
		t.Fatal(err)
	}
	if vf.Priority >= near.Priority {
		t.Errorf("distant burn priority %d not below imminent %d", vf.Priority, near.Priority)
	}
}

func TestBurnVectorLayout(t *testing.T) {
	v, err := testCoordinator().Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Vector) != BurnVectorDim {
		t.Fatalf("vector length = %d, want %d", len(v.Vector), BurnVectorDim)
	}
	if n := floats.Norm(v.Vector, 2); math.Abs(n-1) > testTolerance {
		t.Errorf("vector norm = %g, want 1", n)
	}
	// September -> month dimension 9 mod 8 = 1; 2026-09-12 is a
	// Saturday -> weekday dimension 8+6; wheat -> crop dimension 18.
	for _, dim := range []int{1, 8 + 6, 18} {
		if v.Vector[dim] == 0 {
			t.Errorf("vector dimension %d = 0, want nonzero", dim)
		}
	}
	// No history: trailing dimensions stay zero.
	for i := 23; i < BurnVectorDim; i++ {
		if v.Vector[i] != 0 {
			t.Errorf("history dimension %d = %g without history", i, v.Vector[i])
		}
	}
}

func TestValidateIdempotent(t *testing.T) {
	c := testCoordinator()
	v1, err := c.Validate(context.Background(), testRequest(1))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.Validate(context.Background(), &v1.BurnRequest)
	if err != nil {
		t.Fatalf("revalidating validated request: %v", err)
	}
	if v1.Priority != v2.Priority || v1.DurationHours != v2.DurationHours {
		t.Errorf("revalidation changed results: %d/%g vs %d/%g",
			v1.Priority, v1.DurationHours, v2.Priority, v2.DurationHours)
	}
}

func TestClockTimeRoundTrip(t *testing.T) {
	c, err := ParseClock("09:30")
	if err != nil {
		t.Fatal(err)
	}
	if c != 9*60+30 {
		t.Errorf("ParseClock(09:30) = %d minutes, want %d", int(c), 9*60+30)
	}
	if s := c.String(); s != "09:30" {
		t.Errorf("String() = %q, want 09:30", s)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("ParseClock accepted 25:00")
	}
}
