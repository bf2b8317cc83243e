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
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestVectorDim(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{VectorKindBurn, 32},
		{VectorKindPlume, 64},
		{VectorKindWeather, 128},
		{"unknown", 0},
	}
	for _, test := range tests {
		if got := VectorDim(test.kind); got != test.want {
			t.Errorf("VectorDim(%q) = %d, want %d", test.kind, got, test.want)
		}
	}
}

func TestNormalizeVector(t *testing.T) {
	v := []float64{3, 4}
	if err := normalizeVector(v); err != nil {
		t.Fatal(err)
	}
	if math.Abs(floats.Norm(v, 2)-1) > testTolerance {
		t.Errorf("norm after normalize = %g, want 1", floats.Norm(v, 2))
	}

	zero := make([]float64, 4)
	if err := normalizeVector(zero); err != nil {
		t.Errorf("zero vector: %v, want nil (degenerate vectors are legal)", err)
	}
	for i, x := range zero {
		if x != 0 {
			t.Errorf("zero vector changed at dimension %d: %g", i, x)
		}
	}

	if err := normalizeVector([]float64{1, math.NaN()}); !errors.Is(err, ErrInternalInvariant) {
		t.Errorf("NaN vector err = %v, want ErrInternalInvariant", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	if got := CosineSimilarity(a, b); math.Abs(got) > testTolerance {
		t.Errorf("orthogonal similarity = %g, want 0", got)
	}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > testTolerance {
		t.Errorf("self similarity = %g, want 1", got)
	}
	if got := CosineSimilarity(a, []float64{0, 0}); got != 0 {
		t.Errorf("zero-vector similarity = %g, want 0", got)
	}
}

func TestEncodeVector(t *testing.T) {
	v := make([]float64, BurnVectorDim)
	v[0] = 1
	b, err := EncodeVector(VectorKindBurn, v)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeVector(VectorKindBurn, b)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(got, v) {
		t.Error("decoded vector differs from encoded")
	}

	if _, err := EncodeVector(VectorKindBurn, make([]float64, 5)); !errors.Is(err, ErrInternalInvariant) {
		t.Errorf("wrong-dimension err = %v, want ErrInternalInvariant", err)
	}
	v[3] = math.Inf(1)
	if _, err := EncodeVector(VectorKindBurn, v); !errors.Is(err, ErrInternalInvariant) {
		t.Errorf("non-finite err = %v, want ErrInternalInvariant", err)
	}
	if _, err := EncodeVector("nope", make([]float64, 8)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown-kind err = %v, want ErrInvalidInput", err)
	}
}
