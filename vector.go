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
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Fixed feature vector dimensions per kind. Cross-process consumers
// depend on these being stable.
const (
	BurnVectorDim    = 32
	PlumeVectorDim   = 64
	WeatherVectorDim = 128
)

// Vector kinds, used as the namespace in the vector store.
const (
	VectorKindBurn    = "burn"
	VectorKindPlume   = "plume"
	VectorKindWeather = "weather"
)

// VectorDim returns the fixed dimension for a vector kind, or 0 for an
// unknown kind.
func VectorDim(kind string) int {
	switch kind {
	case VectorKindBurn:
		return BurnVectorDim
	case VectorKindPlume:
		return PlumeVectorDim
	case VectorKindWeather:
		return WeatherVectorDim
	}
	return 0
}

// normalizeVector scales v to unit L2 norm in place. An all-zero vector
// is left as-is; degenerate vectors are legal and must be tolerated by
// consumers. Returns ErrInternalInvariant if v contains a non-finite
// value.
func normalizeVector(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite value %g at dimension %d", ErrInternalInvariant, x, i)
		}
	}
	n := floats.Norm(v, 2)
	if n == 0 {
		return nil
	}
	floats.Scale(1/n, v)
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// if either has zero norm. Panics if lengths differ, matching
// gonum/floats conventions.
func CosineSimilarity(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// EncodeVector serializes a feature vector as a JSON array of doubles.
// The length must match the kind's fixed dimension and every value must
// be finite; NaN and ±Inf are rejected rather than silently coerced.
func EncodeVector(kind string, v []float64) ([]byte, error) {
	d := VectorDim(kind)
	if d == 0 {
		return nil, fmt.Errorf("%w: unknown vector kind %q", ErrInvalidInput, kind)
	}
	if len(v) != d {
		return nil, fmt.Errorf("%w: %s vector has %d dimensions, want %d",
			ErrInternalInvariant, kind, len(v), d)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite value at dimension %d of %s vector",
				ErrInternalInvariant, i, kind)
		}
	}
	return json.Marshal(v)
}

// DecodeVector parses a JSON array of doubles, enforcing the kind's
// fixed dimension and finiteness.
func DecodeVector(kind string, b []byte) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding %s vector: %w", kind, err)
	}
	d := VectorDim(kind)
	if d == 0 {
		return nil, fmt.Errorf("%w: unknown vector kind %q", ErrInvalidInput, kind)
	}
	if len(v) != d {
		return nil, fmt.Errorf("%w: %s vector has %d dimensions, want %d",
			ErrInvalidInput, kind, len(v), d)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite value at dimension %d", ErrInvalidInput, i)
		}
	}
	return v, nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
