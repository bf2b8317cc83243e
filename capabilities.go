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
	"time"

	"github.com/ctessum/geom"
)

// WeatherProvider supplies current and forecast meteorology for a
// location. Implementations may fail; the Weather Analyzer wraps calls
// with retry, a circuit breaker, and a last-good fallback.
type WeatherProvider interface {
	// Current returns the most recent observation for loc (WGS84).
	Current(ctx context.Context, loc geom.Point) (*WeatherSample, error)
	// Forecast returns 3-hourly forecast samples out to horizonH hours.
	Forecast(ctx context.Context, loc geom.Point, horizonH int) ([]WeatherSample, error)
}

// Embedder produces a fixed-dimension embedding for a text description.
// dims must be 64 or 128. The Weather Analyzer substitutes a
// deterministic local feature map when no Embedder is configured.
type Embedder interface {
	Embed(ctx context.Context, text string, dims int) ([]float64, error)
}

// Match is a vector-similarity search result.
type Match struct {
	ID         int64
	Similarity float64
}

// VectorStore persists feature vectors and searches them by cosine
// similarity. kind is one of "burn", "weather", or "plume"; each kind has
// a fixed dimension enforced at encode time.
type VectorStore interface {
	Upsert(ctx context.Context, kind string, id int64, vector []float64) error
	Search(ctx context.Context, kind string, vector []float64, k int, minSim float64) ([]Match, error)
}

// Relational is the narrow persistence interface the pipeline consumes:
// schedule inserts and historical-feature queries. Times are stored as
// "HH:MM" strings in the local time of the scheduling date.
type Relational interface {
	InsertSchedule(ctx context.Context, date time.Time, s *Schedule, m *OptimizationMetrics) (scheduleID int64, err error)
	QueryFarmHistory(ctx context.Context, farmID int64) (*FarmHistory, error)
}

// DeliveryResult reports the outcome of a single transport send.
type DeliveryResult struct {
	MessageID string
	Delivered bool
}

// AlertTransport delivers a payload to a recipient address over a
// channel. Implementations are expected to block no longer than the
// context allows.
type AlertTransport interface {
	Send(ctx context.Context, ch Channel, recipient string, payload []byte) (*DeliveryResult, error)
}
