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
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/geom"
	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/burnmodel/burnsched/internal/hash"
)

// Weather analyzer tunables.
const (
	weatherCacheTTL     = 10 * time.Minute
	weatherCacheEntries = 512
	weatherCallTimeout  = 10 * time.Second
	embedCallTimeout    = 15 * time.Second
	forecastHorizonH    = 48
	forecastStepH       = 3

	// A burn window is a run of suitable 3-hourly forecast slots at
	// least this long.
	minBurnWindowSlots = 2
)

// Suitability thresholds for individual forecast slots.
const (
	windowWindMinMph = 2
	windowWindMaxMph = 15
	windowHumidMin   = 30
	windowHumidMax   = 70
	windowPrecipMax  = 20
)

// weatherQuery identifies one upstream fetch. Coordinates are rounded to
// three decimals and the time bucket changes every cache TTL, so equal
// queries inside a TTL window share one cache entry and one in-flight
// upstream call.
type weatherQuery struct {
	Kind     string // "current" or "forecast"
	Lat, Lon float64
	HorizonH int
	Bucket   int64
}

// Analyzer fetches and scores meteorology for burn locations. The cache
// is process-wide: concurrent requests for the same rounded location
// trigger at most one upstream call.
type Analyzer struct {
	provider WeatherProvider

	// Embedder, when non-nil, supplies the 128-dimension weather
	// embedding; otherwise a deterministic local feature map is used.
	Embedder Embedder

	// Now supplies the clock, injectable for tests.
	Now func() time.Time

	// HorizonHours is the forecast horizon; defaults to 48.
	HorizonHours int

	Log *logrus.Logger

	cache   *requestcache.Cache
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastGood map[string]*WeatherSample
}

// NewAnalyzer returns an Analyzer backed by provider. Calls to the
// provider are retried once with exponential backoff and guarded by a
// circuit breaker (5 consecutive failures open the circuit for 60
// seconds, with a single half-open probe).
func NewAnalyzer(provider WeatherProvider) *Analyzer {
	a := &Analyzer{
		provider:     provider,
		Now:          time.Now,
		HorizonHours: forecastHorizonH,
		Log:          logrus.StandardLogger(),
		lastGood:     make(map[string]*WeatherSample),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	a.cache = requestcache.NewCache(a.process, 4,
		requestcache.Deduplicate(), requestcache.Memory(weatherCacheEntries))
	return a
}

// process performs the upstream fetch for one cache miss.
func (a *Analyzer) process(ctx context.Context, payload interface{}) (interface{}, error) {
	q := payload.(weatherQuery)
	loc := geom.Point{X: q.Lon, Y: q.Lat}

	switch q.Kind {
	case "current":
		s, err := a.fetchCurrent(ctx, loc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "forecast":
		var out []WeatherSample
		op := func() error {
			cctx, cancel := context.WithTimeout(ctx, weatherCallTimeout)
			defer cancel()
			r, err := a.breaker.Execute(func() (interface{}, error) {
				return a.provider.Forecast(cctx, loc, q.HorizonH)
			})
			if err != nil {
				return err
			}
			out = r.([]WeatherSample)
			return nil
		}
		if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)); err != nil {
			return nil, fmt.Errorf("%w: weather forecast: %v", ErrExternalUnavailable, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown weather query kind %q", ErrInternalInvariant, q.Kind)
}

// fetchCurrent retrieves the current observation, falling back to the
// last successful sample for the location (marked Reliability = "low")
// when the provider is unavailable.
func (a *Analyzer) fetchCurrent(ctx context.Context, loc geom.Point) (*WeatherSample, error) {
	var s *WeatherSample
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, weatherCallTimeout)
		defer cancel()
		r, err := a.breaker.Execute(func() (interface{}, error) {
			return a.provider.Current(cctx, loc)
		})
		if err != nil {
			return err
		}
		s = r.(*WeatherSample)
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1))
	key := locKey(loc)
	if err == nil {
		a.mu.Lock()
		cp := *s
		a.lastGood[key] = &cp
		a.mu.Unlock()
		return s, nil
	}

	a.mu.Lock()
	last := a.lastGood[key]
	a.mu.Unlock()
	if last != nil {
		cp := *last
		cp.Reliability = "low"
		a.Log.WithFields(logrus.Fields{"location": key, "err": err}).
			Warn("weather provider unavailable; serving last good sample")
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: current weather: %v", ErrExternalUnavailable, err)
}

func round3(x float64) float64 { return math.Round(x*1000) / 1000 }

func locKey(loc geom.Point) string {
	return fmt.Sprintf("%.3f,%.3f", round3(loc.Y), round3(loc.X))
}

// Current returns the (possibly cached) current observation for loc.
func (a *Analyzer) Current(ctx context.Context, loc geom.Point) (*WeatherSample, error) {
	q := weatherQuery{
		Kind:   "current",
		Lat:    round3(loc.Y),
		Lon:    round3(loc.X),
		Bucket: a.Now().Unix() / int64(weatherCacheTTL.Seconds()),
	}
	r, err := a.cache.NewRequest(ctx, q, hash.Key("wx", q)).Result()
	if err != nil {
		return nil, err
	}
	return r.(*WeatherSample), nil
}

// ForecastFor returns the (possibly cached) 3-hourly forecast for loc.
func (a *Analyzer) ForecastFor(ctx context.Context, loc geom.Point) ([]WeatherSample, error) {
	q := weatherQuery{
		Kind:     "forecast",
		Lat:      round3(loc.Y),
		Lon:      round3(loc.X),
		HorizonH: a.HorizonHours,
		Bucket:   a.Now().Unix() / int64(weatherCacheTTL.Seconds()),
	}
	r, err := a.cache.NewRequest(ctx, q, hash.Key("wx", q)).Result()
	if err != nil {
		return nil, err
	}
	return r.([]WeatherSample), nil
}

// Analyze produces the weather report for one burn location and date:
// current conditions, forecast, the suitability score, acceptable burn
// windows, and the weather embedding. It fails only when no current
// sample can be obtained; a missing forecast yields a report without
// windows.
func (a *Analyzer) Analyze(ctx context.Context, loc geom.Point, date time.Time, window TimeWindow) (*WeatherReport, error) {
	cur, err := a.Current(ctx, loc)
	if err != nil {
		return nil, err
	}

	rep := &WeatherReport{
		Current:     *cur,
		Suitability: SuitabilityScore(cur),
	}

	fc, err := a.ForecastFor(ctx, loc)
	if err != nil {
		a.Log.WithFields(logrus.Fields{"location": locKey(loc), "err": err}).
			Warn("forecast unavailable; report has no burn windows")
	} else {
		rep.Forecast = fc
		rep.Windows = ExtractBurnWindows(fc)
	}

	rep.Embedding = a.embedding(ctx, cur)
	return rep, nil
}

// embedding produces the 128-dimension weather embedding, preferring the
// configured Embedder and falling back to the local feature map.
func (a *Analyzer) embedding(ctx context.Context, s *WeatherSample) []float64 {
	if a.Embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, embedCallTimeout)
		defer cancel()
		text := fmt.Sprintf("temperature %.0fF humidity %.0f%% wind %.1fmph from %.0f cloud %.0f%% precip %.0f%%",
			s.TemperatureF, s.HumidityPct, s.WindSpeedMph, s.WindDirectionDeg,
			s.CloudCoverPct, s.PrecipProbPct)
		if v, err := a.Embedder.Embed(ectx, text, WeatherVectorDim); err == nil && len(v) == WeatherVectorDim {
			return v
		}
		a.Log.Debug("embedder unavailable; using local weather feature map")
	}
	return WeatherFeatureMap(s)
}

// SuitabilityScore rates burn suitability from a single observation.
// The score starts at 0.5 and moves additively with wind, humidity, and
// precipitation probability, clamped to [0, 1].
func SuitabilityScore(s *WeatherSample) float64 {
	score := 0.5

	switch w := s.WindSpeedMph; {
	case w >= 2 && w <= 15:
		score += 0.2
	case w < 1 || w > 20:
		score -= 0.3
	}

	switch h := s.HumidityPct; {
	case h >= 30 && h <= 70:
		score += 0.2
	case h > 80 || h < 20:
		score -= 0.2
	}

	switch p := s.PrecipProbPct; {
	case p < 20:
		score += 0.1
	case p > 50:
		score -= 0.3
	}

	return clamp(score, 0, 1)
}

// slotSuitable reports whether a single forecast slot meets the burn
// window thresholds.
func slotSuitable(s *WeatherSample) bool {
	return s.WindSpeedMph >= windowWindMinMph && s.WindSpeedMph <= windowWindMaxMph &&
		s.HumidityPct >= windowHumidMin && s.HumidityPct <= windowHumidMax &&
		s.PrecipProbPct < windowPrecipMax
}

// ExtractBurnWindows finds maximal runs of suitable slots in a 3-hourly
// forecast that are long enough to burn in (at least 6 hours).
func ExtractBurnWindows(forecast []WeatherSample) []BurnWindow {
	var windows []BurnWindow
	run := 0
	sum := 0.0
	flush := func(endIdx int) {
		if run >= minBurnWindowSlots {
			first := forecast[endIdx-run]
			last := forecast[endIdx-1]
			windows = append(windows, BurnWindow{
				Start:       first.ObservationTime,
				End:         last.ObservationTime.Add(forecastStepH * time.Hour),
				Hours:       float64(run * forecastStepH),
				Suitability: sum / float64(run),
			})
		}
		run, sum = 0, 0
	}
	for i := range forecast {
		if slotSuitable(&forecast[i]) {
			run++
			sum += SuitabilityScore(&forecast[i])
		} else {
			flush(i)
		}
	}
	flush(len(forecast))
	return windows
}

// weatherVar describes how one meteorological variable maps into the
// feature-map dimensions.
type weatherVar struct {
	lo, hi   float64
	circular bool
}

// The eight encoded variables, in fixed order. Each owns 16 dimensions
// of the 128-dimension map.
var weatherVars = []weatherVar{
	{lo: -10, hi: 120},            // temperature, °F
	{lo: 0, hi: 100},              // humidity, %
	{lo: 0, hi: 40},               // wind speed, mph
	{lo: 0, hi: 360, circular: true}, // wind direction, deg
	{lo: 27, hi: 32},              // pressure, inHg
	{lo: 0, hi: 100},              // cloud cover, %
	{lo: 0, hi: 100},              // precipitation probability, %
	{lo: 0, hi: 10},               // visibility, mi
}

// 8 variables × 16 centers = 128 dimensions.
const weatherCentersPerVar = 16

// WeatherFeatureMap is a deterministic substitute for an external
// embedding: each variable is encoded as a radial-basis response over 16
// evenly spaced centers, so nearby conditions produce nearby vectors and
// cosine similarity orders like-for-like weather above dissimilar
// weather. The result is unit-normalized.
func WeatherFeatureMap(s *WeatherSample) []float64 {
	vals := []float64{s.TemperatureF, s.HumidityPct, s.WindSpeedMph,
		s.WindDirectionDeg, s.PressureInHg, s.CloudCoverPct,
		s.PrecipProbPct, s.VisibilityMi}

	vec := make([]float64, WeatherVectorDim)
	for vi, v := range weatherVars {
		x := vals[vi]
		if math.IsNaN(x) {
			continue
		}
		span := v.hi - v.lo
		sigma := span / float64(weatherCentersPerVar)
		for ci := 0; ci < weatherCentersPerVar; ci++ {
			center := v.lo + (float64(ci)+0.5)*span/float64(weatherCentersPerVar)
			d := x - center
			if v.circular {
				d = math.Mod(math.Abs(d), 360)
				if d > 180 {
					d = 360 - d
				}
			}
			vec[vi*weatherCentersPerVar+ci] = math.Exp(-d * d / (2 * sigma * sigma))
		}
	}
	if err := normalizeVector(vec); err != nil {
		// The NaN guard above makes this unreachable for real samples.
		return make([]float64, WeatherVectorDim)
	}
	return vec
}
