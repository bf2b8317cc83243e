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
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/atmos/plumerise"
	"github.com/ctessum/geom"
	"github.com/ctessum/unit"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// EPA PM2.5 thresholds [µg/m³].
const (
	PM25Annual    = 12
	PM25Daily     = 35
	PM25Unhealthy = 55
	PM25Hazardous = 250
)

// minBurnSeparationM is the desired separation between simultaneous
// burns. It sets the boundary between low and medium spatial conflict
// severity; it is not a hard constraint.
const minBurnSeparationM = 1000

// fieldDistancesM is the log-spaced centerline sampling grid [m].
var fieldDistancesM = []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000}

// FuelProperties describes a crop's residue as a fuel.
type FuelProperties struct {
	// LoadTonnesPerAcre is dry biomass per acre.
	LoadTonnesPerAcre float64 `toml:"load_tonnes_per_acre"`
	// EmissionFactorKgPerTonne is kg PM2.5 emitted per tonne of dry
	// fuel burned.
	EmissionFactorKgPerTonne float64 `toml:"emission_factor_kg_per_tonne"`
	// HeatContentJPerKg is the heat of combustion of the residue.
	HeatContentJPerKg float64 `toml:"heat_content_j_per_kg"`
}

// DefaultFuels holds fuel properties by crop. Emission factors follow
// the agricultural residue burning literature; loads are typical
// post-harvest residue masses. Overridable from configuration.
var DefaultFuels = map[CropType]FuelProperties{
	CropRice:      {3.0, 3.2, 14.9e6},
	CropWheat:     {1.5, 2.8, 17.0e6},
	CropCorn:      {2.2, 2.1, 17.7e6},
	CropBarley:    {1.4, 2.5, 17.3e6},
	CropOats:      {1.3, 2.3, 17.4e6},
	CropCotton:    {1.1, 4.1, 15.8e6},
	CropSoybeans:  {1.0, 1.9, 16.9e6},
	CropSunflower: {1.2, 2.2, 16.5e6},
	CropSorghum:   {2.0, 3.0, 16.9e6},
	CropOther:     {1.5, 2.5, 16.0e6},
}

// martinCoeff holds the Martin (1976) power-law dispersion coefficients
// for one stability class, with downwind distance in km and σ in m:
// σy = a·x^0.894, σz = b·x^c.
type martinCoeff struct {
	a, b, c float64
}

var martinCoeffs = map[StabilityClass]martinCoeff{
	StabilityA: {213, 440.8, 1.941},
	StabilityB: {156, 106.6, 1.149},
	StabilityC: {104, 61.0, 0.911},
	StabilityD: {68, 33.2, 0.725},
	StabilityE: {50.5, 22.8, 0.678},
	StabilityF: {34, 14.35, 0.740},
}

const (
	sigmaYExponent = 0.894
	sigmaEpsilon   = 1e-3 // returned for non-positive distances
	mphToMps       = 0.44704
	acreToM2       = 4046.8564224
	// minWindMps floors the transport wind so centerline
	// concentrations stay finite in calm conditions.
	minWindMps = 0.5
	// plumeTopM is the top of the synthetic profile used for plume
	// rise; rises above it are capped here.
	plumeTopM = 500
	// fallbackPlumeHeightM is used when the plume-rise calculation
	// fails; the prediction is marked low-confidence.
	fallbackPlumeHeightM = 10
)

// Dispersion returns (σy, σz) in meters at downwind distance x meters
// for the given stability class. Both are finite and positive; for
// x ≤ 0 a small positive epsilon is returned.
func Dispersion(class StabilityClass, x float64) (sigmaY, sigmaZ float64) {
	if x <= 0 || math.IsNaN(x) {
		return sigmaEpsilon, sigmaEpsilon
	}
	co, ok := martinCoeffs[class]
	if !ok {
		co = martinCoeffs[StabilityD]
	}
	xkm := x / 1000
	sigmaY = co.a * math.Pow(xkm, sigmaYExponent)
	sigmaZ = co.b * math.Pow(xkm, co.c)
	if sigmaY < sigmaEpsilon {
		sigmaY = sigmaEpsilon
	}
	if sigmaZ < sigmaEpsilon {
		sigmaZ = sigmaEpsilon
	}
	return sigmaY, sigmaZ
}

// StabilityFromWeather determines the Pasquill-Gifford stability class
// from wind speed, cloud cover, and local hour of day. Ambiguous table
// cells resolve to the more stable (later) class. Calm, negative, or
// NaN wind defaults to neutral D.
func StabilityFromWeather(windMph, cloudPct float64, hour int) StabilityClass {
	if windMph <= 0 || math.IsNaN(windMph) {
		return StabilityD
	}
	day := hour >= 7 && hour < 19

	// Wind speed band index.
	var band int
	switch {
	case windMph < 2:
		band = 0
	case windMph < 3:
		band = 1
	case windMph < 5:
		band = 2
	case windMph < 6:
		band = 3
	default:
		band = 4
	}

	if day {
		// Insolation from cloud cover: strong < 25%, moderate 25-50%,
		// slight > 50%.
		var col int
		switch {
		case cloudPct < 25:
			col = 0
		case cloudPct <= 50:
			col = 1
		default:
			col = 2
		}
		dayTable := [5][3]StabilityClass{
			{StabilityA, StabilityB, StabilityB}, // <2 (A, A-B, B)
			{StabilityB, StabilityB, StabilityC}, // 2-3 (A-B, B, C)
			{StabilityB, StabilityC, StabilityC}, // 3-5 (B, B-C, C)
			{StabilityC, StabilityD, StabilityD}, // 5-6 (C, C-D, D)
			{StabilityC, StabilityD, StabilityD}, // >6
		}
		return dayTable[band][col]
	}

	clear := cloudPct < 50
	nightClear := [5]StabilityClass{StabilityF, StabilityF, StabilityE, StabilityD, StabilityD}
	nightCloudy := [5]StabilityClass{StabilityF, StabilityE, StabilityD, StabilityD, StabilityD}
	if clear {
		return nightClear[band]
	}
	return nightCloudy[band]
}

// Centerline returns the ground-level centerline PM2.5 concentration
// [µg/m³] at downwind distance x meters from an elevated source.
// Q is the emission rate [g/s], uMps the transport wind speed [m/s]
// (floored at minWindMps), and h the effective source height [m].
// Ground reflection is folded into the constant.
func Centerline(class StabilityClass, q, uMps, h, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if uMps < minWindMps || math.IsNaN(uMps) {
		uMps = minWindMps
	}
	sy, sz := Dispersion(class, x)
	c := q / (math.Pi * uMps * sy * sz) * math.Exp(-h*h/(2*sz*sz)) * 1e6
	return c
}

// Predictor turns validated burn requests plus meteorology into smoke
// predictions. It never calls outbound capabilities; its inputs are
// plain records.
type Predictor struct {
	// FallbackCentroid replaces degenerate field centroids (regional
	// default).
	FallbackCentroid geom.Point

	// Fuels overrides DefaultFuels when non-nil.
	Fuels map[CropType]FuelProperties

	Log *logrus.Logger
}

func (p *Predictor) fuel(c CropType) FuelProperties {
	fuels := p.Fuels
	if fuels == nil {
		fuels = DefaultFuels
	}
	if f, ok := fuels[c]; ok {
		return f
	}
	return DefaultFuels[CropOther]
}

func (p *Predictor) logger() *logrus.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

// centroidFor resolves a request's centroid, substituting the regional
// fallback for degenerate geometry.
func (p *Predictor) centroidFor(req *ValidatedRequest) geom.Point {
	c := req.Centroid
	if math.IsNaN(c.X) || math.IsNaN(c.Y) || (c.X == 0 && c.Y == 0) {
		return p.FallbackCentroid
	}
	return c
}

// Predict computes the smoke prediction for one burn request under the
// given weather. Conflicts are filled in separately by DetectConflicts
// once all of a day's predictions exist.
func (p *Predictor) Predict(req *ValidatedRequest, w *WeatherSample) (*Prediction, error) {
	if req.Acres <= 0 || math.IsNaN(req.Acres) {
		return nil, fmt.Errorf("%w: acres = %g", ErrBadAcreage, req.Acres)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: no weather sample for request %d", ErrExternalUnavailable, req.ID)
	}

	f := p.fuel(req.Crop)
	fuelTonnes := req.Acres * f.LoadTonnesPerAcre
	totalKg := fuelTonnes * f.EmissionFactorKgPerTonne
	durH := req.DurationHours
	if durH <= 0 {
		durH = burnDurationHours(req.Acres)
	}
	rateGS := totalKg * 1000 / (durH * 3600)

	// Stability from the midpoint of the requested window.
	midHour := int(req.Window.Start+req.Window.End) / 2 / 60
	class := StabilityFromWeather(w.WindSpeedMph, w.CloudCoverPct, midHour)

	uMps := w.WindSpeedMph * mphToMps
	if uMps < minWindMps || math.IsNaN(uMps) {
		uMps = minWindMps
	}

	h, riseOK := p.plumeHeight(req, w, fuelTonnes, durH, class)

	pred := &Prediction{
		BurnRequestID:    req.ID,
		EmissionRateGS:   rateGS,
		TotalEmissionsKg: totalKg,
		Stability:        class,
		EffectiveHeightM: h,
		LowConfidence:    req.LowConfidence || !riseOK,
	}

	for _, x := range fieldDistancesM {
		sy, sz := Dispersion(class, x)
		c := Centerline(class, rateGS, uMps, h, x)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: non-finite concentration at %gm for request %d",
				ErrInternalInvariant, x, req.ID)
		}
		pred.Field = append(pred.Field, ConcentrationSample{
			DistanceM:        x,
			CenterlinePM25:   c,
			SigmaY:           sy,
			SigmaZ:           sz,
			ExceedsDaily:     c > PM25Daily,
			ExceedsUnhealthy: c > PM25Unhealthy,
			ExceedsHazardous: c > PM25Hazardous,
		})
	}

	pred.MaxRadiusM = maxRadius(class, rateGS, uMps, h)
	pred.AffectedAreaKm2, pred.Footprint = p.affectedArea(req, w, class, pred.MaxRadiusM)
	pred.Confidence = confidence(w, pred)

	vec, err := plumeVector(pred, w, durH)
	if err != nil {
		return nil, err
	}
	pred.PlumeVector = vec

	return pred, nil
}

// plumeHeight estimates the effective source height from fire buoyancy
// using the ASME plume-rise formulation over a synthetic layered profile
// built from the surface sample. The fire is parameterized as a virtual
// stack: a low, wide source with exit temperature and velocity derived
// from the heat release rate. Returns the height and whether the
// calculation succeeded.
func (p *Predictor) plumeHeight(req *ValidatedRequest, w *WeatherSample, fuelTonnes, durH float64, class StabilityClass) (float64, bool) {
	f := p.fuel(req.Crop)

	// Heat release rate, dimension-checked.
	energy := unit.Mul(unit.New(fuelTonnes*1000, unit.Kilogram),
		unit.Div(unit.New(f.HeatContentJPerKg, unit.Joule), unit.New(1, unit.Kilogram)))
	heatFlux := unit.Div(energy, unit.New(durH*3600, unit.Second))
	if err := heatFlux.Check(unit.Watt); err != nil {
		p.logger().WithField("err", err).Error("heat flux dimensions")
		return fallbackPlumeHeightM, false
	}
	hf := heatFlux.Value()

	areaM2 := req.Acres * acreToM2
	stackHeight := 2.0
	stackDiam := math.Min(2*math.Sqrt(areaM2/math.Pi), 30)
	// Exit temperature and velocity scale weakly with fire intensity.
	stackTemp := 700 + clamp(hf/1e6, 0, 300)
	stackVel := 2 + clamp(hf/5e7, 0, 8)

	const nLayers = 10
	layerHeights := make([]float64, nLayers+1)
	temperature := make([]float64, nLayers)
	windSpeed := make([]float64, nLayers)
	sClass := make([]float64, nLayers)
	s1 := make([]float64, nLayers)

	t0 := (w.TemperatureF-32)*5/9 + 273.15
	u0 := w.WindSpeedMph * mphToMps
	if u0 < minWindMps || math.IsNaN(u0) {
		u0 = minWindMps
	}
	stable := class == StabilityE || class == StabilityF
	for i := 0; i < nLayers; i++ {
		layerHeights[i+1] = layerHeights[i] + plumeTopM/nLayers
		zMid := layerHeights[i] + plumeTopM/nLayers/2
		temperature[i] = t0 - 0.0065*zMid // standard lapse
		temperature[i] = math.Max(temperature[i], 200)
		windSpeed[i] = u0 * math.Pow(math.Max(zMid, 10)/10, 0.15)
		if stable {
			sClass[i] = 1
			s1[i] = 9.80665 / t0 * 0.005
		} else {
			s1[i] = 1e-4
		}
	}

	_, height, err := plumerise.ASME(stackHeight, stackDiam, stackTemp, stackVel,
		layerHeights, temperature, windSpeed, sClass, s1)
	if err != nil {
		if err == plumerise.ErrAboveModelTop {
			return plumeTopM, true
		}
		p.logger().WithFields(logrus.Fields{"request": req.ID, "err": err}).
			Warn("plume rise failed; using fallback height")
		return fallbackPlumeHeightM, false
	}
	return math.Min(height, plumeTopM), true
}

// maxRadius finds the largest downwind distance at which the centerline
// concentration still exceeds the EPA annual threshold (12 µg/m³). The
// crossing is bracketed on a log grid and refined by bisection to < 1 m.
func maxRadius(class StabilityClass, q, uMps, h float64) float64 {
	const rMax = 100e3
	conc := func(x float64) float64 { return Centerline(class, q, uMps, h, x) }

	// Walk a log grid outward to find the last bracket in which the
	// concentration crosses the threshold from above.
	lo, hi := 0.0, 0.0
	prevX := 1.0
	prevC := conc(prevX)
	for x := 2.0; x <= rMax; x *= 1.5 {
		c := conc(x)
		if prevC > PM25Annual && c <= PM25Annual {
			lo, hi = prevX, x
		}
		prevX, prevC = x, c
	}
	if hi == 0 {
		if prevC > PM25Annual {
			return rMax // still above threshold at the domain edge
		}
		return 0 // never exceeds the threshold
	}
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if conc(mid) > PM25Annual {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// affectedArea approximates the impacted footprint as an ellipse with
// semi-axes (maxRadius, maxRadius·σy/σz at maxRadius), rotated to the
// downwind bearing and centered on the field centroid. Returns the area
// in km² and the footprint polygon in WGS84.
func (p *Predictor) affectedArea(req *ValidatedRequest, w *WeatherSample, class StabilityClass, maxR float64) (float64, geom.Polygon) {
	if maxR <= 0 {
		return 0, nil
	}
	sy, sz := Dispersion(class, maxR)
	semiMajor := maxR
	semiMinor := maxR * sy / sz
	areaKm2 := math.Pi * semiMajor * semiMinor / 1e6

	center := p.centroidFor(req)
	// Plume extends downwind: wind direction is the bearing the wind
	// comes from.
	bearing := (w.WindDirectionDeg + 180) * math.Pi / 180

	const segments = 32
	ring := make([]geom.Point, 0, segments+1)
	latRad := center.Y * math.Pi / 180
	for i := 0; i <= segments; i++ {
		th := 2 * math.Pi * float64(i) / segments
		// Local meters, major axis along the bearing.
		xl := semiMajor * math.Cos(th)
		yl := semiMinor * math.Sin(th)
		east := xl*math.Sin(bearing) + yl*math.Cos(bearing)
		north := xl*math.Cos(bearing) - yl*math.Sin(bearing)
		ring = append(ring, geom.Point{
			X: center.X + east/(111320*math.Cos(latRad)),
			Y: center.Y + north/111320,
		})
	}
	return areaKm2, geom.Polygon{ring}
}

// confidence combines weather reliability, field sample count, and the
// dynamic range of σz across the sampling grid into a [0.05, 0.99]
// confidence value.
func confidence(w *WeatherSample, pred *Prediction) float64 {
	reliability := 1.0
	if w.Reliability == "low" {
		reliability = 0.6
	}

	samples := clamp(float64(len(pred.Field))/float64(len(fieldDistancesM)), 0, 1)

	sz := make([]float64, len(pred.Field))
	for i, s := range pred.Field {
		sz[i] = s.SigmaZ
	}
	rangeFactor := 0.3
	if len(sz) > 0 {
		dr := floats.Max(sz) / math.Max(floats.Min(sz), sigmaEpsilon)
		rangeFactor = clamp(math.Log10(dr)/3, 0.3, 1)
	}

	return clamp(reliability*samples*rangeFactor, 0.05, 0.99)
}

// plumeVector builds the 64-dimension plume feature vector. Slot layout
// is fixed; equal emissions under the same wind produce identical
// vectors:
//
//	0     total emissions magnitude (log scale)
//	1     emission rate magnitude
//	2-9   centerline PM2.5 at the grid distances (log scale)
//	10    wind speed
//	11-12 sin/cos of wind direction
//	13-18 stability one-hot A..F
//	19    plume rise magnitude
//	20    burn duration
//	21-28 temporal decay signature (concentration relative to peak)
//	29    max radius
//	30    affected area
//	31-38 wind direction bin one-hot (45° bins)
//	39-46 σy/σz dispersion signature at the grid distances
//	47-63 reserved (zero)
func plumeVector(pred *Prediction, w *WeatherSample, durH float64) ([]float64, error) {
	vec := make([]float64, PlumeVectorDim)

	vec[0] = clamp(math.Log10(pred.TotalEmissionsKg+1)/5, 0, 1)
	vec[1] = clamp(pred.EmissionRateGS/100, 0, 1)

	peak := 0.0
	for _, s := range pred.Field {
		if s.CenterlinePM25 > peak {
			peak = s.CenterlinePM25
		}
	}
	for i, s := range pred.Field {
		if i >= 8 {
			break
		}
		vec[2+i] = clamp(math.Log10(s.CenterlinePM25+1)/4, 0, 1)
		if peak > 0 {
			vec[21+i] = s.CenterlinePM25 / peak
		}
		vec[39+i] = clamp(math.Log10(s.SigmaY/s.SigmaZ+1)/2, 0, 1)
	}

	vec[10] = clamp(w.WindSpeedMph*mphToMps/20, 0, 1)
	dirRad := w.WindDirectionDeg * math.Pi / 180
	vec[11] = (math.Sin(dirRad) + 1) / 2
	vec[12] = (math.Cos(dirRad) + 1) / 2

	switch pred.Stability {
	case StabilityA:
		vec[13] = 1
	case StabilityB:
		vec[14] = 1
	case StabilityC:
		vec[15] = 1
	case StabilityD:
		vec[16] = 1
	case StabilityE:
		vec[17] = 1
	case StabilityF:
		vec[18] = 1
	}

	vec[19] = clamp(pred.EffectiveHeightM/plumeTopM, 0, 1)
	vec[20] = clamp(durH/8, 0, 1)
	vec[29] = clamp(pred.MaxRadiusM/10000, 0, 1)
	vec[30] = clamp(pred.AffectedAreaKm2/100, 0, 1)

	bin := int(math.Mod(w.WindDirectionDeg, 360) / 45)
	if bin >= 0 && bin < 8 {
		vec[31+bin] = 1
	}

	if err := normalizeVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// haversineM returns the great-circle distance in meters between two
// WGS84 points.
func haversineM(a, b geom.Point) float64 {
	const r = 6371000.0
	lat1 := a.Y * math.Pi / 180
	lat2 := b.Y * math.Pi / 180
	dLat := (b.Y - a.Y) * math.Pi / 180
	dLon := (b.X - a.X) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * r * math.Asin(math.Min(1, math.Sqrt(h)))
}

// transportWind recovers the floored transport wind used for a
// prediction's centerline evaluation from the sample that produced it.
func transportWind(w *WeatherSample) float64 {
	u := w.WindSpeedMph * mphToMps
	if u < minWindMps || math.IsNaN(u) {
		u = minWindMps
	}
	return u
}

// DetectConflicts fills each prediction's Conflicts list with symmetric
// pairwise spatial and temporal conflicts among burns on the same day.
// weather maps request ID to the sample its prediction used.
func (p *Predictor) DetectConflicts(preds []*Prediction, reqs map[int64]*ValidatedRequest, weather map[int64]*WeatherSample) {
	// Deterministic pair order.
	sorted := make([]*Prediction, len(preds))
	copy(sorted, preds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BurnRequestID < sorted[j].BurnRequestID })

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pi, pj := sorted[i], sorted[j]
			ri, rj := reqs[pi.BurnRequestID], reqs[pj.BurnRequestID]
			if ri == nil || rj == nil {
				continue
			}

			dist := haversineM(p.centroidFor(ri), p.centroidFor(rj))

			if dist < pi.MaxRadiusM+pj.MaxRadiusM {
				sev := spatialSeverity(pi, pj, weather, dist)
				pi.Conflicts = append(pi.Conflicts, Conflict{pj.BurnRequestID, ConflictSpatial, sev})
				pj.Conflicts = append(pj.Conflicts, Conflict{pi.BurnRequestID, ConflictSpatial, sev})
			}

			if ri.Window.Overlaps(rj.Window) {
				sev := temporalSeverity(ri.Window, rj.Window)
				pi.Conflicts = append(pi.Conflicts, Conflict{pj.BurnRequestID, ConflictTemporal, sev})
				pj.Conflicts = append(pj.Conflicts, Conflict{pi.BurnRequestID, ConflictTemporal, sev})
			}
		}
	}
}

// spatialSeverity grades plume-overlap severity: high when the circles
// overlap by more than 3 km or either plume's centerline concentration
// at the other field exceeds the EPA daily threshold; medium when the
// overlap exceeds the minimum burn separation; low otherwise.
func spatialSeverity(pi, pj *Prediction, weather map[int64]*WeatherSample, dist float64) Severity {
	overlap := pi.MaxRadiusM + pj.MaxRadiusM - dist

	atOther := func(pr *Prediction) float64 {
		w := weather[pr.BurnRequestID]
		if w == nil {
			return 0
		}
		return Centerline(pr.Stability, pr.EmissionRateGS, transportWind(w), pr.EffectiveHeightM, dist)
	}

	switch {
	case overlap > 3000 || atOther(pi) > PM25Daily || atOther(pj) > PM25Daily:
		return SeverityHigh
	case overlap >= minBurnSeparationM:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// temporalSeverity grades window overlap by its fraction of the shorter
// window.
func temporalSeverity(a, b TimeWindow) Severity {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	overlap := float64(end - start)
	shorter := math.Min(float64(a.End-a.Start), float64(b.End-b.Start))
	if shorter <= 0 {
		return SeverityLow
	}
	frac := overlap / shorter
	switch {
	case frac >= 0.75:
		return SeverityHigh
	case frac >= 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
