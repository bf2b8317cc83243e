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
	"time"

	"github.com/ctessum/geom"
)

// CropType identifies the crop residue being burned. The crop determines
// the dry fuel load per acre and the PM2.5 emission factor.
type CropType string

// Accepted crop types.
const (
	CropRice      CropType = "rice"
	CropWheat     CropType = "wheat"
	CropCorn      CropType = "corn"
	CropBarley    CropType = "barley"
	CropOats      CropType = "oats"
	CropCotton    CropType = "cotton"
	CropSoybeans  CropType = "soybeans"
	CropSunflower CropType = "sunflower"
	CropSorghum   CropType = "sorghum"
	CropOther     CropType = "other"
)

// Crops lists every accepted crop type.
var Crops = []CropType{CropRice, CropWheat, CropCorn, CropBarley, CropOats,
	CropCotton, CropSoybeans, CropSunflower, CropSorghum, CropOther}

// KnownCrop reports whether c is one of the accepted crop types.
func KnownCrop(c CropType) bool {
	for _, cc := range Crops {
		if c == cc {
			return true
		}
	}
	return false
}

// ClockTime is a time of day expressed as minutes after local midnight.
// Burn time windows and schedule assignments use 30-minute granularity.
type ClockTime int

// ParseClock parses a "HH:MM" string into a ClockTime.
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return ClockTime(h*60 + m), nil
}

// String formats the time as "HH:MM", the form used for persisted
// schedule times.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// MarshalJSON implements json.Marshaler.
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	cc, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = cc
	return nil
}

// TimeWindow is a [Start, End) time-of-day interval on the burn date.
type TimeWindow struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Minute
}

// Overlaps reports whether two windows intersect.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start < o.End && o.Start < w.End
}

// BurnRequest is a farm's request to burn a field on a given date.
// Requests are immutable once validated for a batch.
type BurnRequest struct {
	ID            int64        `json:"id"`
	FarmID        int64        `json:"farmId"`
	FieldBoundary geom.Polygon `json:"fieldBoundary"`
	Acres         float64      `json:"acres"`
	Crop          CropType     `json:"cropType"`
	BurnDate      time.Time    `json:"burnDate"`
	Window        TimeWindow   `json:"timeWindow"`
	PriorityHint  *int         `json:"priorityHint,omitempty"`
}

// FarmHistory holds a farm's historical burn performance, used to fill
// the trailing dimensions of the burn feature vector. A zero value means
// no history.
type FarmHistory struct {
	SuccessRate       float64 // fraction of past burns completed
	AvgDurationHours  float64
	ConflictRate      float64 // fraction of past burns with conflicts
	GoodWeatherRate   float64
	OnTimeRate        float64
	Experience        float64 // burns completed, saturating at 1 for >= 20
	NoViolationRate   float64
	RecentSuccess     float64
	SeasonalSuccess   float64
	HasHistory        bool
}

// ValidatedRequest is a BurnRequest that passed validation, carrying the
// derived quantities the downstream stages need.
type ValidatedRequest struct {
	BurnRequest

	Priority      int          // 0-100
	Vector        []float64    // BurnVectorDim feature vector
	Centroid      geom.Point   // field centroid (WGS84)
	DurationHours float64      // estimated burn duration
	LowConfidence bool         // degenerate geometry replaced by fallback
	History       *FarmHistory // nil when unknown
}

// WeatherSample is a single meteorological observation or forecast value.
type WeatherSample struct {
	Location          geom.Point `json:"location"`
	ObservationTime   time.Time  `json:"observationTime"`
	TemperatureF      float64    `json:"temperatureF"`
	HumidityPct       float64    `json:"humidityPct"`
	WindSpeedMph      float64    `json:"windSpeedMph"`
	WindDirectionDeg  float64    `json:"windDirectionDeg"`
	PressureInHg      float64    `json:"pressureInHg"`
	CloudCoverPct     float64    `json:"cloudCoverPct"`
	PrecipProbPct     float64    `json:"precipitationProbPct"`
	VisibilityMi      float64    `json:"visibilityMi"`
	Reliability       string     `json:"reliability,omitempty"` // "" or "low"
}

// BurnWindow is a maximal run of forecast slots suitable for burning.
type BurnWindow struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Hours       float64   `json:"hours"`
	Suitability float64   `json:"suitability"` // mean suitability over the run
}

// WeatherReport is the Weather Analyzer's output for one location/date.
type WeatherReport struct {
	Current     WeatherSample   `json:"current"`
	Forecast    []WeatherSample `json:"forecast"`
	Suitability float64         `json:"suitability"` // 0..1
	Windows     []BurnWindow    `json:"burnWindows"`
	Embedding   []float64       `json:"embedding"` // WeatherVectorDim
}

// StabilityClass is a Pasquill-Gifford atmospheric stability category.
type StabilityClass byte

// Pasquill-Gifford classes, A (very unstable) through F (very stable).
const (
	StabilityA StabilityClass = 'A'
	StabilityB StabilityClass = 'B'
	StabilityC StabilityClass = 'C'
	StabilityD StabilityClass = 'D'
	StabilityE StabilityClass = 'E'
	StabilityF StabilityClass = 'F'
)

func (s StabilityClass) String() string { return string(rune(s)) }

// ConcentrationSample is a centerline PM2.5 sample at a downwind distance.
type ConcentrationSample struct {
	DistanceM        float64 `json:"distanceM"`
	CenterlinePM25   float64 `json:"centerlinePm25UgM3"`
	SigmaY           float64 `json:"sigmaY"`
	SigmaZ           float64 `json:"sigmaZ"`
	ExceedsDaily     bool    `json:"exceedsDaily"`     // > 35 µg/m³
	ExceedsUnhealthy bool    `json:"exceedsUnhealthy"` // > 55 µg/m³
	ExceedsHazardous bool    `json:"exceedsHazardous"` // > 250 µg/m³
}

// ConflictType distinguishes plume-footprint overlap from time-window
// overlap.
type ConflictType string

// Conflict types.
const (
	ConflictSpatial  ConflictType = "spatial"
	ConflictTemporal ConflictType = "temporal"
)

// Severity grades a conflict.
type Severity string

// Conflict severities, stored as these literals.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight returns the numeric weight of a severity on a 0-1 scale.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1. / 3.
	case SeverityMedium:
		return 2. / 3.
	case SeverityHigh:
		return 1
	}
	return 0
}

// Conflict is a pairwise interaction between two burns on the same day.
// Conflicts are symmetric: if i conflicts with j, j conflicts with i with
// the same severity.
type Conflict struct {
	OtherBurnRequestID int64        `json:"otherBurnRequestId"`
	Type               ConflictType `json:"type"`
	Severity           Severity     `json:"severity"`
}

// Prediction is the Smoke Predictor's output for one burn request.
type Prediction struct {
	BurnRequestID    int64                 `json:"burnRequestId"`
	EmissionRateGS   float64               `json:"emissionRate"`   // g/s
	TotalEmissionsKg float64               `json:"totalEmissions"` // kg PM2.5
	Stability        StabilityClass        `json:"stabilityClass"`
	Field            []ConcentrationSample `json:"concentrationField"`
	EffectiveHeightM float64               `json:"effectiveHeightM"`
	MaxRadiusM       float64               `json:"maxRadiusM"`
	AffectedAreaKm2  float64               `json:"affectedAreaKm2"`
	Footprint        geom.Polygon          `json:"-"` // plume ellipse, wind-aligned
	PlumeVector      []float64             `json:"plumeVector"` // PlumeVectorDim
	Conflicts        []Conflict            `json:"conflicts"`
	Confidence       float64               `json:"confidence"`
	LowConfidence    bool                  `json:"lowConfidence"`
}

// Assignment places a burn on the slot grid. StartSlot is inclusive and
// EndSlot exclusive.
type Assignment struct {
	StartSlot int `json:"startSlot"`
	EndSlot   int `json:"endSlot"`
}

// Start returns the assignment's starting time of day.
func (a Assignment) Start() ClockTime { return SlotTime(a.StartSlot) }

// End returns the assignment's ending time of day.
func (a Assignment) End() ClockTime { return SlotTime(a.EndSlot) }

// Schedule maps scheduled burn request IDs to slot assignments; requests
// that could not be placed appear in Unscheduled with a reason. A request
// never appears in both.
type Schedule struct {
	Date        time.Time            `json:"date"`
	Assignments map[int64]Assignment `json:"assignments"`
	Unscheduled map[int64]string     `json:"unscheduled"`
}

// SlotOccupancy returns, for each slot on the grid, the IDs of the burns
// occupying it (without buffer accounting).
func (s *Schedule) SlotOccupancy() [][]int64 {
	occ := make([][]int64, NumSlots)
	for id, a := range s.Assignments {
		for i := a.StartSlot; i < a.EndSlot && i < NumSlots; i++ {
			if i >= 0 {
				occ[i] = append(occ[i], id)
			}
		}
	}
	return occ
}

// ImprovementSample records the optimizer's best score at an iteration.
type ImprovementSample struct {
	Iteration   int     `json:"iteration"`
	Score       float64 `json:"score"`
	Temperature float64 `json:"temperature"`
}

// OptimizationMetrics summarizes an optimizer run.
type OptimizationMetrics struct {
	OverallScore         float64             `json:"overallScore"`
	ScheduledCount       int                 `json:"scheduledCount"`
	UnscheduledCount     int                 `json:"unscheduledCount"`
	AvgConflictScore     float64             `json:"avgConflictScore"`
	TimeWindowCompliance float64             `json:"timeWindowCompliance"`
	WeatherScore         float64             `json:"weatherScore"`
	PriorityScore        float64             `json:"priorityScore"`
	UtilizationScore     float64             `json:"utilizationScore"`
	Iterations           int                 `json:"iterations"`
	Reheats              int                 `json:"reheats"`
	FinalTemperature     float64             `json:"finalTemperature"`
	Cancelled            bool                `json:"cancelled,omitempty"`
	Reason               string              `json:"reason,omitempty"`
	ImprovementHistory   []ImprovementSample `json:"improvementHistory"`
}

// Channel is an alert delivery channel.
type Channel string

// Alert channels.
const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// AlertPriority orders alerts for delivery under overload.
type AlertPriority int

// Alert priorities, ascending.
const (
	PriorityLow AlertPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p AlertPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// DeliveryStatus is the terminal state of an alert dispatch attempt.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDropped   DeliveryStatus = "dropped"
	DeliveryDeferred  DeliveryStatus = "deferred"
)

// Alert is a message to a recipient about a scheduling outcome.
type Alert struct {
	RecipientID int64          `json:"recipientId"`
	Channel     Channel        `json:"channel"` // preferred; may be substituted
	Priority    AlertPriority  `json:"priority"`
	Payload     []byte         `json:"payload"`
	DedupKey    string         `json:"dedupKey,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`

	Status          DeliveryStatus `json:"deliveryStatus"`
	Attempts        int            `json:"attempts"`
	DeliveredVia    Channel        `json:"deliveredVia,omitempty"`
	NextAllowedTime time.Time      `json:"nextAllowedTime,omitempty"`
}

// Recipient is an alert destination with channel addresses.
type Recipient struct {
	ID        int64
	Preferred Channel
	Addresses map[Channel]string
}
