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

package burnschedutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/burnmodel/burnsched"
	"github.com/burnmodel/burnsched/postgres"
)

// initLog configures the global logger from the LogLevel and LogJSON
// options.
func initLog(level string, asJSON bool) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = logrus.InfoLevel
	}
	logrus.SetLevel(l)
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// loadRequests reads a JSON array of burn requests.
func loadRequests(path string) ([]*burnsched.BurnRequest, error) {
	b, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("%w: reading requests file: %v", burnsched.ErrInvalidInput, err)
	}
	var reqs []*burnsched.BurnRequest
	if err := json.Unmarshal(b, &reqs); err != nil {
		return nil, fmt.Errorf("%w: parsing requests file %s: %v", burnsched.ErrInvalidInput, path, err)
	}
	return reqs, nil
}

// fuelsFile is the TOML layout for fuel overrides:
//
//	[fuels.rice]
//	load_tonnes_per_acre = 3.0
//	emission_factor_kg_per_tonne = 3.2
//	heat_content_j_per_kg = 1.49e7
type fuelsFile struct {
	Fuels map[string]burnsched.FuelProperties `toml:"fuels"`
}

// loadFuels merges per-crop overrides from a TOML file over the default
// fuel table. An empty path returns the defaults.
func loadFuels(path string) (map[burnsched.CropType]burnsched.FuelProperties, error) {
	fuels := make(map[burnsched.CropType]burnsched.FuelProperties, len(burnsched.DefaultFuels))
	for c, f := range burnsched.DefaultFuels {
		fuels[c] = f
	}
	if path == "" {
		return fuels, nil
	}
	var ff fuelsFile
	if _, err := toml.DecodeFile(os.ExpandEnv(path), &ff); err != nil {
		return nil, fmt.Errorf("%w: parsing fuels file %s: %v", burnsched.ErrInvalidInput, path, err)
	}
	for name, f := range ff.Fuels {
		c := burnsched.CropType(name)
		if !burnsched.KnownCrop(c) {
			return nil, fmt.Errorf("%w: %q in fuels file", burnsched.ErrUnknownCrop, name)
		}
		fuels[c] = f
	}
	return fuels, nil
}

// staticWeather serves one fixed observation and forecast for every
// location, for file-driven runs without a live provider.
type staticWeather struct {
	CurrentObs  burnsched.WeatherSample   `json:"current"`
	ForecastObs []burnsched.WeatherSample `json:"forecast"`
}

// Current implements burnsched.WeatherProvider.
func (s *staticWeather) Current(ctx context.Context, loc geom.Point) (*burnsched.WeatherSample, error) {
	cur := s.CurrentObs
	cur.Location = loc
	return &cur, nil
}

func (s *staticWeather) Forecast(ctx context.Context, loc geom.Point, horizonH int) ([]burnsched.WeatherSample, error) {
	out := make([]burnsched.WeatherSample, 0, len(s.ForecastObs))
	for _, f := range s.ForecastObs {
		f.Location = loc
		out = append(out, f)
	}
	return out, nil
}

// loadWeather builds a weather provider from a JSON file, or a built-in
// clear-sky sample when path is empty.
func loadWeather(path string, date time.Time) (burnsched.WeatherProvider, error) {
	s := &staticWeather{}
	if path == "" {
		base := burnsched.WeatherSample{
			ObservationTime: date.Add(6 * time.Hour),
			TemperatureF:    65,
			HumidityPct:     45,
			WindSpeedMph:    6,
			WindDirectionDeg: 270,
			PressureInHg:    29.9,
			CloudCoverPct:   10,
			PrecipProbPct:   0,
			VisibilityMi:    10,
		}
		s.CurrentObs = base
		for h := 0; h <= 48; h += 3 {
			f := base
			f.ObservationTime = date.Add(time.Duration(h) * time.Hour)
			s.ForecastObs = append(s.ForecastObs, f)
		}
		return s, nil
	}
	b, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("%w: reading weather file: %v", burnsched.ErrInvalidInput, err)
	}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: parsing weather file %s: %v", burnsched.ErrInvalidInput, path, err)
	}
	return s, nil
}

// logTransport "delivers" alerts by logging them, for runs without a
// messaging provider.
type logTransport struct{ log *logrus.Logger }

func (t *logTransport) Send(ctx context.Context, ch burnsched.Channel, recipient string, payload []byte) (*burnsched.DeliveryResult, error) {
	t.log.WithFields(logrus.Fields{
		"channel":   ch,
		"recipient": recipient,
	}).Info(string(payload))
	return &burnsched.DeliveryResult{MessageID: recipient, Delivered: true}, nil
}

// pickDate returns the configured date, or the earliest burn date in the
// requests.
func pickDate(cfg *viper.Viper, reqs []*burnsched.BurnRequest) (time.Time, error) {
	if d := cfg.GetString("Date"); d != "" {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: parsing date %q: %v", burnsched.ErrInvalidInput, d, err)
		}
		return t, nil
	}
	var earliest time.Time
	for _, r := range reqs {
		if earliest.IsZero() || r.BurnDate.Before(earliest) {
			earliest = r.BurnDate
		}
	}
	if earliest.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no date configured and no requests to infer it from", burnsched.ErrInvalidInput)
	}
	return earliest, nil
}

// writeOutput writes v as indented JSON to the configured output file, or
// standard output when none is configured.
func writeOutput(cfg *viper.Viper, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	b = append(b, '\n')
	if f := cfg.GetString("OutputFile"); f != "" {
		return os.WriteFile(os.ExpandEnv(f), b, 0644)
	}
	_, err = os.Stdout.Write(b)
	return err
}

// buildCoordinator wires the pipeline from configuration.
func buildCoordinator(ctx context.Context, cfg *viper.Viper, date time.Time) (*burnsched.Coordinator, error) {
	provider, err := loadWeather(cfg.GetString("WeatherFile"), date)
	if err != nil {
		return nil, err
	}
	fuels, err := loadFuels(cfg.GetString("FuelsFile"))
	if err != nil {
		return nil, err
	}

	c := burnsched.NewCoordinator(provider)
	c.Predictor.Fuels = fuels
	c.Predictor.FallbackCentroid = geom.Point{
		X: cfg.GetFloat64("FallbackLon"),
		Y: cfg.GetFloat64("FallbackLat"),
	}

	if url := cfg.GetString("PostgresURL"); url != "" {
		db, err := postgres.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		c.Store = db
		c.Vectors = db
		c.Requests.Store = db
	}
	if cfg.GetBool("DispatchAlerts") {
		c.Dispatcher = burnsched.NewDispatcher(&logTransport{log: logrus.StandardLogger()})
	}
	if n := cfg.GetInt("MaxIter"); n > 0 {
		c.Optimizer.Config.MaxIterations = n
	}
	return c, nil
}

// GetStringMapString returns a map[string]string from a viper
// configuration, accounting for the fact that it might be a json object
// if it was set from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		o := make(map[string]string)
		if err := json.Unmarshal([]byte(i.(string)), &o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for GetStringMapString variable %s: %#v", varName, i))
	}
}

// recipientsFor gives every farm in the batch a push destination on the
// built-in transport. addresses overrides the generated push address per
// farm ID.
func recipientsFor(reqs []*burnsched.BurnRequest, addresses map[string]string) map[int64]*burnsched.Recipient {
	out := make(map[int64]*burnsched.Recipient)
	for _, r := range reqs {
		if _, ok := out[r.FarmID]; ok {
			continue
		}
		push := fmt.Sprintf("farm-%d", r.FarmID)
		if a, ok := addresses[fmt.Sprintf("%d", r.FarmID)]; ok {
			push = a
		}
		out[r.FarmID] = &burnsched.Recipient{
			ID:        r.FarmID,
			Preferred: burnsched.ChannelPush,
			Addresses: map[burnsched.Channel]string{
				burnsched.ChannelPush: push,
				burnsched.ChannelSMS:  fmt.Sprintf("farm-%d-sms", r.FarmID),
			},
		}
	}
	return out
}

// RunBatch executes the full pipeline from configuration.
func RunBatch(ctx context.Context, cfg *viper.Viper) error {
	reqs, err := loadRequests(cfg.GetString("RequestsFile"))
	if err != nil {
		return err
	}
	date, err := pickDate(cfg, reqs)
	if err != nil {
		return err
	}
	c, err := buildCoordinator(ctx, cfg, date)
	if err != nil {
		return err
	}
	c.Recipients = recipientsFor(reqs, GetStringMapString("AlertAddresses", cfg))

	res, err := c.CoordinateBatch(ctx, date, reqs, burnsched.BatchOptions{
		Seed:           int64(cfg.GetInt("Seed")),
		Persist:        cfg.GetString("PostgresURL") != "",
		DispatchAlerts: cfg.GetBool("DispatchAlerts"),
		Workers:        cfg.GetInt("Workers"),
	})
	if res != nil {
		if werr := writeOutput(cfg, res); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// RunPredict validates the requests and runs the smoke model against the
// configured weather, without scheduling.
func RunPredict(ctx context.Context, cfg *viper.Viper) error {
	reqs, err := loadRequests(cfg.GetString("RequestsFile"))
	if err != nil {
		return err
	}
	date, err := pickDate(cfg, reqs)
	if err != nil {
		return err
	}
	c, err := buildCoordinator(ctx, cfg, date)
	if err != nil {
		return err
	}
	if id := int64(cfg.GetInt("RequestID")); id != 0 {
		filtered := reqs[:0:0]
		for _, r := range reqs {
			if r.ID == id {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("%w: request %d not found in %s",
				burnsched.ErrInvalidInput, id, cfg.GetString("RequestsFile"))
		}
		reqs = filtered
	}

	validated := make(map[int64]*burnsched.ValidatedRequest)
	weather := make(map[int64]*burnsched.WeatherSample)
	var preds []*burnsched.Prediction
	var warnings []burnsched.BatchWarning
	for _, r := range reqs {
		v, err := c.Requests.Validate(ctx, r)
		if err != nil {
			warnings = append(warnings, burnsched.BatchWarning{BurnRequestID: r.ID, Stage: "validate", Message: err.Error()})
			continue
		}
		validated[v.ID] = v
		w, err := c.Weather.Current(ctx, v.Centroid)
		if err != nil {
			warnings = append(warnings, burnsched.BatchWarning{BurnRequestID: r.ID, Stage: "weather", Message: err.Error()})
			continue
		}
		weather[v.ID] = w
		p, err := c.Predictor.Predict(v, w)
		if err != nil {
			warnings = append(warnings, burnsched.BatchWarning{BurnRequestID: r.ID, Stage: "predict", Message: err.Error()})
			continue
		}
		preds = append(preds, p)
	}
	c.Predictor.DetectConflicts(preds, validated, weather)

	return writeOutput(cfg, struct {
		Predictions []*burnsched.Prediction  `json:"predictions"`
		Warnings    []burnsched.BatchWarning `json:"warnings,omitempty"`
	}{preds, warnings})
}

// RunOptimize validates the requests and runs the schedule optimizer with
// uniform weather suitability, skipping the smoke model.
func RunOptimize(ctx context.Context, cfg *viper.Viper) error {
	reqs, err := loadRequests(cfg.GetString("RequestsFile"))
	if err != nil {
		return err
	}
	date, err := pickDate(cfg, reqs)
	if err != nil {
		return err
	}

	rc := &burnsched.RequestCoordinator{}
	var validated []*burnsched.ValidatedRequest
	var warnings []burnsched.BatchWarning
	for _, r := range reqs {
		v, err := rc.Validate(ctx, r)
		if err != nil {
			warnings = append(warnings, burnsched.BatchWarning{BurnRequestID: r.ID, Stage: "validate", Message: err.Error()})
			continue
		}
		validated = append(validated, v)
	}

	opt := burnsched.NewOptimizer()
	if n := cfg.GetInt("MaxIter"); n > 0 {
		opt.Config.MaxIterations = n
	}
	sched, metrics := opt.Optimize(ctx, date, validated, nil, nil, int64(cfg.GetInt("Seed")))

	return writeOutput(cfg, struct {
		Schedule *burnsched.Schedule            `json:"schedule"`
		Metrics  *burnsched.OptimizationMetrics `json:"metrics"`
		Warnings []burnsched.BatchWarning       `json:"warnings,omitempty"`
	}{sched, metrics, warnings})
}
