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
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchOptions configures one daily coordination run.
type BatchOptions struct {
	// Seed drives the optimizer's random source; equal seeds and inputs
	// yield identical schedules.
	Seed int64
	// Persist writes vectors and the final schedule to the configured
	// stores.
	Persist bool
	// DispatchAlerts sends schedule alerts when a Dispatcher is
	// configured.
	DispatchAlerts bool
	// Workers bounds stage parallelism; 0 means min(16, GOMAXPROCS).
	Workers int
}

// BatchResult is the output of one coordination run.
type BatchResult struct {
	Requests    map[int64]*ValidatedRequest `json:"-"`
	Weather     map[int64]*WeatherReport    `json:"-"`
	Predictions map[int64]*Prediction       `json:"predictions"`
	Schedule    *Schedule                   `json:"schedule"`
	Metrics     *OptimizationMetrics        `json:"metrics"`
	Dispatch    *DispatchReport             `json:"dispatch,omitempty"`
	Warnings    []BatchWarning              `json:"warnings,omitempty"`
	ScheduleID  int64                       `json:"scheduleId,omitempty"`
}

// Coordinator runs the daily pipeline: validate, analyze weather, predict
// smoke, optimize the schedule, dispatch alerts. Stages run in order;
// within the per-request stages a bounded worker pool strides over the
// batch.
type Coordinator struct {
	Requests   *RequestCoordinator
	Weather    *Analyzer
	Predictor  *Predictor
	Optimizer  *Optimizer
	Dispatcher *Dispatcher

	// Vectors and Store are optional; when nil the corresponding
	// persistence is skipped.
	Vectors VectorStore
	Store   Relational

	// Recipients resolves farm IDs to alert destinations.
	Recipients map[int64]*Recipient

	Log *logrus.Logger
}

// NewCoordinator wires a Coordinator around a weather provider, with
// default components and no persistence.
func NewCoordinator(provider WeatherProvider) *Coordinator {
	return &Coordinator{
		Requests:  &RequestCoordinator{},
		Weather:   NewAnalyzer(provider),
		Predictor: &Predictor{},
		Optimizer: NewOptimizer(),
		Log:       logrus.StandardLogger(),
	}
}

func (c *Coordinator) logger() *logrus.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func (c *Coordinator) workers(opts BatchOptions) int {
	if opts.Workers > 0 {
		return opts.Workers
	}
	n := runtime.GOMAXPROCS(0)
	if n > 16 {
		n = 16
	}
	return n
}

// parallelFor runs fn(i) for i in [0, n) on nWorkers goroutines, each
// striding the index space. fn must only write to per-index storage.
func parallelFor(n, nWorkers int, fn func(i int)) {
	if nWorkers > n {
		nWorkers = n
	}
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += nWorkers {
				fn(i)
			}
		}(w)
	}
	wg.Wait()
}

// CoordinateBatch runs the full pipeline over a day's requests. Per-request
// failures become warnings and the batch continues; only cancellation and
// hard data conflicts abort. On cancellation the best-so-far result is
// returned alongside ErrCancelled.
func (c *Coordinator) CoordinateBatch(ctx context.Context, date time.Time, requests []*BurnRequest, opts BatchOptions) (*BatchResult, error) {
	log := c.logger()
	nw := c.workers(opts)

	res := &BatchResult{
		Requests:    make(map[int64]*ValidatedRequest),
		Weather:     make(map[int64]*WeatherReport),
		Predictions: make(map[int64]*Prediction),
	}
	var mu sync.Mutex
	warn := func(id int64, stage string, err error) {
		mu.Lock()
		res.Warnings = append(res.Warnings, BatchWarning{BurnRequestID: id, Stage: stage, Message: err.Error()})
		mu.Unlock()
	}

	// Stage 1: validation.
	validated := make([]*ValidatedRequest, len(requests))
	parallelFor(len(requests), nw, func(i int) {
		v, err := c.Requests.Validate(ctx, requests[i])
		if err != nil {
			warn(requests[i].ID, "validate", err)
			return
		}
		validated[i] = v
	})
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	for _, v := range validated {
		if v != nil {
			if _, dup := res.Requests[v.ID]; dup {
				return res, fmt.Errorf("%w: duplicate burn request ID %d", ErrConflict, v.ID)
			}
			res.Requests[v.ID] = v
		}
	}
	log.WithFields(logrus.Fields{
		"requested": len(requests),
		"validated": len(res.Requests),
	}).Info("validation complete")

	reqList := make([]*ValidatedRequest, 0, len(res.Requests))
	for _, v := range res.Requests {
		reqList = append(reqList, v)
	}
	sort.Slice(reqList, func(i, j int) bool { return reqList[i].ID < reqList[j].ID })

	// Stage 2: weather analysis. A request whose weather cannot be
	// fetched is dropped from the downstream stages; it reappears in the
	// schedule's unscheduled set.
	reports := make([]*WeatherReport, len(reqList))
	parallelFor(len(reqList), nw, func(i int) {
		r := reqList[i]
		w, err := c.Weather.Analyze(ctx, c.Predictor.centroidFor(r), date, r.Window)
		if err != nil {
			warn(r.ID, "weather", err)
			return
		}
		reports[i] = w
	})
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	var noWeather []int64
	schedulable := make([]*ValidatedRequest, 0, len(reqList))
	for i, w := range reports {
		if w == nil {
			noWeather = append(noWeather, reqList[i].ID)
			continue
		}
		res.Weather[reqList[i].ID] = w
		schedulable = append(schedulable, reqList[i])
	}
	reqList = schedulable

	// Stage 3: smoke prediction and conflict detection. An invariant
	// failure drops the prediction and marks the request low-confidence.
	preds := make([]*Prediction, len(reqList))
	parallelFor(len(reqList), nw, func(i int) {
		r := reqList[i]
		w, ok := res.Weather[r.ID]
		if !ok {
			return
		}
		p, err := c.Predictor.Predict(r, &w.Current)
		if err != nil {
			if errors.Is(err, ErrInternalInvariant) {
				r.LowConfidence = true
			}
			warn(r.ID, "predict", err)
			return
		}
		preds[i] = p
	})
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	predList := make([]*Prediction, 0, len(preds))
	currents := make(map[int64]*WeatherSample, len(res.Weather))
	for id, w := range res.Weather {
		cur := w.Current
		currents[id] = &cur
	}
	for _, p := range preds {
		if p != nil {
			predList = append(predList, p)
		}
	}
	c.Predictor.DetectConflicts(predList, res.Requests, currents)
	for _, p := range predList {
		res.Predictions[p.BurnRequestID] = p
	}
	log.WithFields(logrus.Fields{
		"predictions": len(res.Predictions),
		"warnings":    len(res.Warnings),
	}).Info("smoke prediction complete")

	// Stage 4: schedule optimization over the requests that still have
	// weather; the rest are recorded as unscheduled.
	res.Schedule, res.Metrics = c.Optimizer.Optimize(ctx, date, reqList, res.Weather, res.Predictions, opts.Seed)
	for _, id := range noWeather {
		res.Schedule.Unscheduled[id] = "weather unavailable"
	}
	res.Metrics.UnscheduledCount = len(res.Schedule.Unscheduled)
	if res.Metrics.Cancelled {
		return res, fmt.Errorf("%w: optimization interrupted", ErrCancelled)
	}

	// Stage 5: persistence and alerts. Store failures degrade to
	// warnings except for hard conflicts.
	if opts.Persist {
		if err := c.persist(ctx, date, res); err != nil {
			if errors.Is(err, ErrConflict) {
				return res, err
			}
			warn(0, "persist", err)
		}
	}
	if opts.DispatchAlerts && c.Dispatcher != nil {
		alerts := ComposeScheduleAlerts(res.Schedule, res.Requests, c.Dispatcher.now())
		rep, err := c.Dispatcher.Dispatch(ctx, alerts, c.Recipients)
		if err != nil {
			warn(0, "dispatch", err)
		} else {
			res.Dispatch = rep
		}
	}

	log.WithFields(logrus.Fields{
		"scheduled":   res.Metrics.ScheduledCount,
		"unscheduled": res.Metrics.UnscheduledCount,
		"score":       res.Metrics.OverallScore,
	}).Info("batch coordination complete")
	return res, nil
}

// persist writes feature vectors and the schedule. Vector upsert failures
// are folded into the returned error only when the schedule insert also
// fails; the schedule is the batch's system of record.
func (c *Coordinator) persist(ctx context.Context, date time.Time, res *BatchResult) error {
	log := c.logger()
	if c.Vectors != nil {
		for _, r := range res.Requests {
			if err := c.Vectors.Upsert(ctx, VectorKindBurn, r.ID, r.Vector); err != nil {
				log.WithError(err).WithField("request", r.ID).Warn("burn vector upsert failed")
			}
		}
		for id, w := range res.Weather {
			if err := c.Vectors.Upsert(ctx, VectorKindWeather, id, w.Embedding); err != nil {
				log.WithError(err).WithField("request", id).Warn("weather vector upsert failed")
			}
		}
		for id, p := range res.Predictions {
			if err := c.Vectors.Upsert(ctx, VectorKindPlume, id, p.PlumeVector); err != nil {
				log.WithError(err).WithField("request", id).Warn("plume vector upsert failed")
			}
		}
	}
	if c.Store == nil {
		return nil
	}
	id, err := c.Store.InsertSchedule(ctx, date, res.Schedule, res.Metrics)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	res.ScheduleID = id
	return nil
}
