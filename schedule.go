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
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Slot grid: 30-minute slots with start times from 06:00 to 20:00
// inclusive.
const (
	NumSlots      = 29
	SlotMinutes   = 30
	operatingOpen = ClockTime(6 * 60)
	// MaxDailyBurns is the hard per-slot occupancy cap.
	MaxDailyBurns = 50
	// bufferSlots is the 1-hour accounting buffer on each side of an
	// assignment. It never affects constraints or scoring.
	bufferSlots = 2
)

// SlotTime returns the time of day at which slot i begins.
func SlotTime(i int) ClockTime { return operatingOpen + ClockTime(i*SlotMinutes) }

// slotFor returns the first slot whose start time is >= t, or -1 when t
// is past the grid.
func slotFor(t ClockTime) int {
	if t <= operatingOpen {
		return 0
	}
	s := (int(t) - int(operatingOpen) + SlotMinutes - 1) / SlotMinutes
	if s >= NumSlots {
		return -1
	}
	return s
}

// BufferedOccupancy returns per-slot occupancy counts with the 1-hour
// accounting buffer applied around each assignment.
func (s *Schedule) BufferedOccupancy() []int {
	occ := make([]int, NumSlots)
	for _, a := range s.Assignments {
		for i := a.StartSlot - bufferSlots; i < a.EndSlot+bufferSlots; i++ {
			if i >= 0 && i < NumSlots {
				occ[i]++
			}
		}
	}
	return occ
}

// Soft-constraint weights. They sum to 1 so the overall score lies in
// [0, 1].
const (
	weightSmokeConflicts = 0.35
	weightTimeWindow     = 0.25
	weightWeather        = 0.20
	weightPriority       = 0.15
	weightUtilization    = 0.05
)

// OptimizerConfig holds the annealing parameters.
type OptimizerConfig struct {
	InitialTemperature float64
	CoolingRate        float64
	MinTemperature     float64
	MaxIterations      int
	MaxIterNoImprove   int
	MaxReheats         int
	// ReheatTemperature is the temperature set on reheat, as a
	// fraction of InitialTemperature.
	ReheatFraction float64
	// WallClock bounds the optimizer's run time.
	WallClock time.Duration
}

// DefaultOptimizerConfig returns the standard annealing parameters.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		InitialTemperature: 1000,
		CoolingRate:        0.95,
		MinTemperature:     0.01,
		MaxIterations:      10000,
		MaxIterNoImprove:   1000,
		MaxReheats:         3,
		ReheatFraction:     0.5,
		WallClock:          30 * time.Second,
	}
}

// cancelCheckInterval is how often (in iterations) the annealing loop
// checks for cancellation and deadline expiry.
const cancelCheckInterval = 256

// Optimizer assigns a day's burns to slots by simulated annealing. It is
// single-threaded and purely CPU-bound; given a seed its runs are
// reproducible.
type Optimizer struct {
	Config OptimizerConfig
	Log    *logrus.Logger
}

// NewOptimizer returns an Optimizer with the default configuration.
func NewOptimizer() *Optimizer {
	return &Optimizer{Config: DefaultOptimizerConfig(), Log: logrus.StandardLogger()}
}

// solver carries one optimization run's immutable inputs and mutable
// solution state.
type solver struct {
	cfg  OptimizerConfig
	reqs map[int64]*ValidatedRequest
	// ids is every schedulable request ID in ascending order; all
	// random picks draw from sorted slices so runs are reproducible.
	ids []int64
	// slotsNeeded maps request ID to its assignment length in slots.
	slotsNeeded map[int64]int
	// windowLo/windowHi bound feasible start slots per request.
	windowLo, windowHi map[int64]int
	suitability        map[int64]float64
	// severity[i][j] is the spatial conflict severity weight between
	// requests i and j (symmetric, 0 when no conflict). conflictIDs
	// lists each request's partners in ascending order so severity sums
	// are order-stable.
	severity    map[int64]map[int64]float64
	conflictIDs map[int64][]int64

	assignments map[int64]Assignment
	occupancy   [NumSlots]int
	unscheduled map[int64]string
	rng         *rand.Rand
}

// moveDiff records enough of a move to roll it back.
type moveDiff struct {
	id        int64
	hadAssign bool
	oldAssign Assignment
	oldReason string
}

// Optimize builds the day's schedule. Empty input yields an empty
// schedule with a zero score and an explanatory reason rather than an
// error.
func (o *Optimizer) Optimize(ctx context.Context, date time.Time, reqs []*ValidatedRequest,
	weather map[int64]*WeatherReport, preds map[int64]*Prediction, seed int64) (*Schedule, *OptimizationMetrics) {

	log := o.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := o.Config
	if cfg.MaxIterations == 0 {
		cfg = DefaultOptimizerConfig()
	}

	if len(reqs) == 0 {
		return &Schedule{Date: date, Assignments: map[int64]Assignment{}, Unscheduled: map[int64]string{}},
			&OptimizationMetrics{Reason: "no schedulable requests"}
	}

	s := newSolver(cfg, reqs, weather, preds, seed)
	s.greedyInitial()

	best := s.snapshot()
	bestScore, bestParts := s.score()
	curScore := bestScore

	metrics := &OptimizationMetrics{
		ImprovementHistory: []ImprovementSample{{Iteration: 0, Score: bestScore, Temperature: cfg.InitialTemperature}},
	}

	deadline := time.Now().Add(cfg.WallClock)
	temp := cfg.InitialTemperature
	noImprove := 0
	iter := 0

loop:
	for iter = 1; iter <= cfg.MaxIterations; iter++ {
		if temp < cfg.MinTemperature {
			break
		}
		if iter == 1 || iter%cancelCheckInterval == 0 {
			if ctx.Err() != nil {
				metrics.Cancelled = true
				metrics.Reason = "cancelled; returning best-so-far"
				break
			}
			if cfg.WallClock > 0 && time.Now().After(deadline) {
				metrics.Reason = "wall clock exhausted"
				break
			}
		}

		diffs, ok := s.proposeMove()
		if ok {
			newScore, parts := s.score()
			delta := newScore - curScore
			if delta > 0 || s.rng.Float64() < math.Exp(delta/temp) {
				curScore = newScore
				if newScore > bestScore {
					bestScore, bestParts = newScore, parts
					best = s.snapshot()
					noImprove = 0
					metrics.ImprovementHistory = append(metrics.ImprovementHistory,
						ImprovementSample{Iteration: iter, Score: bestScore, Temperature: temp})
				} else {
					noImprove++
				}
			} else {
				s.rollback(diffs)
				noImprove++
			}
		} else {
			noImprove++
		}

		if iter%500 == 0 {
			metrics.ImprovementHistory = append(metrics.ImprovementHistory,
				ImprovementSample{Iteration: iter, Score: bestScore, Temperature: temp})
		}

		if noImprove >= cfg.MaxIterNoImprove {
			if metrics.Reheats < cfg.MaxReheats {
				temp = cfg.ReheatFraction * cfg.InitialTemperature
				metrics.Reheats++
				noImprove = 0
				log.WithFields(logrus.Fields{"iteration": iter, "temperature": temp}).
					Debug("annealing reheat")
				continue
			}
			break loop
		}

		temp *= cfg.CoolingRate
	}

	best.Date = date
	metrics.OverallScore = bestScore
	metrics.ScheduledCount = len(best.Assignments)
	metrics.UnscheduledCount = len(best.Unscheduled)
	metrics.Iterations = iter
	metrics.FinalTemperature = temp
	metrics.AvgConflictScore = bestParts.avgConflict
	metrics.TimeWindowCompliance = bestParts.window
	metrics.WeatherScore = bestParts.weather
	metrics.PriorityScore = bestParts.priority
	metrics.UtilizationScore = bestParts.utilization
	return best, metrics
}

func newSolver(cfg OptimizerConfig, reqs []*ValidatedRequest,
	weather map[int64]*WeatherReport, preds map[int64]*Prediction, seed int64) *solver {

	s := &solver{
		cfg:         cfg,
		reqs:        make(map[int64]*ValidatedRequest, len(reqs)),
		slotsNeeded: make(map[int64]int, len(reqs)),
		windowLo:    make(map[int64]int, len(reqs)),
		windowHi:    make(map[int64]int, len(reqs)),
		suitability: make(map[int64]float64, len(reqs)),
		severity:    make(map[int64]map[int64]float64),
		assignments: make(map[int64]Assignment),
		unscheduled: make(map[int64]string),
		rng:         rand.New(rand.NewSource(seed)),
	}

	for _, r := range reqs {
		s.reqs[r.ID] = r
		s.ids = append(s.ids, r.ID)
		s.slotsNeeded[r.ID] = int(math.Ceil(r.DurationHours * 60 / SlotMinutes))

		if w, ok := weather[r.ID]; ok {
			s.suitability[r.ID] = w.Suitability
		} else {
			s.suitability[r.ID] = 0.5
		}

		lo := slotFor(r.Window.Start)
		s.windowLo[r.ID] = lo
		// Highest start slot such that the burn still ends on the grid
		// and inside the window.
		hi := -1
		if lo >= 0 {
			n := s.slotsNeeded[r.ID]
			hiByWindow := (int(r.Window.End) - int(operatingOpen)) / SlotMinutes // end slot bound
			if hiByWindow > NumSlots {
				hiByWindow = NumSlots
			}
			hi = hiByWindow - n
			if hi < lo {
				hi = -1
			}
		}
		s.windowHi[r.ID] = hi
	}
	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })

	for id, p := range preds {
		for _, c := range p.Conflicts {
			if c.Type != ConflictSpatial {
				continue
			}
			if s.severity[id] == nil {
				s.severity[id] = make(map[int64]float64)
			}
			s.severity[id][c.OtherBurnRequestID] = c.Severity.Weight()
		}
	}
	s.conflictIDs = make(map[int64][]int64, len(s.severity))
	for id, m := range s.severity {
		others := make([]int64, 0, len(m))
		for other := range m {
			others = append(others, other)
		}
		sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
		s.conflictIDs[id] = others
	}

	return s
}

// scheduledIDs returns the currently scheduled request IDs in ascending
// order.
func (s *solver) scheduledIDs() []int64 {
	ids := make([]int64, 0, len(s.assignments))
	for _, id := range s.ids {
		if _, ok := s.assignments[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *solver) unscheduledIDs() []int64 {
	ids := make([]int64, 0, len(s.unscheduled))
	for _, id := range s.ids {
		if _, ok := s.unscheduled[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// canPlace reports whether the assignment respects the hard per-slot
// occupancy cap.
func (s *solver) canPlace(a Assignment) bool {
	if a.StartSlot < 0 || a.EndSlot > NumSlots {
		return false
	}
	for i := a.StartSlot; i < a.EndSlot; i++ {
		if s.occupancy[i] >= MaxDailyBurns {
			return false
		}
	}
	return true
}

func (s *solver) place(id int64, a Assignment) {
	s.assignments[id] = a
	delete(s.unscheduled, id)
	for i := a.StartSlot; i < a.EndSlot; i++ {
		s.occupancy[i]++
	}
}

func (s *solver) remove(id int64, reason string) {
	if a, ok := s.assignments[id]; ok {
		for i := a.StartSlot; i < a.EndSlot; i++ {
			s.occupancy[i]--
		}
		delete(s.assignments, id)
	}
	s.unscheduled[id] = reason
}

// overlaps reports whether two assignments share any slot.
func overlaps(a, b Assignment) bool {
	return a.StartSlot < b.EndSlot && b.StartSlot < a.EndSlot
}

// localScore rates placing request id at the given start slot: weather
// suitability plus priority influence plus a morning-preference bump,
// minus the severity of conflicts with concurrently scheduled burns.
func (s *solver) localScore(id int64, start int) float64 {
	r := s.reqs[id]
	a := Assignment{StartSlot: start, EndSlot: start + s.slotsNeeded[id]}

	score := s.suitability[id] + float64(r.Priority)/100*0.5
	if t := SlotTime(start); t >= 7*60 && t < 11*60 {
		score += 0.1
	}
	for _, other := range s.conflictIDs[id] {
		if oa, ok := s.assignments[other]; ok && overlaps(a, oa) {
			score -= s.severity[id][other]
		}
	}
	return score
}

// bestSlot returns the feasible start slot with the highest local score,
// or -1 when the request has no feasible slot. Ties resolve to the
// earliest slot.
func (s *solver) bestSlot(id int64) int {
	lo, hi := s.windowLo[id], s.windowHi[id]
	if lo < 0 || hi < 0 {
		return -1
	}
	bestSlot, bestScore := -1, math.Inf(-1)
	n := s.slotsNeeded[id]
	for start := lo; start <= hi; start++ {
		if !s.canPlace(Assignment{StartSlot: start, EndSlot: start + n}) {
			continue
		}
		if sc := s.localScore(id, start); sc > bestScore {
			bestScore, bestSlot = sc, start
		}
	}
	return bestSlot
}

// greedyInitial schedules requests in descending priority (ties by
// ascending ID), each at its best slot.
func (s *solver) greedyInitial() {
	order := make([]int64, len(s.ids))
	copy(order, s.ids)
	sort.SliceStable(order, func(i, j int) bool {
		pi, pj := s.reqs[order[i]].Priority, s.reqs[order[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return order[i] < order[j]
	})

	for _, id := range order {
		if s.windowLo[id] < 0 || s.windowHi[id] < 0 {
			s.unscheduled[id] = "outside operating window"
			continue
		}
		if slot := s.bestSlot(id); slot >= 0 {
			s.place(id, Assignment{StartSlot: slot, EndSlot: slot + s.slotsNeeded[id]})
		} else {
			s.unscheduled[id] = "no feasible slot"
		}
	}
}

// proposeMove applies one of three neighbor moves and returns the diffs
// needed to roll it back. Returns ok=false when no move was possible.
func (s *solver) proposeMove() ([]moveDiff, bool) {
	switch s.rng.Intn(3) {
	case 0:
		return s.moveReschedule()
	case 1:
		return s.moveSwap()
	default:
		return s.movePromote()
	}
}

// moveReschedule moves a random scheduled request to its current best
// slot, possibly leaving it unscheduled.
func (s *solver) moveReschedule() ([]moveDiff, bool) {
	sched := s.scheduledIDs()
	if len(sched) == 0 {
		return nil, false
	}
	id := sched[s.rng.Intn(len(sched))]
	old := s.assignments[id]
	diff := []moveDiff{{id: id, hadAssign: true, oldAssign: old}}

	s.remove(id, "rescheduling")
	if slot := s.bestSlot(id); slot >= 0 {
		s.place(id, Assignment{StartSlot: slot, EndSlot: slot + s.slotsNeeded[id]})
	} else {
		s.unscheduled[id] = "no feasible slot"
	}
	return diff, true
}

// moveSwap exchanges the start slots of two scheduled requests,
// re-snapping each into its own window. The move is abandoned when
// either re-snapped assignment is infeasible.
func (s *solver) moveSwap() ([]moveDiff, bool) {
	sched := s.scheduledIDs()
	if len(sched) < 2 {
		return nil, false
	}
	i := s.rng.Intn(len(sched))
	j := s.rng.Intn(len(sched) - 1)
	if j >= i {
		j++
	}
	id1, id2 := sched[i], sched[j]
	a1, a2 := s.assignments[id1], s.assignments[id2]
	diffs := []moveDiff{
		{id: id1, hadAssign: true, oldAssign: a1},
		{id: id2, hadAssign: true, oldAssign: a2},
	}

	s.remove(id1, "swapping")
	s.remove(id2, "swapping")

	n1 := s.snapToWindow(id1, a2.StartSlot)
	n2 := s.snapToWindow(id2, a1.StartSlot)
	ok1 := n1 >= 0 && s.canPlace(Assignment{StartSlot: n1, EndSlot: n1 + s.slotsNeeded[id1]})
	if ok1 {
		s.place(id1, Assignment{StartSlot: n1, EndSlot: n1 + s.slotsNeeded[id1]})
	}
	ok2 := n2 >= 0 && s.canPlace(Assignment{StartSlot: n2, EndSlot: n2 + s.slotsNeeded[id2]})
	if ok2 {
		s.place(id2, Assignment{StartSlot: n2, EndSlot: n2 + s.slotsNeeded[id2]})
	}
	if !ok1 || !ok2 {
		s.rollback(diffs)
		return nil, false
	}
	return diffs, true
}

// movePromote schedules a random unscheduled request at its best
// feasible slot.
func (s *solver) movePromote() ([]moveDiff, bool) {
	unsched := s.unscheduledIDs()
	// Requests outside the operating window can never be promoted.
	candidates := unsched[:0:0]
	for _, id := range unsched {
		if s.windowLo[id] >= 0 && s.windowHi[id] >= 0 {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	id := candidates[s.rng.Intn(len(candidates))]
	slot := s.bestSlot(id)
	if slot < 0 {
		return nil, false
	}
	diff := []moveDiff{{id: id, hadAssign: false, oldReason: s.unscheduled[id]}}
	s.place(id, Assignment{StartSlot: slot, EndSlot: slot + s.slotsNeeded[id]})
	return diff, true
}

// snapToWindow clamps a desired start slot into the request's feasible
// range, or returns -1 when the request has none.
func (s *solver) snapToWindow(id int64, start int) int {
	lo, hi := s.windowLo[id], s.windowHi[id]
	if lo < 0 || hi < 0 {
		return -1
	}
	if start < lo {
		return lo
	}
	if start > hi {
		return hi
	}
	return start
}

// rollback undoes a move using its recorded diffs.
func (s *solver) rollback(diffs []moveDiff) {
	for k := len(diffs) - 1; k >= 0; k-- {
		d := diffs[k]
		if a, ok := s.assignments[d.id]; ok {
			for i := a.StartSlot; i < a.EndSlot; i++ {
				s.occupancy[i]--
			}
			delete(s.assignments, d.id)
		}
		delete(s.unscheduled, d.id)
		if d.hadAssign {
			s.place(d.id, d.oldAssign)
		} else {
			s.unscheduled[d.id] = d.oldReason
		}
	}
}

// snapshot copies the current solution into a Schedule.
func (s *solver) snapshot() *Schedule {
	out := &Schedule{
		Assignments: make(map[int64]Assignment, len(s.assignments)),
		Unscheduled: make(map[int64]string, len(s.unscheduled)),
	}
	for id, a := range s.assignments {
		out.Assignments[id] = a
	}
	for id, r := range s.unscheduled {
		out.Unscheduled[id] = r
	}
	return out
}

// scoreParts breaks the overall score into its weighted components.
type scoreParts struct {
	smoke, window, weather, priority, utilization float64
	avgConflict                                   float64
}

// score rates the current solution in [0, 1]. Higher is better.
func (s *solver) score() (float64, scoreParts) {
	var p scoreParts

	sched := s.scheduledIDs()
	n := len(s.ids)

	// Smoke conflicts: severity summed over temporally-overlapping
	// scheduled pairs, normalized by the number of possible pairs.
	maxPairs := n * (n - 1) / 2
	sevSum := 0.0
	for i := 0; i < len(sched); i++ {
		for j := i + 1; j < len(sched); j++ {
			a, b := sched[i], sched[j]
			if !overlaps(s.assignments[a], s.assignments[b]) {
				continue
			}
			if sev, ok := s.severity[a][b]; ok {
				sevSum += sev
			}
		}
	}
	p.smoke = 1
	if maxPairs > 0 {
		p.smoke = clamp(1-sevSum/float64(maxPairs), 0, 1)
	}
	if len(sched) > 0 {
		p.avgConflict = sevSum / float64(len(sched))
	}

	// Time-window compliance: fraction of assignments inside their
	// request's window.
	if len(sched) > 0 {
		inWindow := 0
		suits := make([]float64, 0, len(sched))
		for _, id := range sched {
			a := s.assignments[id]
			w := s.reqs[id].Window
			if a.Start() >= w.Start && a.End() <= w.End {
				inWindow++
			}
			suits = append(suits, s.suitability[id])
		}
		p.window = float64(inWindow) / float64(len(sched))
		p.weather = stat.Mean(suits, nil)
	}

	// Priority satisfaction.
	prioAll, prioSched := 0, 0
	for _, id := range s.ids {
		prioAll += s.reqs[id].Priority
	}
	for _, id := range sched {
		prioSched += s.reqs[id].Priority
	}
	p.priority = 1
	if prioAll > 0 {
		p.priority = float64(prioSched) / float64(prioAll)
	}

	p.utilization = float64(len(sched)) / float64(n)

	total := weightSmokeConflicts*p.smoke +
		weightTimeWindow*p.window +
		weightWeather*p.weather +
		weightPriority*p.priority +
		weightUtilization*p.utilization
	return clamp(total, 0, 1), p
}
