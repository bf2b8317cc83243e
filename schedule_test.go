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
	"reflect"
	"testing"
	"time"
)

func TestSlotGrid(t *testing.T) {
	if got := SlotTime(0); got.String() != "06:00" {
		t.Errorf("SlotTime(0) = %s, want 06:00", got)
	}
	if got := SlotTime(NumSlots - 1); got.String() != "20:00" {
		t.Errorf("SlotTime(%d) = %s, want 20:00", NumSlots-1, got)
	}
	if got := slotFor(9 * 60); got != 6 {
		t.Errorf("slotFor(09:00) = %d, want 6", got)
	}
	if got := slotFor(5 * 60); got != 0 {
		t.Errorf("slotFor(05:00) = %d, want 0 (clamped to opening)", got)
	}
	if got := slotFor(21 * 60); got != -1 {
		t.Errorf("slotFor(21:00) = %d, want -1 (past the grid)", got)
	}
}

// optReq hand-builds a schedulable request for optimizer tests.
func optReq(id int64, prio int, start, end ClockTime, durH float64) *ValidatedRequest {
	return &ValidatedRequest{
		BurnRequest: BurnRequest{
			ID:       id,
			FarmID:   100 + id,
			Acres:    durH * acresPerBurnHour,
			Crop:     CropWheat,
			BurnDate: time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
			Window:   TimeWindow{Start: start, End: end},
		},
		Priority:      prio,
		DurationHours: durH,
	}
}

func TestOptimizeEmptyBatch(t *testing.T) {
	s, m := NewOptimizer().Optimize(context.Background(), testNow, nil, nil, nil, 1)
	if len(s.Assignments) != 0 || len(s.Unscheduled) != 0 {
		t.Error("empty input produced a non-empty schedule")
	}
	if m.OverallScore != 0 {
		t.Errorf("empty-batch score = %g, want 0", m.OverallScore)
	}
	if m.Reason == "" {
		t.Error("empty-batch metrics carry no reason")
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	mk := func() []*ValidatedRequest {
		return []*ValidatedRequest{
			optReq(1, 80, 9*60, 13*60, 4),
			optReq(2, 60, 6*60, 12*60, 3),
			optReq(3, 40, 10*60, 18*60, 2),
			optReq(4, 90, 8*60, 16*60, 6),
		}
	}
	s1, m1 := NewOptimizer().Optimize(context.Background(), testNow, mk(), nil, nil, 42)
	s2, m2 := NewOptimizer().Optimize(context.Background(), testNow, mk(), nil, nil, 42)
	if !reflect.DeepEqual(s1.Assignments, s2.Assignments) {
		t.Errorf("same seed produced different assignments:\n%v\n%v", s1.Assignments, s2.Assignments)
	}
	if !reflect.DeepEqual(s1.Unscheduled, s2.Unscheduled) {
		t.Error("same seed produced different unscheduled sets")
	}
	if m1.OverallScore != m2.OverallScore {
		t.Errorf("same seed produced different scores: %g vs %g", m1.OverallScore, m2.OverallScore)
	}
}

func TestOptimizeRespectsWindowsAndGrid(t *testing.T) {
	reqs := []*ValidatedRequest{
		optReq(1, 80, 9*60, 13*60, 4),
		optReq(2, 60, 6*60, 12*60, 3),
		optReq(3, 40, 14*60, 20*60, 2),
	}
	s, m := NewOptimizer().Optimize(context.Background(), testNow, reqs, nil, nil, 7)

	if len(s.Assignments) != len(reqs) {
		t.Fatalf("scheduled %d of %d with free capacity; unscheduled: %v",
			len(s.Assignments), len(reqs), s.Unscheduled)
	}
	byID := map[int64]*ValidatedRequest{}
	for _, r := range reqs {
		byID[r.ID] = r
	}
	for id, a := range s.Assignments {
		if a.StartSlot < 0 || a.EndSlot > NumSlots || a.StartSlot >= a.EndSlot {
			t.Errorf("request %d: assignment %+v off the slot grid", id, a)
		}
		w := byID[id].Window
		if a.Start() < w.Start || a.End() > w.End {
			t.Errorf("request %d: assignment [%s, %s) outside window [%s, %s)",
				id, a.Start(), a.End(), w.Start, w.End)
		}
	}
	if m.TimeWindowCompliance != 1 {
		t.Errorf("window compliance = %g, want 1", m.TimeWindowCompliance)
	}
	if m.OverallScore <= 0 || m.OverallScore > 1 {
		t.Errorf("score = %g, want in (0, 1]", m.OverallScore)
	}
}

func TestOptimizeOutsideOperatingWindow(t *testing.T) {
	reqs := []*ValidatedRequest{optReq(1, 50, 21*60, 23*60+30, 2)}
	s, _ := NewOptimizer().Optimize(context.Background(), testNow, reqs, nil, nil, 1)
	if len(s.Assignments) != 0 {
		t.Fatal("scheduled a burn entirely outside operating hours")
	}
	if reason := s.Unscheduled[1]; reason != "outside operating window" {
		t.Errorf("reason = %q, want %q", reason, "outside operating window")
	}
}

func TestOptimizeDisjointFromUnscheduled(t *testing.T) {
	reqs := []*ValidatedRequest{
		optReq(1, 80, 9*60, 13*60, 4),
		optReq(2, 60, 9*60, 13*60, 4),
		optReq(3, 70, 21*60, 23*60+30, 2),
	}
	s, m := NewOptimizer().Optimize(context.Background(), testNow, reqs, nil, nil, 3)
	for id := range s.Assignments {
		if _, both := s.Unscheduled[id]; both {
			t.Errorf("request %d appears both scheduled and unscheduled", id)
		}
	}
	if got := len(s.Assignments) + len(s.Unscheduled); got != len(reqs) {
		t.Errorf("accounted for %d of %d requests", got, len(reqs))
	}
	if m.ScheduledCount != len(s.Assignments) || m.UnscheduledCount != len(s.Unscheduled) {
		t.Error("metrics counts disagree with the schedule")
	}
}

func TestOptimizeSeparatesConflictingBurns(t *testing.T) {
	// Two high-severity conflicting burns with windows wide enough to
	// run one after the other.
	reqs := []*ValidatedRequest{
		optReq(1, 80, 6*60, 20*60, 2),
		optReq(2, 80, 6*60, 20*60, 2),
	}
	preds := map[int64]*Prediction{
		1: {BurnRequestID: 1, Conflicts: []Conflict{{OtherBurnRequestID: 2, Type: ConflictSpatial, Severity: SeverityHigh}}},
		2: {BurnRequestID: 2, Conflicts: []Conflict{{OtherBurnRequestID: 1, Type: ConflictSpatial, Severity: SeverityHigh}}},
	}
	s, _ := NewOptimizer().Optimize(context.Background(), testNow, reqs, nil, preds, 11)
	a1, ok1 := s.Assignments[1]
	a2, ok2 := s.Assignments[2]
	if !ok1 || !ok2 {
		t.Fatalf("both burns should schedule; unscheduled: %v", s.Unscheduled)
	}
	if overlaps(a1, a2) {
		t.Errorf("conflicting burns scheduled concurrently: %+v and %+v", a1, a2)
	}
}

// pairwiseConflicts builds symmetric spatial conflicts among ids, with
// the severity of pair (i, j) chosen by sevFor.
func pairwiseConflicts(ids []int64, sevFor func(i, j int) Severity) map[int64]*Prediction {
	preds := make(map[int64]*Prediction)
	for i, id := range ids {
		p := &Prediction{BurnRequestID: id}
		for j, other := range ids {
			if i == j {
				continue
			}
			p.Conflicts = append(p.Conflicts, Conflict{
				OtherBurnRequestID: other,
				Type:               ConflictSpatial,
				Severity:           sevFor(i, j),
			})
		}
		preds[id] = p
	}
	return preds
}

func TestOptimizeReheats(t *testing.T) {
	// Four mutually conflicting burns pinned to the same single feasible
	// slot: no move can improve the score, so the no-improvement counter
	// drives repeated reheats.
	var reqs []*ValidatedRequest
	var ids []int64
	for i := int64(1); i <= 4; i++ {
		reqs = append(reqs, optReq(i, 50, 9*60, 13*60, 4))
		ids = append(ids, i)
	}
	preds := pairwiseConflicts(ids, func(i, j int) Severity { return SeverityHigh })

	opt := NewOptimizer()
	opt.Config.MaxIterNoImprove = 150

	_, m := opt.Optimize(context.Background(), testNow, reqs, nil, preds, 5)
	if m.Reheats < 1 {
		t.Errorf("reheats = %d, want at least 1", m.Reheats)
	}
	if m.Iterations >= opt.Config.MaxIterations {
		t.Errorf("ran %d iterations; the reheat budget should terminate earlier", m.Iterations)
	}
	if first := m.ImprovementHistory[0].Score; m.OverallScore < first {
		t.Errorf("final score %g below initial %g", m.OverallScore, first)
	}
}

func TestOptimizeDeterministicDenseConflicts(t *testing.T) {
	sevs := []Severity{SeverityLow, SeverityMedium, SeverityHigh}
	mk := func() ([]*ValidatedRequest, map[int64]*Prediction) {
		var reqs []*ValidatedRequest
		var ids []int64
		for i := int64(1); i <= 12; i++ {
			reqs = append(reqs, optReq(i, 50+int(i), 6*60, 20*60, 2))
			ids = append(ids, i)
		}
		return reqs, pairwiseConflicts(ids, func(i, j int) Severity { return sevs[(i+j)%3] })
	}

	r1, p1 := mk()
	r2, p2 := mk()
	s1, m1 := NewOptimizer().Optimize(context.Background(), testNow, r1, nil, p1, 7)
	s2, m2 := NewOptimizer().Optimize(context.Background(), testNow, r2, nil, p2, 7)
	if !reflect.DeepEqual(s1.Assignments, s2.Assignments) {
		t.Errorf("same seed produced different assignments under dense conflicts:\n%v\n%v",
			s1.Assignments, s2.Assignments)
	}
	if m1.OverallScore != m2.OverallScore {
		t.Errorf("same seed produced different scores: %g vs %g", m1.OverallScore, m2.OverallScore)
	}
}

func TestOptimizeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var reqs []*ValidatedRequest
	for i := int64(1); i <= 20; i++ {
		reqs = append(reqs, optReq(i, 50, 6*60, 20*60, 4))
	}
	s, m := NewOptimizer().Optimize(ctx, testNow, reqs, nil, nil, 1)
	if s == nil {
		t.Fatal("cancelled optimization returned no schedule")
	}
	if !m.Cancelled {
		t.Error("metrics do not record cancellation")
	}
}

func TestBufferedOccupancy(t *testing.T) {
	s := &Schedule{Assignments: map[int64]Assignment{1: {StartSlot: 4, EndSlot: 8}}}
	occ := s.BufferedOccupancy()
	for i, want := range map[int]int{1: 0, 2: 1, 4: 1, 7: 1, 9: 1, 10: 0} {
		if occ[i] != want {
			t.Errorf("buffered occupancy[%d] = %d, want %d", i, occ[i], want)
		}
	}
	plain := s.SlotOccupancy()
	if len(plain[3]) != 0 || len(plain[4]) != 1 {
		t.Error("raw slot occupancy should not include the buffer")
	}
}
