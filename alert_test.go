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
	"strings"
	"sync"
	"testing"
	"time"
)

type sentAlert struct {
	Channel   Channel
	Recipient string
	Payload   string
}

// fakeTransport records sends and fails configured channels.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentAlert
	fail map[Channel]bool
}

func (t *fakeTransport) Send(ctx context.Context, ch Channel, recipient string, payload []byte) (*DeliveryResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[ch] {
		return nil, fmt.Errorf("%s provider down", ch)
	}
	t.sent = append(t.sent, sentAlert{ch, recipient, string(payload)})
	return &DeliveryResult{MessageID: fmt.Sprintf("m%d", len(t.sent)), Delivered: true}, nil
}

func testRecipient(id int64) *Recipient {
	return &Recipient{
		ID:        id,
		Preferred: ChannelSMS,
		Addresses: map[Channel]string{
			ChannelSMS:   fmt.Sprintf("+1555%04d", id),
			ChannelVoice: fmt.Sprintf("+1555%04d", id),
			ChannelPush:  fmt.Sprintf("dev-%d", id),
		},
	}
}

func testAlert(recipient int64, prio AlertPriority, msg string) *Alert {
	return &Alert{
		RecipientID: recipient,
		Channel:     ChannelSMS,
		Priority:    prio,
		Payload:     []byte(msg),
		CreatedAt:   testNow,
	}
}

func TestDispatchDelivers(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	rep, err := d.Dispatch(context.Background(),
		[]*Alert{testAlert(1, PriorityMedium, "scheduled")},
		map[int64]*Recipient{1: testRecipient(1)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delivered != 1 || rep.Failed != 0 {
		t.Errorf("delivered/failed = %d/%d, want 1/0", rep.Delivered, rep.Failed)
	}
	a := rep.Alerts[0]
	if a.Status != DeliveryDelivered || a.DeliveredVia != ChannelSMS {
		t.Errorf("status = %s via %s, want delivered via sms", a.Status, a.DeliveredVia)
	}
	if a.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", a.Attempts)
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	alerts := []*Alert{
		testAlert(1, PriorityMedium, "same message"),
		testAlert(1, PriorityMedium, "same message"),
	}
	rep, err := d.Dispatch(context.Background(), alerts, map[int64]*Recipient{1: testRecipient(1)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delivered != 1 || rep.Dropped != 1 {
		t.Errorf("delivered/dropped = %d/%d, want 1/1", rep.Delivered, rep.Dropped)
	}
}

func TestDispatchFallsBackToSecondaryChannel(t *testing.T) {
	tr := &fakeTransport{fail: map[Channel]bool{ChannelSMS: true}}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	rep, err := d.Dispatch(context.Background(),
		[]*Alert{testAlert(1, PriorityHigh, "window moved")},
		map[int64]*Recipient{1: testRecipient(1)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1 via fallback", rep.Delivered)
	}
	if via := rep.Alerts[0].DeliveredVia; via != ChannelVoice {
		t.Errorf("delivered via %s, want voice (sms fallback)", via)
	}
	// Primary attempt plus one retry, then the fallback.
	if a := rep.Alerts[0].Attempts; a != 3 {
		t.Errorf("attempts = %d, want 3", a)
	}
}

func TestDispatchFailsWhenAllChannelsDown(t *testing.T) {
	tr := &fakeTransport{fail: map[Channel]bool{ChannelSMS: true, ChannelVoice: true}}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	rep, err := d.Dispatch(context.Background(),
		[]*Alert{testAlert(1, PriorityHigh, "window moved")},
		map[int64]*Recipient{1: testRecipient(1)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || rep.Alerts[0].Status != DeliveryFailed {
		t.Errorf("status = %s, want failed when both channels are down", rep.Alerts[0].Status)
	}
}

func TestDispatchRateLimit(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	// The limit is process-wide: distinct recipients share one window.
	var alerts []*Alert
	recipients := map[int64]*Recipient{}
	for i := 0; i < alertRatePerMinute+5; i++ {
		id := int64(i + 1)
		alerts = append(alerts, testAlert(id, PriorityMedium, fmt.Sprintf("update %d", i)))
		recipients[id] = testRecipient(id)
	}
	rep, err := d.Dispatch(context.Background(), alerts, recipients)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delivered != alertRatePerMinute || rep.Dropped != 5 {
		t.Errorf("delivered/dropped = %d/%d, want %d/5", rep.Delivered, rep.Dropped, alertRatePerMinute)
	}
	for _, a := range rep.Alerts {
		if a.Status == DeliveryDropped {
			want := testNow.Add(time.Minute)
			if !a.NextAllowedTime.Equal(want) {
				t.Errorf("next allowed = %v, want %v", a.NextAllowedTime, want)
			}
		}
	}
}

func TestDispatchCriticalBypassesRateLimit(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr)
	d.Now = func() time.Time { return testNow }

	var alerts []*Alert
	for i := 0; i < alertRatePerMinute; i++ {
		alerts = append(alerts, testAlert(1, PriorityMedium, fmt.Sprintf("update %d", i)))
	}
	alerts = append(alerts, testAlert(1, PriorityCritical, "evacuate downwind"))

	rep, err := d.Dispatch(context.Background(), alerts, map[int64]*Recipient{1: testRecipient(1)})
	if err != nil {
		t.Fatal(err)
	}
	// Criticals dispatch first, so the limit drops only the last
	// medium alert.
	for _, a := range rep.Alerts {
		if a.Priority == PriorityCritical && a.Status != DeliveryDelivered {
			t.Errorf("critical alert status = %s, want delivered", a.Status)
		}
	}
	if rep.Delivered != alertRatePerMinute || rep.Dropped != 1 {
		t.Errorf("delivered/dropped = %d/%d, want %d/1", rep.Delivered, rep.Dropped, alertRatePerMinute)
	}
}

func TestDispatchUnknownRecipient(t *testing.T) {
	d := NewDispatcher(&fakeTransport{})
	d.Now = func() time.Time { return testNow }
	rep, err := d.Dispatch(context.Background(),
		[]*Alert{testAlert(99, PriorityMedium, "hello")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 {
		t.Errorf("failed = %d, want 1 for unknown recipient", rep.Failed)
	}
}

func TestComposeScheduleAlerts(t *testing.T) {
	reqs := map[int64]*ValidatedRequest{
		1: {BurnRequest: BurnRequest{ID: 1, FarmID: 11}},
		2: {BurnRequest: BurnRequest{ID: 2, FarmID: 12}},
	}
	s := &Schedule{
		Date:        time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		Assignments: map[int64]Assignment{1: {StartSlot: 6, EndSlot: 14}},
		Unscheduled: map[int64]string{2: "no feasible slot"},
	}
	alerts := ComposeScheduleAlerts(s, reqs, testNow)
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	byFarm := map[int64]*Alert{}
	for _, a := range alerts {
		byFarm[a.RecipientID] = a
	}
	sched := byFarm[11]
	if sched == nil || sched.Priority != PriorityMedium {
		t.Fatalf("scheduled-burn alert missing or wrong priority: %+v", sched)
	}
	if msg := string(sched.Payload); !strings.Contains(msg, "09:00") || !strings.Contains(msg, "13:00") {
		t.Errorf("scheduled alert %q does not name the assignment times", msg)
	}
	unsched := byFarm[12]
	if unsched == nil || unsched.Priority != PriorityHigh {
		t.Fatalf("unscheduled-burn alert missing or wrong priority: %+v", unsched)
	}
	if msg := string(unsched.Payload); !strings.Contains(msg, "no feasible slot") {
		t.Errorf("unscheduled alert %q does not carry the reason", msg)
	}
}
