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
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/burnmodel/burnsched/internal/hash"
)

// Alert delivery tuning.
const (
	// alertRatePerMinute is the process-wide rolling-minute delivery
	// cap for non-critical alerts. Critical alerts bypass it but still
	// count against the window.
	alertRatePerMinute = 10
	// alertDedupTTL is how long a delivered alert's dedup key suppresses
	// duplicates.
	alertDedupTTL = 10 * time.Minute
	// alertSendTimeout bounds a single transport attempt.
	alertSendTimeout = 5 * time.Second
	// overloadThreshold is the batch size above which only critical and
	// high priority alerts are delivered; the rest are deferred.
	overloadThreshold = 500

	alertRetryInitialInterval = 200 * time.Millisecond
	alertRetryMaxInterval     = 2 * time.Second
	alertRetryMax             = 1
)

// channelFallback maps each channel to its substitute when the primary
// transport is down. Each alert is retried on at most one fallback.
var channelFallback = map[Channel]Channel{
	ChannelSMS:   ChannelVoice,
	ChannelEmail: ChannelPush,
	ChannelVoice: ChannelPush,
	ChannelPush:  ChannelSMS,
}

// DispatchReport summarizes one dispatch batch.
type DispatchReport struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`  // duplicates and rate-limited
	Deferred  int `json:"deferred"` // shed under overload

	// Alerts holds every input alert with its terminal status,
	// attempt count, and (for deferrals) NextAllowedTime filled in.
	Alerts []*Alert `json:"alerts"`
}

// Dispatcher delivers schedule alerts over the configured transport with
// deduplication, process-wide rate limiting, per-channel circuit
// breakers, and channel fallback.
type Dispatcher struct {
	Transport AlertTransport
	// Now supplies the current time; defaults to time.Now.
	Now func() time.Time
	Log *logrus.Logger

	breakers map[Channel]*gobreaker.CircuitBreaker

	mu    sync.Mutex
	seen  map[string]time.Time // dedup key -> delivery time
	sends []time.Time          // send times in the last minute, process-wide
}

// NewDispatcher returns a Dispatcher sending over transport. Each channel
// gets its own circuit breaker so one failing provider does not take the
// others down.
func NewDispatcher(transport AlertTransport) *Dispatcher {
	d := &Dispatcher{
		Transport: transport,
		Now:       time.Now,
		Log:       logrus.StandardLogger(),
		breakers:  make(map[Channel]*gobreaker.CircuitBreaker),
		seen:      make(map[string]time.Time),
	}
	for _, ch := range []Channel{ChannelSMS, ChannelVoice, ChannelEmail, ChannelPush} {
		d.breakers[ch] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert-" + string(ch),
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return d
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *logrus.Logger {
	if d.Log != nil {
		return d.Log
	}
	return logrus.StandardLogger()
}

// dedupKey returns the alert's explicit key, or a content hash over
// recipient, channel, and payload.
func dedupKey(a *Alert) string {
	if a.DedupKey != "" {
		return a.DedupKey
	}
	return hash.Key("alert", struct {
		Recipient int64
		Channel   Channel
		Payload   string
	}{a.RecipientID, a.Channel, string(a.Payload)})
}

// isDuplicate reports whether the key was delivered within the dedup TTL,
// expiring stale entries as a side effect.
func (d *Dispatcher) isDuplicate(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.seen {
		if now.Sub(t) > alertDedupTTL {
			delete(d.seen, k)
		}
	}
	_, dup := d.seen[key]
	return dup
}

func (d *Dispatcher) markDelivered(key string, now time.Time) {
	d.mu.Lock()
	d.seen[key] = now
	d.mu.Unlock()
}

// allowSend applies the process-wide rolling-minute rate limit. When the
// limit is hit it returns false and the earliest time a send would be
// allowed. Critical alerts bypass the limit but still count against it.
func (d *Dispatcher) allowSend(critical bool, now time.Time) (bool, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.sends[:0]
	for _, t := range d.sends {
		if now.Sub(t) < time.Minute {
			window = append(window, t)
		}
	}
	if len(window) >= alertRatePerMinute && !critical {
		d.sends = window
		return false, window[0].Add(time.Minute)
	}
	d.sends = append(window, now)
	return true, time.Time{}
}

// Dispatch delivers a batch of alerts. Partial failure is expected and
// never returns an error: every alert's terminal status is in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []*Alert, recipients map[int64]*Recipient) (*DispatchReport, error) {
	if d.Transport == nil {
		return nil, fmt.Errorf("%w: alert transport is not configured", ErrExternalUnavailable)
	}
	log := d.logger()

	// Highest priority first; ties by creation time then recipient so a
	// batch dispatches in a reproducible order.
	ordered := make([]*Alert, len(alerts))
	copy(ordered, alerts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].RecipientID < ordered[j].RecipientID
	})

	overloaded := len(ordered) > overloadThreshold
	if overloaded {
		log.WithField("alerts", len(ordered)).Warn("alert dispatcher overloaded; shedding low and medium priority")
	}

	report := &DispatchReport{Alerts: ordered}
	for _, a := range ordered {
		if ctx.Err() != nil {
			a.Status = DeliveryDeferred
			report.Deferred++
			continue
		}
		d.dispatchOne(ctx, a, recipients[a.RecipientID], overloaded)
		switch a.Status {
		case DeliveryDelivered:
			report.Delivered++
		case DeliveryDropped:
			report.Dropped++
		case DeliveryDeferred:
			report.Deferred++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a *Alert, r *Recipient, overloaded bool) {
	log := d.logger()
	now := d.now()
	a.Attempts = 0

	if overloaded && a.Priority < PriorityHigh {
		a.Status = DeliveryDeferred
		a.NextAllowedTime = now.Add(time.Minute)
		return
	}

	key := dedupKey(a)
	if d.isDuplicate(key, now) {
		a.Status = DeliveryDropped
		return
	}

	if ok, next := d.allowSend(a.Priority == PriorityCritical, now); !ok {
		a.Status = DeliveryDropped
		a.NextAllowedTime = next
		return
	}

	if r == nil {
		a.Status = DeliveryFailed
		log.WithField("recipient", a.RecipientID).Warn("alert for unknown recipient")
		return
	}

	ch := a.Channel
	if ch == "" {
		ch = r.Preferred
	}
	if err := d.send(ctx, a, r, ch); err != nil {
		fb := channelFallback[ch]
		log.WithFields(logrus.Fields{
			"recipient": a.RecipientID,
			"channel":   ch,
			"fallback":  fb,
		}).WithError(err).Warn("alert channel failed; trying fallback")
		if err := d.send(ctx, a, r, fb); err != nil {
			a.Status = DeliveryFailed
			return
		}
		a.DeliveredVia = fb
	} else {
		a.DeliveredVia = ch
	}
	a.Status = DeliveryDelivered
	d.markDelivered(key, now)
}

// send makes one delivery attempt on ch with a single exponential-backoff
// retry, behind the channel's circuit breaker.
func (d *Dispatcher) send(ctx context.Context, a *Alert, r *Recipient, ch Channel) error {
	addr, ok := r.Addresses[ch]
	if !ok {
		return fmt.Errorf("recipient %d has no %s address", r.ID, ch)
	}
	br := d.breakers[ch]
	_, err := br.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = alertRetryInitialInterval
		bo.MaxInterval = alertRetryMaxInterval
		var res *DeliveryResult
		err := backoff.Retry(func() error {
			a.Attempts++
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			defer cancel()
			var err error
			res, err = d.Transport.Send(sctx, ch, addr, a.Payload)
			if err != nil {
				return err
			}
			if !res.Delivered {
				return fmt.Errorf("transport reported non-delivery on %s", ch)
			}
			return nil
		}, backoff.WithMaxRetries(bo, alertRetryMax))
		return res, err
	})
	return err
}

// ComposeScheduleAlerts builds one alert per request describing its
// scheduling outcome. Scheduled burns get medium priority; unscheduled
// ones high, since the farm must replan.
func ComposeScheduleAlerts(s *Schedule, reqs map[int64]*ValidatedRequest, now time.Time) []*Alert {
	var alerts []*Alert
	add := func(id int64, prio AlertPriority, msg string) {
		r, ok := reqs[id]
		if !ok {
			return
		}
		alerts = append(alerts, &Alert{
			RecipientID: r.FarmID,
			Priority:    prio,
			Payload:     []byte(msg),
			DedupKey: hash.Key("sched", struct {
				Date string
				ID   int64
				Msg  string
			}{s.Date.Format("2006-01-02"), id, msg}),
			CreatedAt: now,
			Status:    DeliveryPending,
		})
	}

	for id, a := range s.Assignments {
		add(id, PriorityMedium, fmt.Sprintf("burn %d scheduled %s from %s to %s",
			id, s.Date.Format("2006-01-02"), a.Start(), a.End()))
	}
	for id, reason := range s.Unscheduled {
		add(id, PriorityHigh, fmt.Sprintf("burn %d could not be scheduled for %s: %s",
			id, s.Date.Format("2006-01-02"), reason))
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].RecipientID < alerts[j].RecipientID })
	return alerts
}
