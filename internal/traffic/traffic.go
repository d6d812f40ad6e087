// Package traffic keeps sliding windows of refresh outcomes and rate-limit
// denials. It is the single source for the health handler's degraded check
// and the rate-limit gauges.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window may look.
const retention = 30 * time.Minute

var defaultTracker Tracker

// RecordRefreshSuccess records a refresh cycle that published a snapshot.
func RecordRefreshSuccess() {
	defaultTracker.RecordRefreshSuccess()
}

// RecordRefreshFailure records a refresh cycle that kept the previous snapshot.
func RecordRefreshFailure() {
	defaultTracker.RecordRefreshFailure()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (failed, total) refresh cycles within the window.
func ErrorRate(window time.Duration) (failed, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps. The zero value is ready to use.
type Tracker struct {
	mu           sync.Mutex
	successTimes []time.Time
	failureTimes []time.Time
	deniedTimes  []time.Time
}

func (t *Tracker) RecordRefreshSuccess() {
	t.record(&t.successTimes)
}

func (t *Tracker) RecordRefreshFailure() {
	t.record(&t.failureTimes)
}

func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, time.Now().Add(-window))
}

// ErrorRate returns (failed, total) refresh cycles within the window.
// Denials are not refresh outcomes and are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	failed = countSince(t.failureTimes, cutoff)
	return failed, failed + countSince(t.successTimes, cutoff)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.failureTimes = nil
	t.deniedTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.failureTimes)
	prune(&t.deniedTimes)
}
