package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateGate enforces a process-wide minimum interval between outbound calls.
// One gate is created by the orchestrator and shared by every lookup client.
//
// Admission is serialized: a caller holds the gate while it sleeps out the
// rest of the interval since the previous admission, so two admissions are
// never closer than the interval however late a waiter wakes.
type RateGate struct {
	mu       sync.Mutex
	interval time.Duration

	token chan struct{} // Held by the caller being admitted; guards last
	last  time.Time

	calls   atomic.Int64
	onAdmit func(time.Time)
}

// NewRateGate creates a gate that admits at most one call per interval.
// A non-positive interval disables the floor.
func NewRateGate(interval time.Duration) *RateGate {
	return &RateGate{
		interval: interval,
		token:    make(chan struct{}, 1),
	}
}

// Wait blocks until the caller may issue its call, or ctx is done
func (g *RateGate) Wait(ctx context.Context) error {
	select {
	case g.token <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.token }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !g.last.IsZero() {
		if d := time.Until(g.last.Add(g.Interval())); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	g.last = time.Now()
	g.calls.Add(1)
	if g.onAdmit != nil {
		g.onAdmit(g.last)
	}
	return nil
}

// Interval returns the current floor between calls
func (g *RateGate) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// RaiseInterval widens the floor to d if d is larger than the current one.
// It never narrows it, so a crawl delay can only slow callers down.
func (g *RateGate) RaiseInterval(d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d <= g.interval {
		return false
	}
	g.interval = d
	return true
}

// Calls returns how many calls have been admitted
func (g *RateGate) Calls() int64 {
	return g.calls.Load()
}
