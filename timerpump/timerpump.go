// Package timerpump implements a periodic background task that drives
// time-based adapter-level housekeeping under the Stack Lock,
// independent of whether any ingress or egress packet ever arrives.
package timerpump

import (
	"context"
	"time"

	"tcpadapter/stacklock"
	"tcpadapter/types/logger"
)

// DefaultInterval is the pump's default tick period.
const DefaultInterval = 250 * time.Millisecond

// Pump runs a sweep function on a fixed interval, serialized by lock
// the same way every other stack touch point in this module is.
type Pump struct {
	lock     *stacklock.Lock
	interval time.Duration
	sweep    func(context.Context)
	logf     logger.Logf

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a pump. sweep is invoked with lock held; it must not
// block or perform its own suspension. A zero interval defaults to
// DefaultInterval. A nil logf discards.
func New(lock *stacklock.Lock, interval time.Duration, sweep func(context.Context), logf logger.Logf) *Pump {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logf == nil {
		logf = logger.Discard
	}
	return &Pump{lock: lock, interval: interval, sweep: sweep, logf: logf}
}

// Start spawns the pump's goroutine. Calling Start twice without an
// intervening Stop is a programmer error and panics, the same way
// double-registering a callback on one PCB would be.
func (p *Pump) Start(ctx context.Context) {
	if p.cancel != nil {
		panic("timerpump: Start called while already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Pump) tick(ctx context.Context) {
	g := p.lock.Acquire()
	defer g.Unlock()
	if p.sweep != nil {
		p.sweep(ctx)
	}
}

// Stop cancels the pump and waits for its goroutine to exit. Stopping
// a pump that was never started is a no-op, so callers can always call
// Stop unconditionally during teardown.
func (p *Pump) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}
