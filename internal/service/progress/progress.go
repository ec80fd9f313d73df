// Package progress provides throttled, non-blocking progress fan-out for
// import jobs.
package progress

import (
	"sync"

	"github.com/tangleworks/vidimport/internal/domain"
)

// DefaultByteInterval is the minimum transferred volume between two
// upload progress callbacks.
const DefaultByteInterval int64 = 1 << 20

// DefaultPercentStep is the minimum percentage delta between two
// download progress callbacks.
const DefaultPercentStep = 0.1

// ByteGate rate-limits byte-counted progress. Allow returns true at most
// once per interval of transferred bytes, and always for the final byte.
type ByteGate struct {
	interval int64
	last     int64
}

func NewByteGate(interval int64) *ByteGate {
	if interval <= 0 {
		interval = DefaultByteInterval
	}
	return &ByteGate{interval: interval, last: -1}
}

func (g *ByteGate) Allow(transferred, total int64) bool {
	if total > 0 && transferred >= total {
		g.last = transferred
		return true
	}
	if g.last >= 0 && transferred-g.last < g.interval {
		return false
	}
	g.last = transferred
	return true
}

// PercentGate rate-limits percent-counted progress to one callback per
// step. 100% always passes.
type PercentGate struct {
	step float64
	last float64
}

func NewPercentGate(step float64) *PercentGate {
	if step <= 0 {
		step = DefaultPercentStep
	}
	return &PercentGate{step: step, last: -1}
}

func (g *PercentGate) Allow(pct float64) bool {
	if pct >= 100 {
		g.last = pct
		return true
	}
	if g.last >= 0 && pct-g.last < g.step {
		return false
	}
	g.last = pct
	return true
}

// Reporter fans progress snapshots out to sinks without ever blocking
// the producer. Snapshots are conflated under load: when the dispatcher
// lags, intermediate values are replaced by the newest one. Percentage
// is clamped non-decreasing within a stage; a stage change resets the
// floor.
type Reporter struct {
	mu     sync.Mutex
	stage  domain.ProgressStage
	floor  float64
	latest *domain.Progress
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	sinks  []domain.ProgressFn
}

// NewReporter starts the dispatch loop. Close must be called to flush
// and stop it.
func NewReporter(sinks ...domain.ProgressFn) *Reporter {
	r := &Reporter{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		sinks:  sinks,
	}
	go r.dispatch()
	return r
}

// Publish enqueues a snapshot. Never blocks.
func (r *Reporter) Publish(p domain.Progress) {
	r.mu.Lock()
	if p.Stage != r.stage {
		r.stage = p.Stage
		r.floor = 0
	}
	if p.Percentage < r.floor {
		p.Percentage = r.floor
	} else {
		r.floor = p.Percentage
	}
	r.latest = &p
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Last returns the most recently published snapshot.
func (r *Reporter) Last() domain.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return domain.Progress{}
	}
	return *r.latest
}

// Close flushes any pending snapshot, stops the dispatcher and waits
// for it to exit. Safe to call more than once.
func (r *Reporter) Close() {
	r.once.Do(func() { close(r.done) })
	<-r.exited
}

func (r *Reporter) dispatch() {
	defer close(r.exited)
	for {
		select {
		case <-r.wake:
			r.deliver()
		case <-r.done:
			// final flush
			r.deliver()
			return
		}
	}
}

func (r *Reporter) deliver() {
	r.mu.Lock()
	p := r.latest
	r.latest = nil
	r.mu.Unlock()
	if p == nil {
		return
	}
	for _, s := range r.sinks {
		s(*p)
	}
}
