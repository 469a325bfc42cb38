package overlay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPaintInterval paces mesh redraws at roughly display refresh rate.
const DefaultPaintInterval = 16 * time.Millisecond

// Scheduler defers a draw to the next paint opportunity.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// Painter runs scheduled draws on its own goroutine, one per paint interval.
// It keeps a single pending slot: a draw scheduled before the previous one was
// painted replaces it and is counted as dropped.
type Painter struct {
	interval time.Duration

	mu      sync.Mutex
	pending func()

	painted atomic.Uint64
	dropped atomic.Uint64
}

// NewPainter returns a painter; a non-positive interval uses DefaultPaintInterval.
func NewPainter(interval time.Duration) *Painter {
	if interval <= 0 {
		interval = DefaultPaintInterval
	}
	return &Painter{interval: interval}
}

// Schedule stores fn as the next draw.
func (p *Painter) Schedule(fn func()) {
	p.mu.Lock()
	if p.pending != nil {
		p.dropped.Add(1)
	}
	p.pending = fn
	p.mu.Unlock()
}

// Run paints until ctx is cancelled.
func (p *Painter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.paint()
		}
	}
}

func (p *Painter) paint() {
	p.mu.Lock()
	fn := p.pending
	p.pending = nil
	p.mu.Unlock()

	if fn == nil {
		return
	}
	fn()
	p.painted.Add(1)
}

// PainterStats reports draw counters.
type PainterStats struct {
	Painted uint64 `json:"painted"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns how many draws were painted and how many were replaced before painting.
func (p *Painter) Stats() PainterStats {
	return PainterStats{Painted: p.painted.Load(), Dropped: p.dropped.Load()}
}
