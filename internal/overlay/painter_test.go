package overlay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPainterKeepsLatestDraw(t *testing.T) {
	p := NewPainter(time.Millisecond)

	var last atomic.Int64
	for i := 1; i <= 3; i++ {
		n := int64(i)
		p.Schedule(func() { last.Store(n) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for p.Stats().Painted == 0 {
		if time.Now().After(deadline) {
			t.Fatal("painter never painted")
		}
		time.Sleep(time.Millisecond)
	}

	if got := last.Load(); got != 3 {
		t.Fatalf("expected latest draw to win, got %d", got)
	}
	stats := p.Stats()
	if stats.Painted != 1 || stats.Dropped != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPainterStopsOnCancel(t *testing.T) {
	p := NewPainter(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("painter did not stop")
	}

	p.Schedule(func() { t.Error("draw ran after painter stopped") })
	time.Sleep(5 * time.Millisecond)
}
