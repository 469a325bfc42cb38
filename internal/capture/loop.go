// Package capture runs the fixed-period capture loop: snapshot, detect,
// exchange and render, with per-tick failures contained at the tick boundary.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/session"
)

const (
	DefaultPeriod          = 100 * time.Millisecond
	DefaultExchangeTimeout = 5 * time.Second
	defaultReadyPoll       = 50 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Run when the loop was already started.
	ErrAlreadyRunning = errors.New("capture loop already running")
	// ErrSourceBusy is returned by Run when another loop owns the video source.
	ErrSourceBusy = errors.New("video source is attached to another loop")
)

// VideoSource yields encoded still frames once it can produce decodable ones.
type VideoSource interface {
	Ready() bool
	Snapshot(ctx context.Context) (face.Frame, error)
}

// Exchanger performs one prediction exchange for a frame.
type Exchanger interface {
	Send(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error)
}

// IdentitySource reports the current session identity.
type IdentitySource interface {
	Identity(ctx context.Context) (session.Identity, bool)
}

// IdentityFunc adapts a function to IdentitySource.
type IdentityFunc func(ctx context.Context) (session.Identity, bool)

func (f IdentityFunc) Identity(ctx context.Context) (session.Identity, bool) { return f(ctx) }

// Renderer draws a geometry estimate together with a prediction.
type Renderer interface {
	Render(ctx context.Context, est face.Estimate, res emotion.Result) error
}

// Config wires a Loop. Source, Detector, Exchanger, Identity and Renderer are required.
type Config struct {
	Source VideoSource
	// SourceID names the underlying device for exclusivity checks. When empty
	// the Source value itself is the key, so it must be comparable.
	SourceID        string
	Detector        face.Detector
	Exchanger       Exchanger
	Identity        IdentitySource
	Renderer        Renderer
	Period          time.Duration
	// MaxInFlight bounds concurrent exchanges. Zero leaves them unbounded.
	MaxInFlight     int
	ExchangeTimeout time.Duration
	ReadyPoll       time.Duration
}

// Stats is a snapshot of loop counters.
type Stats struct {
	State               string `json:"state"`
	Ticks               uint64 `json:"ticks"`
	SkippedNoIdentity   uint64 `json:"skipped_no_identity"`
	SkippedNotReady     uint64 `json:"skipped_not_ready"`
	SkippedBackpressure uint64 `json:"skipped_backpressure"`
	SnapshotFailed      uint64 `json:"snapshot_failed"`
	EstimateFailed      uint64 `json:"estimate_failed"`
	ExchangesStarted    uint64 `json:"exchanges_started"`
	ExchangesFailed     uint64 `json:"exchanges_failed"`
	Rendered            uint64 `json:"rendered"`
	Stale               uint64 `json:"stale"`
	Discarded           uint64 `json:"discarded"`
	InFlight            int64  `json:"in_flight"`
}

type counters struct {
	ticks               atomic.Uint64
	skippedNoIdentity   atomic.Uint64
	skippedNotReady     atomic.Uint64
	skippedBackpressure atomic.Uint64
	snapshotFailed      atomic.Uint64
	estimateFailed      atomic.Uint64
	started             atomic.Uint64
	failed              atomic.Uint64
	rendered            atomic.Uint64
	stale               atomic.Uint64
	discarded           atomic.Uint64
}

var activeSources sync.Map

// Loop is single use: Run may be called once.
type Loop struct {
	cfg    Config
	logger *zap.Logger

	state    atomic.Int32
	started  atomic.Bool
	inFlight atomic.Int64
	counters counters
	wg       sync.WaitGroup
	seq      uint64

	// mu orders surface mutations against teardown.
	mu            sync.Mutex
	cancel        context.CancelFunc
	stopRequested bool
	stopped       bool
	latest        face.Estimate
	hasRendered   bool
	lastRendered  uint64
}

// New validates cfg and applies defaults.
func New(cfg Config, logger *zap.Logger) (*Loop, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("capture: video source is required")
	case cfg.Detector == nil:
		return nil, errors.New("capture: detector is required")
	case cfg.Exchanger == nil:
		return nil, errors.New("capture: exchanger is required")
	case cfg.Identity == nil:
		return nil, errors.New("capture: identity source is required")
	case cfg.Renderer == nil:
		return nil, errors.New("capture: renderer is required")
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.MaxInFlight < 0 {
		return nil, errors.New("capture: max in flight must not be negative")
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = defaultReadyPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, logger: logger.Named("capture")}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Info("capture state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run loads the model, waits for the source, then ticks until ctx is
// cancelled or Stop is called. A model load failure is returned as is and the
// loop never enters Running. Cancellation is a clean stop and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	key := any(l.cfg.Source)
	if l.cfg.SourceID != "" {
		key = l.cfg.SourceID
	}
	if _, busy := activeSources.LoadOrStore(key, l); busy {
		l.teardown()
		return ErrSourceBusy
	}
	defer activeSources.Delete(key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	if l.stopRequested {
		cancel()
	}
	l.mu.Unlock()

	l.setState(WaitingForVideoReady)

	model, err := l.cfg.Detector.Load(ctx)
	if err != nil {
		l.teardown()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Error("face model failed to load", zap.Error(err))
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			l.logger.Warn("face model close failed", zap.Error(err))
		}
	}()

	if !l.waitReady(ctx) {
		l.teardown()
		return nil
	}
	l.setState(Running)

	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			l.teardown()
			return nil
		case <-ticker.C:
			l.tick(ctx, model)
		}
	}
}

// Stop cancels the loop. In-flight exchanges complete but are not rendered.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopRequested = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every in-flight exchange has returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	c := &l.counters
	return Stats{
		State:               l.State().String(),
		Ticks:               c.ticks.Load(),
		SkippedNoIdentity:   c.skippedNoIdentity.Load(),
		SkippedNotReady:     c.skippedNotReady.Load(),
		SkippedBackpressure: c.skippedBackpressure.Load(),
		SnapshotFailed:      c.snapshotFailed.Load(),
		EstimateFailed:      c.estimateFailed.Load(),
		ExchangesStarted:    c.started.Load(),
		ExchangesFailed:     c.failed.Load(),
		Rendered:            c.rendered.Load(),
		Stale:               c.stale.Load(),
		Discarded:           c.discarded.Load(),
		InFlight:            l.inFlight.Load(),
	}
}

func (l *Loop) waitReady(ctx context.Context) bool {
	if l.cfg.Source.Ready() {
		return true
	}
	poll := time.NewTicker(l.cfg.ReadyPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-poll.C:
			if l.cfg.Source.Ready() {
				return true
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context, model face.Model) {
	l.counters.ticks.Add(1)
	l.seq++
	seq := l.seq
	logger := logging.WithTick(l.logger, seq)

	id, ok := l.cfg.Identity.Identity(ctx)
	if !ok || !id.Valid() {
		l.counters.skippedNoIdentity.Add(1)
		logger.Debug("tick skipped", zap.Error(session.ErrNoIdentity))
		return
	}
	if !l.cfg.Source.Ready() {
		l.counters.skippedNotReady.Add(1)
		logger.Debug("tick skipped: video not ready")
		return
	}

	frame, err := l.cfg.Source.Snapshot(ctx)
	if err != nil {
		l.counters.snapshotFailed.Add(1)
		logger.Debug("snapshot failed", zap.Error(err))
		return
	}
	frame.Seq = seq

	est, err := model.Estimate(ctx, frame)
	if err != nil {
		l.counters.estimateFailed.Add(1)
		logger.Debug("geometry estimate failed", zap.Error(err))
		return
	}
	est.Seq = seq
	if est.Width == 0 && est.Height == 0 {
		est.Width, est.Height = frame.Width, frame.Height
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.latest = est
	l.mu.Unlock()

	if limit := l.cfg.MaxInFlight; limit > 0 && l.inFlight.Load() >= int64(limit) {
		l.counters.skippedBackpressure.Add(1)
		logger.Debug("exchange skipped: too many in flight", zap.Int64("in_flight", l.inFlight.Load()))
		return
	}

	l.inFlight.Add(1)
	l.counters.started.Add(1)
	l.wg.Add(1)
	go l.exchange(ctx, frame, id, logger)
}

// exchange runs detached from loop cancellation so the network call is never
// torn down mid-flight; ctx is only consulted before rendering.
func (l *Loop) exchange(ctx context.Context, frame face.Frame, id session.Identity, logger *zap.Logger) {
	defer l.wg.Done()
	defer l.inFlight.Add(-1)

	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ExchangeTimeout)
	defer cancel()

	res, err := l.cfg.Exchanger.Send(exCtx, frame, id)
	if err != nil {
		l.counters.failed.Add(1)
		logger.Debug("exchange failed", zap.Error(err))
		return
	}
	res.Seq = frame.Seq
	l.deliver(ctx, res, logger)
}

func (l *Loop) deliver(ctx context.Context, res emotion.Result, logger *zap.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || ctx.Err() != nil {
		l.counters.discarded.Add(1)
		logger.Debug("result discarded after stop")
		return
	}
	if l.hasRendered && res.Seq <= l.lastRendered {
		l.counters.stale.Add(1)
		logger.Debug("stale result dropped", zap.Uint64("last_rendered", l.lastRendered))
		return
	}
	if err := l.cfg.Renderer.Render(ctx, l.latest, res); err != nil {
		logger.Debug("render failed", zap.Error(err))
		return
	}
	l.hasRendered = true
	l.lastRendered = res.Seq
	l.counters.rendered.Add(1)
}

func (l *Loop) teardown() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.setState(Stopped)
}
