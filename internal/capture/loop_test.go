package capture

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/exchange"
	"github.com/example/moodcam/internal/face"
	"github.com/example/moodcam/internal/overlay"
	"github.com/example/moodcam/internal/session"
)

var alice = session.Identity{Token: "abc", Username: "alice"}

type stubSource struct {
	ready     atomic.Bool
	snapshots atomic.Int32
}

func newReadySource() *stubSource {
	s := &stubSource{}
	s.ready.Store(true)
	return s
}

func (s *stubSource) Ready() bool { return s.ready.Load() }

func (s *stubSource) Snapshot(ctx context.Context) (face.Frame, error) {
	s.snapshots.Add(1)
	return face.Frame{Data: []byte{0xFF, 0xD8}, MIMEType: "image/jpeg", Width: 64, Height: 48}, nil
}

type stubDetector struct {
	err   error
	faces []face.Face
}

func (d *stubDetector) Load(ctx context.Context) (face.Model, error) {
	if d.err != nil {
		return nil, d.err
	}
	return stubModel{faces: d.faces}, nil
}

type stubModel struct {
	faces []face.Face
}

func (m stubModel) Estimate(ctx context.Context, frame face.Frame) (face.Estimate, error) {
	return face.Estimate{Width: frame.Width, Height: frame.Height, Faces: m.faces}, nil
}

func (stubModel) Close() error { return nil }

type stubExchanger struct {
	calls atomic.Int32
	fn    func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error)
}

func (e *stubExchanger) Send(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
	e.calls.Add(1)
	return e.fn(ctx, frame, id)
}

type recordingRenderer struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingRenderer) Render(ctx context.Context, est face.Estimate, res emotion.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, res.Seq)
	return nil
}

func (r *recordingRenderer) rendered() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func happy() emotion.Result {
	return emotion.Result{
		Scores: map[emotion.Label]float64{
			emotion.Angry: 0.01, emotion.Neutral: 0.10, emotion.Happy: 0.82, emotion.Fear: 0.02,
			emotion.Surprise: 0.03, emotion.Sad: 0.01, emotion.Disgust: 0.01,
		},
		Dominant: emotion.Happy,
	}
}

func answerHappy(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
	return happy(), nil
}

func staticIdentity(id session.Identity, ok bool) IdentitySource {
	return IdentityFunc(func(context.Context) (session.Identity, bool) { return id, ok })
}

func newTestLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = newReadySource()
	}
	if cfg.Detector == nil {
		cfg.Detector = &stubDetector{}
	}
	if cfg.Identity == nil {
		cfg.Identity = staticIdentity(alice, true)
	}
	if cfg.Renderer == nil {
		cfg.Renderer = &recordingRenderer{}
	}
	if cfg.Period == 0 {
		cfg.Period = 5 * time.Millisecond
	}
	if cfg.ReadyPoll == 0 {
		cfg.ReadyPoll = time.Millisecond
	}
	loop, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return loop
}

// start runs the loop in the background and returns a function that stops it
// and reports Run's error.
func start(t *testing.T, loop *Loop) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	return func() error {
		loop.Stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNoIdentityOpensNoExchange(t *testing.T) {
	ex := &stubExchanger{fn: answerHappy}
	renderer := &recordingRenderer{}
	source := newReadySource()
	loop := newTestLoop(t, Config{
		Source:    source,
		Exchanger: ex,
		Renderer:  renderer,
		Identity:  staticIdentity(session.Identity{}, false),
	})

	stop := start(t, loop)
	waitFor(t, "ticks", func() bool { return loop.Stats().Ticks >= 5 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := ex.calls.Load(); got != 0 {
		t.Fatalf("expected zero exchanges without identity, got %d", got)
	}
	if got := source.snapshots.Load(); got != 0 {
		t.Fatalf("expected no snapshots without identity, got %d", got)
	}
	if len(renderer.rendered()) != 0 {
		t.Fatal("expected surface untouched without identity")
	}
	if stats := loop.Stats(); stats.SkippedNoIdentity != stats.Ticks {
		t.Fatalf("expected every tick skipped, got %+v", stats)
	}
}

func TestEmptyTokenCountsAsAbsentIdentity(t *testing.T) {
	ex := &stubExchanger{fn: answerHappy}
	loop := newTestLoop(t, Config{
		Exchanger: ex,
		Identity:  staticIdentity(session.Identity{Username: "alice"}, true),
	})

	stop := start(t, loop)
	waitFor(t, "ticks", func() bool { return loop.Stats().Ticks >= 3 })
	_ = stop()

	if got := ex.calls.Load(); got != 0 {
		t.Fatalf("expected zero exchanges with empty token, got %d", got)
	}
}

func TestHappyScenarioRendersPrediction(t *testing.T) {
	region := image.Rect(10, 10, 40, 40)
	canvas := overlay.NewCanvas(1, 1)
	compositor := overlay.NewCompositor(canvas, overlay.SchedulerFunc(func(fn func()) { fn() }), zap.NewNop())

	var username atomic.Value
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		username.Store(id.Username)
		return happy(), nil
	}}
	loop := newTestLoop(t, Config{
		Detector:  &stubDetector{faces: []face.Face{{Box: region, Landmarks: []image.Point{{X: 25, Y: 28}}}}},
		Exchanger: ex,
		Renderer:  compositor,
	})

	stop := start(t, loop)
	waitFor(t, "a rendered result", func() bool { return loop.Stats().Rendered >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	loop.Wait()

	state := canvas.State()
	if state.Indicators[emotion.Happy] != 82 {
		t.Fatalf("expected Happy=82, got %d", state.Indicators[emotion.Happy])
	}
	if state.Readout != "happy" {
		t.Fatalf("expected readout happy, got %q", state.Readout)
	}
	if len(state.Faces) != 1 || state.Faces[0].Box != region {
		t.Fatalf("expected mesh at %v, got %+v", region, state.Faces)
	}
	if state.Width != 64 || state.Height != 48 {
		t.Fatalf("expected surface sized to the video, got %dx%d", state.Width, state.Height)
	}
	if got, _ := username.Load().(string); got != "alice" {
		t.Fatalf("expected exchange for alice, got %q", got)
	}
}

func TestClosedBeforeResponseKeepsTicking(t *testing.T) {
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		return emotion.Result{}, exchange.ErrClosedBeforeResponse
	}}
	renderer := &recordingRenderer{}
	loop := newTestLoop(t, Config{Exchanger: ex, Renderer: renderer})

	stop := start(t, loop)
	waitFor(t, "failed exchanges", func() bool { return loop.Stats().ExchangesFailed >= 3 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	loop.Wait()

	if len(renderer.rendered()) != 0 {
		t.Fatal("expected no surface update for failed exchanges")
	}
	if stats := loop.Stats(); stats.Ticks < 3 {
		t.Fatalf("expected ticks to continue, got %+v", stats)
	}
}

func TestResultsAfterStopAreDiscarded(t *testing.T) {
	release := make(chan struct{})
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		<-release
		return happy(), nil
	}}
	renderer := &recordingRenderer{}
	loop := newTestLoop(t, Config{Exchanger: ex, Renderer: renderer})

	stop := start(t, loop)
	waitFor(t, "an exchange in flight", func() bool { return loop.Stats().InFlight >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if loop.State() != Stopped {
		t.Fatalf("expected stopped, got %s", loop.State())
	}

	close(release)
	loop.Wait()

	if got := renderer.rendered(); len(got) != 0 {
		t.Fatalf("expected no render after teardown, got %v", got)
	}
	stats := loop.Stats()
	if stats.Discarded != stats.ExchangesStarted || stats.Discarded == 0 {
		t.Fatalf("expected every in-flight result discarded, got %+v", stats)
	}
}

func TestStaleResultIsDropped(t *testing.T) {
	releaseFirst := make(chan struct{})
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		if frame.Seq == 1 {
			<-releaseFirst
		}
		return happy(), nil
	}}
	renderer := &recordingRenderer{}
	loop := newTestLoop(t, Config{Exchanger: ex, Renderer: renderer})

	stop := start(t, loop)
	waitFor(t, "a newer result", func() bool { return loop.Stats().Rendered >= 1 })
	close(releaseFirst)
	waitFor(t, "the stale result", func() bool { return loop.Stats().Stale >= 1 })
	_ = stop()
	loop.Wait()

	seqs := renderer.rendered()
	for i, seq := range seqs {
		if seq == 1 {
			t.Fatalf("stale result for tick 1 was rendered: %v", seqs)
		}
		if i > 0 && seq <= seqs[i-1] {
			t.Fatalf("rendered results not increasing: %v", seqs)
		}
	}
}

func TestBackpressureBoundsInFlight(t *testing.T) {
	release := make(chan struct{})
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		<-release
		return happy(), nil
	}}
	source := newReadySource()
	loop := newTestLoop(t, Config{Source: source, Exchanger: ex, MaxInFlight: 2})

	stop := start(t, loop)
	waitFor(t, "backpressure", func() bool { return loop.Stats().SkippedBackpressure >= 3 })

	stats := loop.Stats()
	if stats.ExchangesStarted != 2 || stats.InFlight != 2 {
		t.Fatalf("expected exactly 2 exchanges in flight, got %+v", stats)
	}
	if got := source.snapshots.Load(); got < 5 {
		t.Fatalf("expected geometry to keep refreshing, got %d snapshots", got)
	}

	_ = stop()
	close(release)
	loop.Wait()
}

func TestExchangesAreUnboundedByDefault(t *testing.T) {
	release := make(chan struct{})
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		<-release
		return happy(), nil
	}}
	loop := newTestLoop(t, Config{Exchanger: ex})

	stop := start(t, loop)
	waitFor(t, "exchanges piling up", func() bool { return loop.Stats().InFlight >= 6 })

	if stats := loop.Stats(); stats.SkippedBackpressure != 0 {
		t.Fatalf("expected no backpressure without a bound, got %+v", stats)
	}

	_ = stop()
	close(release)
	loop.Wait()
}

func TestModelLoadFailureIsFatal(t *testing.T) {
	loadErr := &face.ModelLoadError{Path: "missing.onnx", Err: os.ErrNotExist}
	source := newReadySource()
	ex := &stubExchanger{fn: answerHappy}
	loop := newTestLoop(t, Config{Source: source, Detector: &stubDetector{err: loadErr}, Exchanger: ex})

	err := loop.Run(context.Background())
	var target *face.ModelLoadError
	if !errors.As(err, &target) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if loop.State() != Stopped {
		t.Fatalf("expected stopped, got %s", loop.State())
	}
	if source.snapshots.Load() != 0 || ex.calls.Load() != 0 {
		t.Fatal("expected no capture after a model load failure")
	}
}

func TestStateTransitions(t *testing.T) {
	source := &stubSource{}
	loop := newTestLoop(t, Config{Source: source, Exchanger: &stubExchanger{fn: answerHappy}})
	if loop.State() != Idle {
		t.Fatalf("expected idle, got %s", loop.State())
	}

	stop := start(t, loop)
	waitFor(t, "waiting for video", func() bool { return loop.State() == WaitingForVideoReady })
	if loop.Stats().Ticks != 0 {
		t.Fatal("expected no ticks before the video is ready")
	}

	source.ready.Store(true)
	waitFor(t, "running", func() bool { return loop.State() == Running })

	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if loop.State() != Stopped {
		t.Fatalf("expected stopped, got %s", loop.State())
	}
}

func TestNotReadyTicksAreSkipped(t *testing.T) {
	source := newReadySource()
	ex := &stubExchanger{fn: answerHappy}
	loop := newTestLoop(t, Config{Source: source, Exchanger: ex})

	stop := start(t, loop)
	waitFor(t, "running", func() bool { return loop.State() == Running })
	source.ready.Store(false)
	before := ex.calls.Load()
	waitFor(t, "skipped ticks", func() bool { return loop.Stats().SkippedNotReady >= 3 })
	_ = stop()
	loop.Wait()

	// At most one tick may have raced the readiness flip.
	if got := ex.calls.Load(); got > before+1 {
		t.Fatalf("expected no exchanges while not ready, got %d more", got-before)
	}
}

func TestRunTwice(t *testing.T) {
	loop := newTestLoop(t, Config{Exchanger: &stubExchanger{fn: answerHappy}})
	stop := start(t, loop)
	waitFor(t, "running", func() bool { return loop.State() == Running })

	if err := loop.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	_ = stop()
}

func TestSourceIsExclusive(t *testing.T) {
	source := newReadySource()
	first := newTestLoop(t, Config{Source: source, Exchanger: &stubExchanger{fn: answerHappy}})
	second := newTestLoop(t, Config{Source: source, Exchanger: &stubExchanger{fn: answerHappy}})

	stop := start(t, first)
	waitFor(t, "running", func() bool { return first.State() == Running })

	if err := second.Run(context.Background()); !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("expected ErrSourceBusy, got %v", err)
	}
	_ = stop()

	third := newTestLoop(t, Config{Source: source, Exchanger: &stubExchanger{fn: answerHappy}})
	stopThird := start(t, third)
	waitFor(t, "running after release", func() bool { return third.State() == Running })
	_ = stopThird()
}

func TestIdentityChangeAppliesToNextTick(t *testing.T) {
	var current atomic.Pointer[session.Identity]
	current.Store(&alice)
	var seenBob atomic.Bool
	ex := &stubExchanger{fn: func(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
		if id.Username == "bob" {
			seenBob.Store(true)
		}
		return happy(), nil
	}}
	loop := newTestLoop(t, Config{
		Exchanger: ex,
		Identity: IdentityFunc(func(context.Context) (session.Identity, bool) {
			id := current.Load()
			return *id, id.Valid()
		}),
	})

	stop := start(t, loop)
	waitFor(t, "first exchange", func() bool { return ex.calls.Load() >= 1 })
	current.Store(&session.Identity{Token: "def", Username: "bob"})
	waitFor(t, "exchange as bob", seenBob.Load)
	_ = stop()
	loop.Wait()
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an empty config")
	}
	_, err := New(Config{
		Source:      newReadySource(),
		Detector:    &stubDetector{},
		Exchanger:   &stubExchanger{fn: answerHappy},
		Identity:    staticIdentity(alice, true),
		Renderer:    &recordingRenderer{},
		MaxInFlight: -1,
	}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for a negative in-flight bound")
	}
}
