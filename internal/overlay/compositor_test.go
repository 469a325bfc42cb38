package overlay

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
)

var inline = SchedulerFunc(func(fn func()) { fn() })

func happyResult() emotion.Result {
	return emotion.Result{
		Seq: 1,
		Scores: map[emotion.Label]float64{
			emotion.Angry:    0.01,
			emotion.Neutral:  0.10,
			emotion.Happy:    0.82,
			emotion.Fear:     0.02,
			emotion.Surprise: 0.03,
			emotion.Sad:      0.01,
			emotion.Disgust:  0.01,
		},
		Dominant: emotion.Happy,
	}
}

func oneFace() face.Estimate {
	return face.Estimate{
		Seq:    1,
		Width:  64,
		Height: 48,
		Faces: []face.Face{{
			Box:       image.Rect(10, 10, 40, 40),
			Landmarks: []image.Point{{X: 18, Y: 20}, {X: 32, Y: 20}, {X: 25, Y: 28}},
			Score:     0.9,
		}},
	}
}

func TestRenderHappyScenario(t *testing.T) {
	canvas := NewCanvas(1, 1)
	c := NewCompositor(canvas, inline, zap.NewNop())

	if err := c.Render(context.Background(), oneFace(), happyResult()); err != nil {
		t.Fatalf("render: %v", err)
	}

	state := canvas.State()
	if state.Width != 64 || state.Height != 48 {
		t.Fatalf("expected canvas resized to 64x48, got %dx%d", state.Width, state.Height)
	}
	if state.Indicators[emotion.Happy] != 82 {
		t.Fatalf("expected Happy=82, got %d", state.Indicators[emotion.Happy])
	}
	if state.Indicators[emotion.Neutral] != 10 {
		t.Fatalf("expected Neutral=10, got %d", state.Indicators[emotion.Neutral])
	}
	if state.Readout != "happy" {
		t.Fatalf("expected readout happy, got %q", state.Readout)
	}
	if len(state.Faces) != 1 || state.Faces[0].Box != image.Rect(10, 10, 40, 40) {
		t.Fatalf("expected mesh at face box, got %+v", state.Faces)
	}
	if got := color.RGBAModel.Convert(canvas.At(10, 10)); got != boxColor {
		t.Fatalf("expected box colour at corner, got %v", got)
	}
	if got := color.RGBAModel.Convert(canvas.At(25, 28)); got != landmarkColor {
		t.Fatalf("expected landmark colour at nose, got %v", got)
	}
}

func TestRenderClampsOutOfRangeScores(t *testing.T) {
	canvas := NewCanvas(8, 8)
	c := NewCompositor(canvas, inline, zap.NewNop())

	res := happyResult()
	res.Scores[emotion.Sad] = -0.4
	res.Scores[emotion.Happy] = 1.3
	if err := c.Render(context.Background(), face.Estimate{}, res); err != nil {
		t.Fatalf("render: %v", err)
	}

	state := canvas.State()
	if state.Indicators[emotion.Sad] != 0 || state.Indicators[emotion.Happy] != 100 {
		t.Fatalf("expected clamped values, got %v", state.Indicators)
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	canvas := NewCanvas(1, 1)
	c := NewCompositor(canvas, inline, zap.NewNop())
	ctx := context.Background()

	if err := c.Render(ctx, oneFace(), happyResult()); err != nil {
		t.Fatalf("first render: %v", err)
	}
	first := canvas.Pixels()
	firstState := canvas.State()

	if err := c.Render(ctx, oneFace(), happyResult()); err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !bytes.Equal(first, canvas.Pixels()) {
		t.Fatal("expected identical pixels after repeated render")
	}
	second := canvas.State()
	if second.Readout != firstState.Readout || len(second.Faces) != len(firstState.Faces) {
		t.Fatal("expected identical state after repeated render")
	}
	for l, v := range firstState.Indicators {
		if second.Indicators[l] != v {
			t.Fatalf("indicator %s changed from %d to %d", l, v, second.Indicators[l])
		}
	}
}

func TestRenderAfterCancelLeavesSurfaceUntouched(t *testing.T) {
	canvas := NewCanvas(8, 8)
	c := NewCompositor(canvas, inline, zap.NewNop())
	before := canvas.Pixels()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Render(ctx, oneFace(), happyResult()); err == nil {
		t.Fatal("expected error for cancelled context")
	}

	state := canvas.State()
	if state.Readout != "" || state.Indicators[emotion.Happy] != 0 || state.Width != 8 {
		t.Fatalf("expected untouched surface, got %+v", state)
	}
	if !bytes.Equal(before, canvas.Pixels()) {
		t.Fatal("expected untouched pixels")
	}
}

func TestDeferredMeshSkippedAfterCancel(t *testing.T) {
	canvas := NewCanvas(1, 1)
	var queued func()
	deferred := SchedulerFunc(func(fn func()) { queued = fn })
	c := NewCompositor(canvas, deferred, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Render(ctx, oneFace(), happyResult()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(canvas.State().Faces) != 0 {
		t.Fatal("expected mesh to wait for the next paint")
	}

	cancel()
	queued()
	if len(canvas.State().Faces) != 0 {
		t.Fatal("expected cancelled mesh draw to be skipped")
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewCanvas(4, 4), NewCanvas(4, 4)
	m := Multi{a, b}
	m.SetReadout("sad")
	m.SetIndicator(emotion.Sad, 55)
	if a.State().Readout != "sad" || b.State().Indicators[emotion.Sad] != 55 {
		t.Fatal("expected both surfaces updated")
	}
}

func TestCanvasEncodePNG(t *testing.T) {
	canvas := NewCanvas(16, 12)
	canvas.DrawMesh(face.Estimate{Faces: []face.Face{{Box: image.Rect(2, 2, 10, 10)}}})

	var buf bytes.Buffer
	if err := canvas.EncodePNG(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, _, err := image.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 12 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
}
