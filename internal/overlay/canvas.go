package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"sync"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
)

var (
	boxColor      = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	landmarkColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

const (
	boxThickness = 2
	landmarkSize = 2
)

// CanvasState is a copy of everything a Canvas shows.
type CanvasState struct {
	Width      int
	Height     int
	Indicators map[emotion.Label]int
	Readout    string
	Faces      []face.Face
}

// Canvas is an in-memory RGBA surface holding the mesh layer plus the
// indicator and readout values.
type Canvas struct {
	mu         sync.Mutex
	img        *image.RGBA
	indicators map[emotion.Label]int
	readout    string
	faces      []face.Face
}

// NewCanvas returns a transparent canvas of the given size.
func NewCanvas(width, height int) *Canvas {
	indicators := make(map[emotion.Label]int, len(emotion.Labels))
	for _, l := range emotion.Labels {
		indicators[l] = 0
	}
	return &Canvas{
		img:        image.NewRGBA(image.Rect(0, 0, width, height)),
		indicators: indicators,
	}
}

// Resize matches the canvas to the video resolution, clearing the mesh layer
// when the size changes.
func (c *Canvas) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.img.Bounds(); b.Dx() == width && b.Dy() == height {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	c.faces = nil
}

// SetIndicator stores the percentage drawn in label's bar.
func (c *Canvas) SetIndicator(label emotion.Label, percent int) {
	c.mu.Lock()
	c.indicators[label] = percent
	c.mu.Unlock()
}

// SetReadout replaces the dominant emotion text.
func (c *Canvas) SetReadout(text string) {
	c.mu.Lock()
	c.readout = text
	c.mu.Unlock()
}

// DrawMesh clears the mesh layer and draws every face box and landmark.
func (c *Canvas) DrawMesh(est face.Estimate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	draw.Draw(c.img, c.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	for _, f := range est.Faces {
		strokeRect(c.img, f.Box, boxColor, boxThickness)
		for _, p := range f.Landmarks {
			dot := image.Rect(p.X-landmarkSize, p.Y-landmarkSize, p.X+landmarkSize+1, p.Y+landmarkSize+1)
			draw.Draw(c.img, dot.Intersect(c.img.Bounds()), image.NewUniform(landmarkColor), image.Point{}, draw.Src)
		}
	}
	c.faces = append([]face.Face(nil), est.Faces...)
}

// State returns a snapshot of the canvas values.
func (c *Canvas) State() CanvasState {
	c.mu.Lock()
	defer c.mu.Unlock()

	indicators := make(map[emotion.Label]int, len(c.indicators))
	for l, v := range c.indicators {
		indicators[l] = v
	}
	b := c.img.Bounds()
	return CanvasState{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Indicators: indicators,
		Readout:    c.readout,
		Faces:      append([]face.Face(nil), c.faces...),
	}
}

// At returns the mesh layer colour at (x, y).
func (c *Canvas) At(x, y int) color.Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img.At(x, y)
}

// Pixels returns a copy of the mesh layer's raw RGBA bytes.
func (c *Canvas) Pixels() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.img.Pix...)
}

// EncodePNG writes the mesh layer as a PNG image.
func (c *Canvas) EncodePNG(w io.Writer) error {
	c.mu.Lock()
	snapshot := image.NewRGBA(c.img.Bounds())
	copy(snapshot.Pix, c.img.Pix)
	c.mu.Unlock()
	return png.Encode(w, snapshot)
}

func strokeRect(img *image.RGBA, r image.Rectangle, col color.Color, thickness int) {
	src := image.NewUniform(col)
	bounds := img.Bounds()
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(bounds), src, image.Point{}, draw.Src)
	}
}
