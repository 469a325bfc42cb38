// Package overlay composites face geometry and emotion predictions onto an
// output surface.
package overlay

import (
	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
)

// Surface is the drawing target. Implementations must be safe for concurrent
// use and idempotent: repeating a call with the same arguments leaves the same
// visible state.
type Surface interface {
	Resize(width, height int)
	SetIndicator(label emotion.Label, percent int)
	SetReadout(text string)
	DrawMesh(est face.Estimate)
}

// Multi fans every call out to several surfaces in order.
type Multi []Surface

// Resize resizes every surface.
func (m Multi) Resize(width, height int) {
	for _, s := range m {
		s.Resize(width, height)
	}
}

// SetIndicator sets the indicator on every surface.
func (m Multi) SetIndicator(label emotion.Label, percent int) {
	for _, s := range m {
		s.SetIndicator(label, percent)
	}
}

// SetReadout sets the readout on every surface.
func (m Multi) SetReadout(text string) {
	for _, s := range m {
		s.SetReadout(text)
	}
}

// DrawMesh draws est on every surface.
func (m Multi) DrawMesh(est face.Estimate) {
	for _, s := range m {
		s.DrawMesh(est)
	}
}
