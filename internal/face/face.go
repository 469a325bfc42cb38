// Package face holds the frame and face geometry types shared by the capture
// loop, the geometry detector and the overlay.
package face

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/example/moodcam/internal/emotion"
)

// Frame is one encoded still image sampled from the video source.
type Frame struct {
	Seq        uint64
	Data       []byte
	MIMEType   string
	Width      int
	Height     int
	CapturedAt time.Time
}

// DataURI returns the frame as a base64 data URI.
func (f Frame) DataURI() string {
	mimeType := f.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return emotion.DataURI(mimeType, f.Data)
}

// Face is one detected face in frame-pixel coordinates.
type Face struct {
	Box       image.Rectangle `json:"box"`
	Landmarks []image.Point   `json:"landmarks"`
	Score     float32         `json:"score"`
}

// Estimate is the ordered set of faces found in one frame.
type Estimate struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Faces  []Face `json:"faces"`
}

// Empty reports whether no face was detected.
func (e Estimate) Empty() bool {
	return len(e.Faces) == 0
}

// Detector loads a geometry model. Load failures are fatal to the caller.
type Detector interface {
	Load(ctx context.Context) (Model, error)
}

// Model estimates face geometry for a frame. An empty Estimate means no face
// was found and is not an error.
type Model interface {
	Estimate(ctx context.Context, frame Frame) (Estimate, error)
	Close() error
}

// ModelLoadError reports that model weights could not be read or initialised.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load face model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
