package vision

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/example/moodcam/internal/face"
)

// Camera reads frames from an OpenCV capture device and encodes them as JPEG.
type Camera struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	img    gocv.Mat
	ready  atomic.Bool
	closed bool
	logger *zap.Logger
}

// OpenCamera opens a device index ("0") or a file/stream URL.
func OpenCamera(device string, width, height int, logger *zap.Logger) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "can not open capture device %s", device)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	logger = logger.Named("camera")
	logger.Info("capture device opened",
		zap.String("device", device),
		zap.Int("width", int(vc.Get(gocv.VideoCaptureFrameWidth))),
		zap.Int("height", int(vc.Get(gocv.VideoCaptureFrameHeight))))
	return &Camera{vc: vc, img: gocv.NewMat(), logger: logger}, nil
}

// Ready reports whether the device has produced a decodable frame. Until it
// has, each call probes the device once.
func (c *Camera) Ready() bool {
	if c.ready.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.vc.Read(&c.img) && !c.img.Empty() {
		c.ready.Store(true)
	}
	return c.ready.Load()
}

// Snapshot reads one frame and encodes it as JPEG.
func (c *Camera) Snapshot(ctx context.Context) (face.Frame, error) {
	if err := ctx.Err(); err != nil {
		return face.Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return face.Frame{}, errors.New("camera closed")
	}
	if ok := c.vc.Read(&c.img); !ok || c.img.Empty() {
		return face.Frame{}, errors.New("empty frame")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.img)
	if err != nil {
		return face.Frame{}, errors.Wrap(err, "encode frame")
	}
	defer buf.Close()

	return face.Frame{
		Data:       append([]byte(nil), buf.GetBytes()...),
		MIMEType:   "image/jpeg",
		Width:      c.img.Cols(),
		Height:     c.img.Rows(),
		CapturedAt: time.Now(),
	}, nil
}

// Close releases the device. Later snapshots fail.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.img.Close()
	return c.vc.Close()
}
