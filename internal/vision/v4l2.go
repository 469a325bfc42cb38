package vision

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/face"
)

// pixelFormatMJPEG is the V4L2 fourcc for Motion-JPEG.
const pixelFormatMJPEG webcam.PixelFormat = 0x47504A4D

const frameWaitTimeout = 1 // seconds

type latestFrame struct {
	data     []byte
	captured time.Time
}

// V4L2Camera streams MJPEG frames from a V4L2 device and keeps only the most
// recent one. MJPEG frames are already JPEG stills, so no re-encode happens.
type V4L2Camera struct {
	device string
	width  int
	height int
	logger *zap.Logger

	latest  atomic.Pointer[latestFrame]
	stopped atomic.Bool
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// OpenV4L2Camera opens device, negotiates MJPEG at the requested size and
// starts streaming in the background.
func OpenV4L2Camera(device string, width, height int, logger *zap.Logger) (*V4L2Camera, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrap(err, "can not open device")
	}
	if _, ok := cam.GetSupportedFormats()[pixelFormatMJPEG]; !ok {
		cam.Close()
		return nil, errors.Errorf("device %s does not support MJPEG", device)
	}
	_, w, h, err := cam.SetImageFormat(pixelFormatMJPEG, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not set image format")
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "can not start streaming")
	}

	c := &V4L2Camera{
		device: device,
		width:  int(w),
		height: int(h),
		logger: logger.Named("v4l2"),
		done:   make(chan struct{}),
	}
	c.logger.Info("streaming started", zap.String("device", device), zap.Uint32("width", w), zap.Uint32("height", h))
	go c.stream(cam)
	return c, nil
}

func (c *V4L2Camera) stream(cam *webcam.Webcam) {
	defer close(c.done)
	defer cam.Close()

	for !c.stopped.Load() {
		err := cam.WaitForFrame(frameWaitTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			c.fail(errors.Wrap(err, "frame wait failed"))
			return
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			c.fail(errors.Wrap(err, "read frame failed"))
			return
		}
		if len(frame) == 0 {
			continue
		}
		// ReadFrame reuses the mmap buffer.
		c.latest.Store(&latestFrame{data: append([]byte(nil), frame...), captured: time.Now()})
	}
}

func (c *V4L2Camera) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.logger.Error("streaming stopped", zap.String("device", c.device), zap.Error(err))
}

// Err returns the error that ended streaming, if any.
func (c *V4L2Camera) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Ready reports whether a frame has been received.
func (c *V4L2Camera) Ready() bool {
	return c.latest.Load() != nil && c.Err() == nil
}

// Snapshot returns the most recent MJPEG frame.
func (c *V4L2Camera) Snapshot(ctx context.Context) (face.Frame, error) {
	if err := ctx.Err(); err != nil {
		return face.Frame{}, err
	}
	if err := c.Err(); err != nil {
		return face.Frame{}, err
	}
	latest := c.latest.Load()
	if latest == nil {
		return face.Frame{}, errors.New("no frame yet")
	}
	return face.Frame{
		Data:       latest.data,
		MIMEType:   "image/jpeg",
		Width:      c.width,
		Height:     c.height,
		CapturedAt: latest.captured,
	}, nil
}

// Close stops streaming and waits for the device to be released.
func (c *V4L2Camera) Close() error {
	c.stopped.Store(true)
	<-c.done
	return nil
}
