package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/moodcam/internal/capture"
	"github.com/example/moodcam/internal/config"
	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/exchange"
	"github.com/example/moodcam/internal/face"
	"github.com/example/moodcam/internal/overlay"
	"github.com/example/moodcam/internal/viewer"
	"github.com/example/moodcam/internal/vision"
)

type watchOptions struct {
	Device      string
	V4L2        bool
	Width       int
	Height      int
	ModelPath   string
	Period      time.Duration
	MaxInFlight int
	UIAddr      string
	SendToken   bool
	Quiet       bool
}

var watchOpts watchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the live emotion overlay on a camera",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := requireIdentity(cmd.Context()); err != nil {
			return err
		}
		applyWatchFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runWatch(cmd.Context(), cfg)
	},
}

func init() {
	flags := watchCmd.Flags()
	flags.StringVarP(&watchOpts.Device, "device", "d", "", "Camera index or device path (default 0)")
	flags.BoolVar(&watchOpts.V4L2, "v4l2", false, "Read MJPEG frames directly from a V4L2 device path")
	flags.IntVar(&watchOpts.Width, "width", 0, "Requested capture width")
	flags.IntVar(&watchOpts.Height, "height", 0, "Requested capture height")
	flags.StringVarP(&watchOpts.ModelPath, "model", "m", "", "YuNet ONNX face model")
	flags.DurationVar(&watchOpts.Period, "period", 0, "Tick period (default 100ms)")
	flags.IntVar(&watchOpts.MaxInFlight, "max-inflight", 0, "Maximum concurrent prediction exchanges (0 = unbounded)")
	flags.StringVar(&watchOpts.UIAddr, "ui-addr", "", "Viewer listen address (default 127.0.0.1:8090)")
	flags.BoolVar(&watchOpts.SendToken, "send-token", false, "Send the session token on the prediction handshake")
	flags.BoolVarP(&watchOpts.Quiet, "quiet", "q", false, "Hide the progress spinner")
	rootCmd.AddCommand(watchCmd)
}

func applyWatchFlags(cmd *cobra.Command, c *config.Client) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		c.Device = watchOpts.Device
	}
	if flags.Changed("v4l2") {
		c.V4L2 = watchOpts.V4L2
	}
	if flags.Changed("width") {
		c.Width = watchOpts.Width
	}
	if flags.Changed("height") {
		c.Height = watchOpts.Height
	}
	if flags.Changed("model") {
		c.ModelPath = watchOpts.ModelPath
	}
	if flags.Changed("period") {
		c.Period = watchOpts.Period
	}
	if flags.Changed("max-inflight") {
		c.MaxInFlight = watchOpts.MaxInFlight
	}
	if flags.Changed("ui-addr") {
		c.UIAddr = watchOpts.UIAddr
	}
	if flags.Changed("send-token") {
		c.SendToken = watchOpts.SendToken
	}
}

// videoDevice is a capture source that owns a device handle.
type videoDevice interface {
	capture.VideoSource
	Close() error
}

func openDevice(c *config.Client) (videoDevice, error) {
	if c.V4L2 {
		cam, err := vision.OpenV4L2Camera(c.Device, c.Width, c.Height, logger)
		if err != nil {
			return nil, err
		}
		return cam, nil
	}
	cam, err := vision.OpenCamera(c.Device, c.Width, c.Height, logger)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

func runWatch(ctx context.Context, c *config.Client) error {
	device, err := openDevice(c)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", c.Device, err)
	}
	defer func() {
		if err := device.Close(); err != nil {
			logger.Warn("camera close failed", zap.Error(err))
		}
	}()

	hub := viewer.NewHub(logger)
	status := &statusLine{}
	painter := overlay.NewPainter(overlay.DefaultPaintInterval)

	loop, err := capture.New(capture.Config{
		Source:   device,
		SourceID: c.Device,
		Detector: vision.NewYuNetDetector(vision.YuNetConfig{ModelPath: c.ModelPath}, logger),
		Exchanger: exchange.New(exchange.Config{
			URL:             c.PredictURL,
			ResponseTimeout: c.ExchangeTimeout,
			SendToken:       c.SendToken,
		}, logger),
		Identity:        sessions,
		Renderer:        overlay.NewCompositor(overlay.Multi{hub, status}, painter, logger),
		Period:          c.Period,
		MaxInFlight:     c.MaxInFlight,
		ExchangeTimeout: c.ExchangeTimeout,
	}, logger)
	if err != nil {
		return err
	}

	hub.SetStatus(func() any {
		return struct {
			Loop    capture.Stats        `json:"loop"`
			Painter overlay.PainterStats `json:"painter"`
		}{loop.Stats(), painter.Stats()}
	})
	handler, err := hub.Handler()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", c.UIAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.UIAddr, err)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		painter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return serveViewer(gctx, server, listener)
	})
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	if !watchOpts.Quiet {
		g.Go(func() error {
			reportProgress(gctx, loop, status)
			return nil
		})
	}

	logger.Info("viewer available", zap.String("url", "http://"+listener.Addr().String()+"/"))
	return g.Wait()
}

func serveViewer(ctx context.Context, server *http.Server, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// reportProgress shows a spinner with the loop state, the current readout and
// the rendered count.
func reportProgress(ctx context.Context, loop *capture.Loop, status *statusLine) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("waiting for camera"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)
	defer func() { _ = bar.Finish() }()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := loop.Stats()
			desc := fmt.Sprintf("%s, %d in flight", stats.State, stats.InFlight)
			if text := status.Text(); text != "" {
				desc = text + " | " + desc
			}
			bar.Describe(desc)
			_ = bar.Set(int(stats.Rendered))
		}
	}
}

// statusLine is a text-only surface: it keeps the readout and its percentage.
type statusLine struct {
	mu       sync.Mutex
	readout  string
	percents map[emotion.Label]int
}

func (s *statusLine) Resize(int, int) {}

func (s *statusLine) DrawMesh(face.Estimate) {}

func (s *statusLine) SetIndicator(label emotion.Label, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.percents == nil {
		s.percents = make(map[emotion.Label]int, len(emotion.Labels))
	}
	s.percents[label] = percent
}

func (s *statusLine) SetReadout(text string) {
	s.mu.Lock()
	s.readout = text
	s.mu.Unlock()
}

// Text renders "happy 82%", or "" before the first prediction.
func (s *statusLine) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readout == "" {
		return ""
	}
	label, ok := emotion.ParseKey(s.readout)
	if !ok {
		return s.readout
	}
	return fmt.Sprintf("%s %d%%", s.readout, s.percents[label])
}
