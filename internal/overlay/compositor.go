package overlay

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
)

// Compositor writes a prediction and its paired geometry to a surface.
type Compositor struct {
	surface   Surface
	scheduler Scheduler
	logger    *zap.Logger
}

// NewCompositor returns a compositor drawing on surface. Mesh draws go through
// scheduler; indicator and readout writes are immediate.
func NewCompositor(surface Surface, scheduler Scheduler, logger *zap.Logger) *Compositor {
	return &Compositor{
		surface:   surface,
		scheduler: scheduler,
		logger:    logger.Named("compositor"),
	}
}

// Render updates every emotion indicator, the dominant readout and schedules
// the mesh. Nothing is written once ctx is done, including the deferred mesh.
func (c *Compositor) Render(ctx context.Context, est face.Estimate, res emotion.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.surface.Resize(est.Width, est.Height)
	for _, l := range emotion.Labels {
		c.surface.SetIndicator(l, res.Percent(l))
	}
	c.surface.SetReadout(res.Dominant.Key())

	c.scheduler.Schedule(func() {
		if ctx.Err() != nil {
			return
		}
		c.surface.DrawMesh(est)
	})

	c.logger.Debug("overlay rendered",
		zap.Uint64("geometry_seq", est.Seq),
		zap.Uint64("result_seq", res.Seq),
		zap.Int("faces", len(est.Faces)),
		zap.String("emotion", res.Dominant.Key()),
	)
	return nil
}
