// Package player contains the lifecycle controller: it verifies
// preconditions, probes the output device, prepares the scaled
// intermediate, and drives the playback loop until the process is told
// to stop. Every side effect applied along the way is registered with a
// cleanup.Tracker and undone on every exit path.
package player

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"fbclock-native/internal/cleanup"
	"fbclock-native/internal/config"
	"fbclock-native/internal/ffmpeg"
	"fbclock-native/internal/system"
)

// Engine is the external media engine contract the controller drives.
// *ffmpeg.Engine satisfies it; tests substitute fakes.
type Engine interface {
	Check() error
	Probe(ctx context.Context, device string) (ffmpeg.Geometry, error)
	Prescale(ctx context.Context, job ffmpeg.PrescaleJob) error
	Play(ctx context.Context, job ffmpeg.PlayJob) error
}

// PreconditionError reports a missing prerequisite detected before any
// side effect is applied: engine binary, font file, or video source.
type PreconditionError struct {
	What string
	Err  error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// DefaultRestartDelay is the pause between playback invocations. It
// exists only to keep a crashing engine from spinning; restarts are
// otherwise unbounded on purpose (unattended appliance).
const DefaultRestartDelay = time.Second

// Options tune controller behavior beyond the configuration file.
type Options struct {
	RestartDelay  time.Duration
	BlinkPath     string
	SourceChanges <-chan struct{} // optional live source swap feed
}

// Controller wires probe, preprocess, playback, and cleanup together.
type Controller struct {
	cfg     *config.Config
	engine  Engine
	tracker *cleanup.Tracker
	logger  *zap.Logger
	opts    Options
}

// NewController builds a controller. Zero option fields get defaults.
func NewController(cfg *config.Config, engine Engine, tracker *cleanup.Tracker, logger *zap.Logger, opts Options) *Controller {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.BlinkPath == "" {
		opts.BlinkPath = system.DefaultCursorBlinkPath
	}
	return &Controller{
		cfg:     cfg,
		engine:  engine,
		tracker: tracker,
		logger:  logger,
		opts:    opts,
	}
}

// Run executes the full appliance lifecycle. It returns nil on a clean
// stop (ctx cancelled) and an error on any fatal startup failure. All
// registered side effects are undone before it returns, on every path
// past the precondition checks.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.preflight(); err != nil {
		return err
	}

	defer c.tracker.Release()

	geo, err := c.engine.Probe(ctx, c.cfg.Framebuffer)
	if err != nil {
		// A stop signal kills the child mid-invocation; that is a
		// clean stop, not a probe failure.
		if ctx.Err() != nil {
			c.logger.Info("stopped during probe")
			return nil
		}
		return err
	}

	c.disableBlink()

	style := ffmpeg.Style{
		FontFile:  c.cfg.FontFile,
		TextColor: c.cfg.TextColor,
		BoxColor:  c.cfg.TextBGColor,
		SmallSize: c.cfg.SmallFontSize,
		LargeSize: c.cfg.LargeFontSize,
		Clock:     ffmpeg.ClockTokens(c.cfg.TimeFormat),
	}

	tmp := ffmpeg.TempArtifactPath()
	c.tracker.Register("intermediate artifact", func() error {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})

	pre := ffmpeg.PrescaleJob{
		Source:   c.cfg.VideoSource,
		Output:   tmp,
		Device:   c.cfg.Framebuffer,
		Geometry: geo,
		Style:    style,
	}
	if err := c.engine.Prescale(ctx, pre); err != nil {
		if ctx.Err() != nil {
			c.logger.Info("stopped during prescale")
			return nil
		}
		return err
	}

	c.playLoop(ctx, pre, ffmpeg.PlayJob{
		Input:  tmp,
		Device: c.cfg.Framebuffer,
		Style:  style,
	})
	return nil
}

// preflight verifies the engine binaries resolve and the configured
// files are readable. Nothing is mutated before this passes.
func (c *Controller) preflight() error {
	if err := c.engine.Check(); err != nil {
		return &PreconditionError{What: "media engine", Err: err}
	}
	if err := readable(c.cfg.FontFile); err != nil {
		return &PreconditionError{What: "font file", Err: err}
	}
	if err := readable(c.cfg.VideoSource); err != nil {
		return &PreconditionError{What: "video source", Err: err}
	}
	return nil
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// disableBlink suppresses the console cursor and registers its restore.
// An absent or read-only attribute is a warning, never fatal, and in
// that case no restore is registered.
func (c *Controller) disableBlink() {
	path := c.opts.BlinkPath
	orig, err := system.DisableCursorBlink(path)
	if err != nil {
		c.logger.Warn("cursor blink not suppressed", zap.String("path", path), zap.Error(err))
		return
	}

	c.logger.Info("cursor blink disabled", zap.String("path", path))
	c.tracker.Register("cursor blink", func() error {
		return system.RestoreCursorBlink(path, orig)
	})
}

// playLoop restarts the playback invocation after every exit, clean or
// not, until ctx is cancelled. A source-swap signal cancels the current
// invocation, rebuilds the intermediate in place, and resumes without
// the restart delay.
func (c *Controller) playLoop(ctx context.Context, pre ffmpeg.PrescaleJob, job ffmpeg.PlayJob) {
	for {
		if ctx.Err() != nil {
			return
		}

		playCtx, cancelPlay := context.WithCancel(ctx)
		swapped := make(chan struct{})
		monitorDone := make(chan struct{})
		go func() {
			defer close(monitorDone)
			select {
			case _, ok := <-c.opts.SourceChanges:
				if ok {
					close(swapped)
					cancelPlay()
				}
			case <-playCtx.Done():
			}
		}()

		err := c.engine.Play(playCtx, job)
		cancelPlay()
		// Wait for the monitor so a swap signal it consumed just as
		// playback exited on its own is still seen below. A signal it
		// did not consume stays queued for the next iteration.
		<-monitorDone

		select {
		case <-swapped:
			c.logger.Info("video source replaced, rebuilding intermediate")
			if perr := c.engine.Prescale(ctx, pre); perr != nil {
				c.logger.Warn("rebuild failed, keeping previous intermediate", zap.Error(perr))
			}
			continue
		default:
		}

		if ctx.Err() != nil {
			c.logger.Info("playback stopped")
			return
		}

		if err != nil {
			c.logger.Warn("playback invocation ended", zap.Error(err))
		} else {
			c.logger.Warn("playback invocation exited cleanly, restarting")
		}

		select {
		case <-time.After(c.opts.RestartDelay):
		case <-ctx.Done():
			c.logger.Info("playback stopped")
			return
		}
	}
}
