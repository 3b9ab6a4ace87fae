// Package ffmpeg wraps the external ffmpeg/ffprobe pair that performs
// all video decode, scale, composite, and framebuffer output work. The
// player treats both binaries as black boxes: it builds arguments, runs
// them as child processes, and inspects exit status and (for probing)
// combined text output.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Raw pixel format written to the framebuffer device (32bpp consoles).
const pixelFormat = "bgra"

// Geometry is the output device's pixel width and height.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// ProbeError reports a failed or unparseable device introspection.
type ProbeError struct {
	Device string
	Reason string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s", e.Device, e.Reason)
}

// PreprocessError reports a non-zero exit of the one-time scale pass.
type PreprocessError struct {
	Source string
	Err    error
	Detail string
}

func (e *PreprocessError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("preprocess %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("preprocess %s: %v: %s", e.Source, e.Err, e.Detail)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// PrescaleJob describes the one-time transform of the raw source into
// the device-matched intermediate, with a "Loading..." frame rendered
// to the live device so the screen is not blank during the pass.
type PrescaleJob struct {
	Source   string
	Output   string
	Device   string
	Geometry Geometry
	Style    Style
}

// PlayJob describes one playback invocation: loop the intermediate
// forever, composite the live clock overlays, stream to the device.
type PlayJob struct {
	Input  string
	Device string
	Style  Style
}

// Engine invokes the external media engine binaries.
type Engine struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// New creates an engine wrapper. Empty paths default to resolving
// "ffmpeg" and "ffprobe" on PATH.
func New(ffmpegPath, ffprobePath string, logger *zap.Logger) *Engine {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Engine{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}
}

// Check verifies both engine binaries are resolvable.
func (e *Engine) Check() error {
	for _, bin := range []string{e.ffmpegPath, e.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("media engine binary %s: %w", bin, err)
		}
	}
	return nil
}

// Probe queries the framebuffer device for its pixel geometry via
// ffprobe's stream introspection. Only a child-process invocation; no
// filesystem mutation.
func (e *Engine) Probe(ctx context.Context, device string) (Geometry, error) {
	args := []string{
		"-v", "error",
		"-f", "fbdev",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		device,
	}

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Geometry{}, &ProbeError{
			Device: device,
			Reason: fmt.Sprintf("%v: %s", err, outputTail(out)),
		}
	}

	geo, err := parseGeometry(out)
	if err != nil {
		return Geometry{}, &ProbeError{Device: device, Reason: err.Error()}
	}

	e.logger.Info("device probed",
		zap.String("device", device),
		zap.Stringer("geometry", geo))
	return geo, nil
}

// parseGeometry scans line-oriented key=value output for the first
// width= and height= tokens.
func parseGeometry(out []byte) (Geometry, error) {
	var geo Geometry
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "width="); ok && geo.Width == 0 {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return Geometry{}, fmt.Errorf("bad width %q in probe output", v)
			}
			geo.Width = n
		}
		if v, ok := strings.CutPrefix(line, "height="); ok && geo.Height == 0 {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return Geometry{}, fmt.Errorf("bad height %q in probe output", v)
			}
			geo.Height = n
		}
	}
	if geo.Width == 0 {
		return Geometry{}, fmt.Errorf("no width in probe output")
	}
	if geo.Height == 0 {
		return Geometry{}, fmt.Errorf("no height in probe output")
	}
	return geo, nil
}

// TempArtifactPath returns a path for the scaled intermediate that is
// unique per process instance, so concurrently started players never
// collide.
func TempArtifactPath() string {
	name := fmt.Sprintf("fbclock-%d-%s.mp4", os.Getpid(), uuid.NewString())
	return filepath.Join(os.TempDir(), name)
}

// Prescale runs the one-time transform. The output path must already be
// registered for cleanup by the caller; a crash mid-invocation leaves a
// partial file behind that cleanup removes.
func (e *Engine) Prescale(ctx context.Context, job PrescaleJob) error {
	args := prescaleArgs(job)

	e.logger.Info("prescaling source",
		zap.String("source", job.Source),
		zap.Stringer("geometry", job.Geometry),
		zap.String("output", job.Output))

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &PreprocessError{Source: job.Source, Err: err, Detail: outputTail(out)}
	}

	e.logger.Info("prescale complete", zap.Duration("took", time.Since(start)))
	return nil
}

func prescaleArgs(job PrescaleJob) []string {
	loading := drawtextFilter(job.Style.FontFile, "Loading...",
		job.Style.LargeSize, job.Style.TextColor, job.Style.BoxColor,
		centerX, centerY)

	filter := fmt.Sprintf("[0:v]scale=%d:%d,split=2[vid][mon];[mon]%s[fb]",
		job.Geometry.Width, job.Geometry.Height, loading)

	return []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", job.Source,
		"-filter_complex", filter,
		"-map", "[vid]", "-an", job.Output,
		"-map", "[fb]", "-frames:v", "1", "-pix_fmt", pixelFormat, "-f", "fbdev", job.Device,
	}
}

// Play runs one playback invocation. It blocks until the child exits or
// ctx is cancelled (which kills the child). Both zero and non-zero
// exits return to the caller, which owns the restart policy.
func (e *Engine) Play(ctx context.Context, job PlayJob) error {
	args := playArgs(job)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback: %w: %s", err, outputTail(stderr.Bytes()))
	}
	return nil
}

func playArgs(job PlayJob) []string {
	vf := overlayFilters(job.Style)

	return []string{
		"-hide_banner", "-loglevel", "error",
		"-re",
		"-stream_loop", "-1",
		"-i", job.Input,
		"-vf", vf,
		"-pix_fmt", pixelFormat, "-f", "fbdev", job.Device,
	}
}

// outputTail condenses engine output for diagnostics.
func outputTail(out []byte) string {
	const max = 400
	s := strings.TrimSpace(string(out))
	s = strings.ReplaceAll(s, "\n", " | ")
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
