package player

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fbclock-native/internal/cleanup"
	"fbclock-native/internal/config"
	"fbclock-native/internal/ffmpeg"
)

// fakeEngine is a controllable Engine double. By default every stage
// succeeds: prescale creates the output file, playback blocks until its
// context is cancelled.
type fakeEngine struct {
	mu sync.Mutex

	checkErr    error
	probeErr    error
	prescaleErr error
	probeFn     func(ctx context.Context) (ffmpeg.Geometry, error)
	prescaleFn  func(ctx context.Context, job ffmpeg.PrescaleJob) error
	playFn      func(ctx context.Context, job ffmpeg.PlayJob) error

	probeCalls    int
	prescaleCalls int
	playCalls     int
	prescaleJobs  []ffmpeg.PrescaleJob
	playJobs      []ffmpeg.PlayJob
	playStarted   chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{playStarted: make(chan struct{}, 16)}
}

func (f *fakeEngine) Check() error { return f.checkErr }

func (f *fakeEngine) Probe(ctx context.Context, device string) (ffmpeg.Geometry, error) {
	f.mu.Lock()
	f.probeCalls++
	f.mu.Unlock()
	if f.probeFn != nil {
		return f.probeFn(ctx)
	}
	if f.probeErr != nil {
		return ffmpeg.Geometry{}, f.probeErr
	}
	return ffmpeg.Geometry{Width: 1920, Height: 1080}, nil
}

func (f *fakeEngine) Prescale(ctx context.Context, job ffmpeg.PrescaleJob) error {
	f.mu.Lock()
	f.prescaleCalls++
	f.prescaleJobs = append(f.prescaleJobs, job)
	f.mu.Unlock()

	// The real engine leaves a (possibly partial) file behind even on
	// failure; cleanup is expected to remove it.
	if err := os.WriteFile(job.Output, []byte("intermediate"), 0644); err != nil {
		return err
	}
	if f.prescaleFn != nil {
		return f.prescaleFn(ctx, job)
	}
	return f.prescaleErr
}

func (f *fakeEngine) Play(ctx context.Context, job ffmpeg.PlayJob) error {
	f.mu.Lock()
	f.playCalls++
	f.playJobs = append(f.playJobs, job)
	f.mu.Unlock()

	select {
	case f.playStarted <- struct{}{}:
	default:
	}

	if f.playFn != nil {
		return f.playFn(ctx, job)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeEngine) counts() (probe, prescale, play int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.prescaleCalls, f.playCalls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	src := filepath.Join(dir, "loop.mp4")
	font := filepath.Join(dir, "clock.ttf")
	for _, p := range []string{src, font} {
		if err := os.WriteFile(p, []byte("fixture"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	return &config.Config{
		VideoSource:   src,
		FontFile:      font,
		TextColor:     "white",
		TextBGColor:   "black@0.4",
		Framebuffer:   "/dev/fb0",
		SmallFontSize: 32,
		LargeFontSize: 96,
		TimeFormat:    config.TimeFormat12h,
	}
}

func blinkFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursor_blink")
	if err := os.WriteFile(path, []byte("1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runController(ctx context.Context, c *Controller) chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not return")
		return nil
	}
}

func TestPreconditionMissingEngine(t *testing.T) {
	eng := newFakeEngine()
	eng.checkErr = errors.New("ffmpeg not on PATH")

	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{
		BlinkPath: blinkFixture(t),
	})

	err := c.Run(context.Background())

	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if probe, prescale, play := eng.counts(); probe+prescale+play != 0 {
		t.Fatalf("no engine stage may run after a failed precondition: %d/%d/%d", probe, prescale, play)
	}
}

func TestPreconditionUnreadableSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.VideoSource = filepath.Join(t.TempDir(), "missing.mp4")

	eng := newFakeEngine()
	blink := blinkFixture(t)
	c := NewController(cfg, eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error for unreadable video source")
	}

	if probe, _, _ := eng.counts(); probe != 0 {
		t.Fatal("probe must not run when preconditions fail")
	}
	data, _ := os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute mutated before preconditions passed: %q", data)
	}
}

func TestProbeFailureStopsBeforeMutation(t *testing.T) {
	eng := newFakeEngine()
	eng.probeErr = &ffmpeg.ProbeError{Device: "/dev/fb0", Reason: "no width in probe output"}

	blink := blinkFixture(t)
	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	err := c.Run(context.Background())

	var pe *ffmpeg.ProbeError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
	if _, prescale, play := eng.counts(); prescale+play != 0 {
		t.Fatal("no preprocessing or playback after probe failure")
	}
	data, _ := os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute mutated despite probe failure: %q", data)
	}
}

func TestPreprocessFailureCleansUp(t *testing.T) {
	eng := newFakeEngine()
	eng.prescaleErr = errors.New("exit status 1")

	blink := blinkFixture(t)
	tracker := cleanup.NewTracker(zap.NewNop())
	c := NewController(testConfig(t), eng, tracker, zap.NewNop(), Options{BlinkPath: blink})

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error from failed preprocess")
	}

	eng.mu.Lock()
	artifact := eng.prescaleJobs[0].Output
	eng.mu.Unlock()

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("partial intermediate %s not cleaned up", artifact)
	}
	data, _ := os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute not restored byte-for-byte: %q", data)
	}

	// Releasing again must not fail or resurrect anything.
	tracker.Release()
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("artifact reappeared after second release")
	}
}

func TestCleanStopUndoesEverything(t *testing.T) {
	eng := newFakeEngine()
	blink := blinkFixture(t)
	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-eng.playStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}

	// Mid-playback the cursor must be suppressed.
	data, _ := os.ReadFile(blink)
	if string(data) != "0" {
		t.Fatalf("blink attribute during playback = %q, want 0", data)
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("clean stop should return nil, got %v", err)
	}

	eng.mu.Lock()
	artifact := eng.prescaleJobs[0].Output
	eng.mu.Unlock()

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("intermediate %s survived shutdown", artifact)
	}
	data, _ = os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute after shutdown = %q, want byte-exact 1\\n", data)
	}
}

// TestStopDuringProbeIsCleanStop covers a stop signal landing while the
// probe invocation is still blocking: the killed child surfaces as a
// ProbeError, but the process must report a clean stop.
func TestStopDuringProbeIsCleanStop(t *testing.T) {
	eng := newFakeEngine()
	probing := make(chan struct{})
	eng.probeFn = func(ctx context.Context) (ffmpeg.Geometry, error) {
		close(probing)
		<-ctx.Done()
		return ffmpeg.Geometry{}, &ffmpeg.ProbeError{
			Device: "/dev/fb0",
			Reason: "signal: killed",
		}
	}

	blink := blinkFixture(t)
	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-probing:
	case <-time.After(5 * time.Second):
		t.Fatal("probe never started")
	}
	cancel()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("stop during probe should return nil, got %v", err)
	}
	if _, prescale, play := eng.counts(); prescale+play != 0 {
		t.Fatal("no preprocessing or playback after an interrupted probe")
	}
	data, _ := os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute mutated during interrupted probe: %q", data)
	}
}

// TestStopDuringPrescaleIsCleanStop covers a stop signal landing during
// the potentially long prescale pass: the partial intermediate is
// cleaned up and the process reports a clean stop.
func TestStopDuringPrescaleIsCleanStop(t *testing.T) {
	eng := newFakeEngine()
	prescaling := make(chan struct{})
	eng.prescaleFn = func(ctx context.Context, job ffmpeg.PrescaleJob) error {
		close(prescaling)
		<-ctx.Done()
		return &ffmpeg.PreprocessError{Source: job.Source, Err: ctx.Err(), Detail: "signal: killed"}
	}

	blink := blinkFixture(t)
	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-prescaling:
	case <-time.After(5 * time.Second):
		t.Fatal("prescale never started")
	}
	cancel()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("stop during prescale should return nil, got %v", err)
	}

	eng.mu.Lock()
	artifact := eng.prescaleJobs[0].Output
	eng.mu.Unlock()

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("partial intermediate %s not cleaned up", artifact)
	}
	data, _ := os.ReadFile(blink)
	if string(data) != "1\n" {
		t.Fatalf("blink attribute not restored after interrupted prescale: %q", data)
	}
	if _, _, play := eng.counts(); play != 0 {
		t.Fatal("playback must not start after an interrupted prescale")
	}
}

func TestBlinkAttributeMissingIsNonFatal(t *testing.T) {
	eng := newFakeEngine()
	blink := filepath.Join(t.TempDir(), "cursor_blink") // never created

	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{BlinkPath: blink})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-eng.playStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}
	cancel()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("unwritable blink attribute must not be fatal: %v", err)
	}
	if _, err := os.Stat(blink); !os.IsNotExist(err) {
		t.Fatal("shutdown must not create the blink attribute")
	}
}

func TestPlaybackRestartsWithIdenticalArguments(t *testing.T) {
	eng := newFakeEngine()
	eng.playFn = func(ctx context.Context, job ffmpeg.PlayJob) error {
		return errors.New("exit status 1")
	}

	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{
		BlinkPath:    blinkFixture(t),
		RestartDelay: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	deadline := time.After(5 * time.Second)
	for {
		if _, _, play := eng.counts(); play >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("playback was not restarted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("stop during restart loop should return nil, got %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	first := eng.playJobs[0]
	for i, job := range eng.playJobs {
		if job != first {
			t.Fatalf("restart %d changed arguments: %+v != %+v", i, job, first)
		}
	}
}

// TestSourceSwapNotDroppedOnNaturalExit pins the case where a change
// signal arrives just as a playback invocation exits on its own: the
// rebuild must still happen, on this iteration or the next.
func TestSourceSwapNotDroppedOnNaturalExit(t *testing.T) {
	eng := newFakeEngine()
	eng.playFn = func(ctx context.Context, job ffmpeg.PlayJob) error {
		return nil // immediate natural exit, racing the swap monitor
	}
	changes := make(chan struct{}, 1)

	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{
		BlinkPath:     blinkFixture(t),
		RestartDelay:  5 * time.Millisecond,
		SourceChanges: changes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-eng.playStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}

	changes <- struct{}{}

	deadline := time.After(5 * time.Second)
	for {
		if _, prescale, _ := eng.counts(); prescale >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("swap signal was dropped: intermediate never rebuilt")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("clean stop should return nil, got %v", err)
	}
}

func TestSourceSwapRebuildsIntermediate(t *testing.T) {
	eng := newFakeEngine()
	changes := make(chan struct{}, 1)

	c := NewController(testConfig(t), eng, cleanup.NewTracker(zap.NewNop()), zap.NewNop(), Options{
		BlinkPath:     blinkFixture(t),
		SourceChanges: changes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runController(ctx, c)

	select {
	case <-eng.playStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("playback never started")
	}

	changes <- struct{}{}

	deadline := time.After(5 * time.Second)
	for {
		if _, prescale, _ := eng.counts(); prescale >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("intermediate was not rebuilt after source swap")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Playback resumes against the same registered artifact path.
	select {
	case <-eng.playStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not resume after rebuild")
	}

	eng.mu.Lock()
	samePath := eng.prescaleJobs[0].Output == eng.prescaleJobs[1].Output
	eng.mu.Unlock()
	if !samePath {
		t.Fatal("rebuild must reuse the registered artifact path")
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("clean stop after swap should return nil, got %v", err)
	}
}
