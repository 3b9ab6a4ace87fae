// fbclock-native: looping video background with a live date/time
// overlay for raw framebuffer display appliances (Raspberry Pi class,
// no windowing system). Video decode and compositing are delegated to
// an external ffmpeg/ffprobe pair.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fbclock-native/internal/cleanup"
	"fbclock-native/internal/config"
	"fbclock-native/internal/ffmpeg"
	"fbclock-native/internal/player"
	"fbclock-native/internal/source"
	"fbclock-native/internal/system"
)

// Build-time variables set by the Makefile via -ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fbclock",
		Short: "fbclock — looping video clock for framebuffer appliances",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCmd starts the full lifecycle: probe, prescale, playback loop.
// Exit code 0 on a signalled stop, 1 on any fatal startup failure.
func runCmd() *cobra.Command {
	var (
		configPath   string
		ffmpegPath   string
		ffprobePath  string
		blinkPath    string
		restartDelay time.Duration
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the framebuffer video clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("fbclock starting",
				zap.String("version", version),
				zap.String("built", buildTime))

			cfg, err := config.NewLoader(logger).Load(configPath)
			if err != nil {
				logger.Error("config load failed", zap.Error(err))
				return err
			}

			engine := ffmpeg.New(ffmpegPath, ffprobePath, logger)
			tracker := cleanup.NewTracker(logger)

			opts := player.Options{
				RestartDelay: restartDelay,
				BlinkPath:    blinkPath,
			}

			if watch {
				w, werr := source.NewWatcher(cfg.VideoSource, logger)
				if werr != nil {
					logger.Warn("source watch unavailable", zap.Error(werr))
				} else {
					go func() {
						if serr := w.Start(); serr != nil {
							logger.Warn("source watcher stopped", zap.Error(serr))
						}
					}()
					defer w.Stop()
					opts.SourceChanges = w.Changes()
				}
			}

			// The service supervisor stops us with SIGTERM; SIGINT
			// covers interactive runs. Cancellation reaches every
			// blocking engine invocation.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := player.NewController(cfg, engine, tracker, logger, opts)
			if err := ctrl.Run(ctx); err != nil {
				logger.Error("fatal", zap.Error(err))
				return err
			}

			logger.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/fbclock/fbclock.conf", "Path to the KEY=VALUE config file")
	cmd.Flags().StringVar(&ffmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	cmd.Flags().StringVar(&ffprobePath, "ffprobe", "ffprobe", "Path to the ffprobe binary")
	cmd.Flags().StringVar(&blinkPath, "blink-attr", system.DefaultCursorBlinkPath, "sysfs attribute for the console cursor blink")
	cmd.Flags().DurationVar(&restartDelay, "restart-delay", player.DefaultRestartDelay, "Pause between playback restarts")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rebuild and restart when the video source file is replaced")
	cmd.SilenceUsage = true

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fbclock %s\nBuilt: %s\n", version, buildTime)
		},
	}
}

// checkCmd reports appliance health plus the player's own requirements.
func checkCmd() *cobra.Command {
	var (
		fbPath      string
		blinkPath   string
		ffmpegPath  string
		ffprobePath string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a system health check",
		Run: func(cmd *cobra.Command, args []string) {
			status := system.RunHealthCheck()
			fmt.Printf("CPU Temperature : %.1f°C\n", status.CPUTempC)
			fmt.Printf("Disk Usage      : %.1f%%\n", status.DiskUsedPct)
			fmt.Printf("Disk Free       : %d MB\n", status.DiskFreeBytes/1024/1024)
			fmt.Printf("Throttled       : %v\n", status.Throttled)

			for _, bin := range []string{ffmpegPath, ffprobePath} {
				if path, err := exec.LookPath(bin); err == nil {
					fmt.Printf("%-16s: %s\n", bin, path)
				} else {
					fmt.Printf("%-16s: MISSING\n", bin)
				}
			}

			if _, err := os.Stat(fbPath); err == nil {
				fmt.Printf("Framebuffer     : %s\n", fbPath)
			} else {
				fmt.Printf("Framebuffer     : %s MISSING\n", fbPath)
			}

			if system.Writable(blinkPath) {
				fmt.Printf("Cursor blink    : writable\n")
			} else {
				fmt.Printf("Cursor blink    : not writable (cursor will keep blinking)\n")
			}
		},
	}

	cmd.Flags().StringVar(&fbPath, "fb", "/dev/fb0", "Framebuffer device to check")
	cmd.Flags().StringVar(&blinkPath, "blink-attr", system.DefaultCursorBlinkPath, "sysfs attribute for the console cursor blink")
	cmd.Flags().StringVar(&ffmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	cmd.Flags().StringVar(&ffprobePath, "ffprobe", "ffprobe", "Path to the ffprobe binary")

	return cmd
}
