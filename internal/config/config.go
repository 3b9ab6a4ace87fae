// Package config loads and validates the KEY=VALUE configuration file
// that drives the player: video source, font, colors, output device,
// font sizes, and clock format.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fbclock-native/internal/media"
)

// Valid TIME_FORMAT values. Anything else falls back to TimeFormat12h.
const (
	TimeFormat12h = "12h"
	TimeFormat24h = "24h"
)

// Config is the immutable runtime configuration. Path readability is
// verified by the lifecycle controller before any device mutation.
type Config struct {
	VideoSource   string `mapstructure:"video_source"`
	FontFile      string `mapstructure:"font_file"`
	TextColor     string `mapstructure:"text_color"`
	TextBGColor   string `mapstructure:"text_bg_color"`
	Framebuffer   string `mapstructure:"framebuffer"`
	SmallFontSize int    `mapstructure:"small_font_size"`
	LargeFontSize int    `mapstructure:"large_font_size"`
	TimeFormat    string `mapstructure:"time_format"`
}

// Loader reads the dotenv-style config file and applies defaults.
type Loader struct {
	logger *zap.Logger
	v      *viper.Viper
}

// NewLoader creates a loader with the appliance defaults preset.
func NewLoader(logger *zap.Logger) *Loader {
	v := viper.New()
	v.SetConfigType("env")

	v.SetDefault("text_color", "white")
	v.SetDefault("text_bg_color", "black@0.4")
	v.SetDefault("framebuffer", "/dev/fb0")
	v.SetDefault("small_font_size", 32)
	v.SetDefault("large_font_size", 96)
	v.SetDefault("time_format", TimeFormat12h)

	return &Loader{logger: logger, v: v}
}

// Load reads, unmarshals, and validates the config file at path.
func (l *Loader) Load(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := l.validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	l.logger.Info("config loaded",
		zap.String("file", path),
		zap.String("source", cfg.VideoSource),
		zap.String("framebuffer", cfg.Framebuffer),
		zap.String("time_format", cfg.TimeFormat))
	return &cfg, nil
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.VideoSource == "" {
		return fmt.Errorf("VIDEO_SOURCE is required")
	}
	if !media.IsVideo(cfg.VideoSource) {
		return fmt.Errorf("VIDEO_SOURCE %s is not a recognized video file (supported: %s)",
			cfg.VideoSource, strings.Join(media.SupportedExtensions(), " "))
	}
	if cfg.FontFile == "" {
		return fmt.Errorf("FONT_FILE is required")
	}
	if cfg.SmallFontSize <= 0 {
		return fmt.Errorf("SMALL_FONT_SIZE must be a positive integer, got %d", cfg.SmallFontSize)
	}
	if cfg.LargeFontSize <= 0 {
		return fmt.Errorf("LARGE_FONT_SIZE must be a positive integer, got %d", cfg.LargeFontSize)
	}

	if err := validateBGColor(cfg.TextBGColor); err != nil {
		return err
	}

	tf := strings.ToLower(strings.TrimSpace(cfg.TimeFormat))
	if tf != TimeFormat24h {
		if tf != TimeFormat12h {
			l.logger.Warn("unrecognized TIME_FORMAT, using 12h",
				zap.String("value", cfg.TimeFormat))
		}
		tf = TimeFormat12h
	}
	cfg.TimeFormat = tf

	return nil
}

// validateBGColor checks the color@opacity form, with opacity in [0,1].
// A bare color name or hex value is accepted as-is.
func validateBGColor(s string) error {
	if s == "" {
		return fmt.Errorf("TEXT_BG_COLOR must not be empty")
	}
	color, opacity, found := strings.Cut(s, "@")
	if !found {
		return nil
	}
	if color == "" {
		return fmt.Errorf("TEXT_BG_COLOR %s has no color before '@'", s)
	}
	v, err := strconv.ParseFloat(opacity, 64)
	if err != nil {
		return fmt.Errorf("TEXT_BG_COLOR opacity %q is not a number", opacity)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("TEXT_BG_COLOR opacity %v out of range [0,1]", v)
	}
	return nil
}
