package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// Style carries the text overlay parameters from the configuration.
type Style struct {
	FontFile  string
	TextColor string
	BoxColor  string // color@opacity behind the text
	SmallSize int
	LargeSize int
	Clock     string // strftime tokens for the time line
}

// strftime token sequences for the drawtext localtime expansion, which
// re-evaluates per frame so the displayed clock tracks real time.
// Colons are escaped for the filtergraph option parser.
const (
	clock12h   = `%I\:%M\:%S %p`
	clock24h   = `%H\:%M\:%S`
	dateTokens = `%A %d %B %Y %Z`
)

// ClockTokens maps the configured time format to drawtext strftime
// tokens. Anything other than "24h" gets the 12-hour clock with
// meridiem.
func ClockTokens(timeFormat string) string {
	if timeFormat == "24h" {
		return clock24h
	}
	return clock12h
}

// Overlay position expressions. The clock sits on the vertical center;
// the date line stacks above it.
const (
	centerX = "(w-text_w)/2"
	centerY = "(h-text_h)/2"
)

// overlayFilters builds the playback filter chain: date+timezone line
// at the small size stacked over the clock line at the large size, both
// horizontally centered.
func overlayFilters(style Style) string {
	dateY := fmt.Sprintf("((h-text_h)/2)-%d", style.LargeSize)

	date := drawtextFilter(style.FontFile, expandLocaltime(dateTokens),
		style.SmallSize, style.TextColor, style.BoxColor, centerX, dateY)
	clock := drawtextFilter(style.FontFile, expandLocaltime(style.Clock),
		style.LargeSize, style.TextColor, style.BoxColor, centerX, centerY)

	return date + "," + clock
}

// expandLocaltime wraps strftime tokens in drawtext's per-frame
// localtime expansion.
func expandLocaltime(tokens string) string {
	return `%{localtime\:` + tokens + `}`
}

// drawtextFilter assembles a single drawtext filter. The text value is
// single-quoted for the filtergraph parser; arguments are passed to the
// child process directly, so no shell quoting applies.
func drawtextFilter(fontFile, text string, size int, color, box, x, y string) string {
	parts := []string{
		"fontfile=" + fontFile,
		"text='" + text + "'",
		"fontsize=" + strconv.Itoa(size),
		"fontcolor=" + color,
		"x=" + x,
		"y=" + y,
	}
	if box != "" {
		parts = append(parts, "box=1", "boxcolor="+box, "boxborderw=12")
	}
	return "drawtext=" + strings.Join(parts, ":")
}
