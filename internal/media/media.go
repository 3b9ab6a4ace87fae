// Package media provides media type detection for the player's single
// configured video source.
package media

import (
	"path/filepath"
	"sort"
	"strings"
)

// Video container/codec extensions the external engine is known to
// decode on the target appliances.
var videoExts = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".ts":   true,
	".m4v":  true,
	".hevc": true,
	".flv":  true,
	".wmv":  true,
}

// IsVideo reports whether the path has a recognized video extension.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// SupportedExtensions returns the recognized video extensions, sorted,
// for use in diagnostics.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(videoExts))
	for ext := range videoExts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
