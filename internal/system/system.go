// Package system provides OS-level utilities for the display appliance:
// framebuffer console cursor control and the health snapshot behind the
// `check` subcommand (thermal, disk, and throttle state on Raspberry Pi
// class hardware).
package system

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultCursorBlinkPath is the sysfs attribute controlling whether the
// framebuffer console's idle text cursor flashes.
const DefaultCursorBlinkPath = "/sys/class/graphics/fbcon/cursor_blink"

// DisableCursorBlink captures the attribute's current value and writes
// "0" to suppress the cursor. The captured value is returned so the
// caller can register a byte-exact restore. Absence or unwritability is
// reported as an error with no partial mutation.
func DisableCursorBlink(path string) ([]byte, error) {
	orig, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cursor blink: %w", err)
	}
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return nil, fmt.Errorf("write cursor blink: %w", err)
	}
	return orig, nil
}

// RestoreCursorBlink writes the previously captured value back.
func RestoreCursorBlink(path string, orig []byte) error {
	if err := os.WriteFile(path, orig, 0644); err != nil {
		return fmt.Errorf("restore cursor blink: %w", err)
	}
	return nil
}

// Writable reports whether the path exists and can be opened for writing.
func Writable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// HealthStatus is a point-in-time snapshot of appliance health.
type HealthStatus struct {
	DiskUsedPct   float64   `json:"disk_used_pct"`
	DiskFreeBytes uint64    `json:"disk_free_bytes"`
	CPUTempC      float64   `json:"cpu_temp_c"`
	Throttled     bool      `json:"throttled"`
	Timestamp     time.Time `json:"timestamp"`
}

// GetCPUTemp reads the SoC thermal zone in degrees Celsius.
func GetCPUTemp() (float64, error) {
	data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, fmt.Errorf("read cpu temp: %w", err)
	}

	milliC, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse cpu temp: %w", err)
	}

	return milliC / 1000.0, nil
}

// GetDiskUsage returns the usage percentage and free bytes for the
// filesystem mounted at path (default "/").
func GetDiskUsage(path string) (usedPct float64, freeBytes uint64, err error) {
	if path == "" {
		path = "/"
	}

	out, err := exec.Command("df", "--output=pcent,avail", "-B1", path).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("df command failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected df output")
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected df fields")
	}

	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse disk pct: %w", err)
	}

	free, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse disk free: %w", err)
	}

	return pct, free, nil
}

// IsThrottled checks vcgencmd for thermal or undervoltage throttling.
func IsThrottled() (bool, error) {
	out, err := exec.Command("vcgencmd", "get_throttled").Output()
	if err != nil {
		return false, fmt.Errorf("vcgencmd failed: %w", err)
	}

	// Output format: throttled=0x0
	parts := strings.SplitN(strings.TrimSpace(string(out)), "=", 2)
	if len(parts) < 2 {
		return false, fmt.Errorf("unexpected vcgencmd output")
	}

	val, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("parse throttle value: %w", err)
	}

	return val != 0, nil
}

// RunHealthCheck gathers a full snapshot, tolerating individual probe
// failures (fields stay zero-valued).
func RunHealthCheck() HealthStatus {
	status := HealthStatus{Timestamp: time.Now()}

	if temp, err := GetCPUTemp(); err == nil {
		status.CPUTempC = temp
	}
	if pct, free, err := GetDiskUsage("/"); err == nil {
		status.DiskUsedPct = pct
		status.DiskFreeBytes = free
	}
	if throttled, err := IsThrottled(); err == nil {
		status.Throttled = throttled
	}

	return status
}
