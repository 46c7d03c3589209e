// Package platform reads device telemetry from Linux sysfs and procfs.
package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/signsync/internal/orchestrator"
)

// DefaultPressureRatio flags memory pressure when less than this fraction
// of memory is available.
const DefaultPressureRatio = 0.10

// Sysfs implements orchestrator.SignalSource from /sys and /proc.
type Sysfs struct {
	// Root prefixes every path; empty means "/".
	Root string
	// PressureRatio overrides DefaultPressureRatio when positive.
	PressureRatio float64
}

func (s *Sysfs) path(elem ...string) string {
	root := s.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// Signals implements orchestrator.SignalSource. A host without a battery
// reports BatteryPercent -1.
func (s *Sysfs) Signals(ctx context.Context) (orchestrator.DeviceSignals, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.DeviceSignals{}, err
	}
	battery, err := s.battery()
	if err != nil {
		return orchestrator.DeviceSignals{}, err
	}
	pressure, err := s.memoryPressure()
	if err != nil {
		return orchestrator.DeviceSignals{}, err
	}
	return orchestrator.DeviceSignals{BatteryPercent: battery, MemoryPressure: pressure}, nil
}

func (s *Sysfs) battery() (int, error) {
	supplies, err := filepath.Glob(s.path("sys", "class", "power_supply", "*"))
	if err != nil {
		return -1, err
	}
	for _, dir := range supplies {
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			return -1, fmt.Errorf("read battery capacity: %w", err)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return -1, fmt.Errorf("parse battery capacity %q: %w", raw, err)
		}
		return pct, nil
	}
	return -1, nil
}

func (s *Sysfs) memoryPressure() (bool, error) {
	fh, err := os.Open(s.path("proc", "meminfo"))
	if err != nil {
		return false, fmt.Errorf("read meminfo: %w", err)
	}
	defer fh.Close()

	var total, available int64 = -1, -1
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := sc.Err(); err != nil {
		return false, err
	}
	if total <= 0 || available < 0 {
		return false, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
	}
	ratio := s.PressureRatio
	if ratio <= 0 {
		ratio = DefaultPressureRatio
	}
	return float64(available)/float64(total) < ratio, nil
}
