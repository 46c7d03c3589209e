package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/signsync/internal/orchestrator"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func meminfo(total, available int) string {
	return fmt.Sprintf("MemTotal:       %d kB\nMemFree:         1000 kB\nMemAvailable:   %d kB\n", total, available)
}

func TestSignals(t *testing.T) {
	tests := []struct {
		name  string
		setup func(root string)
		want  orchestrator.DeviceSignals
	}{
		{
			name: "battery and plenty of memory",
			setup: func(root string) {
				writeFile(t, filepath.Join(root, "sys/class/power_supply/AC/type"), "Mains\n")
				writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT0/type"), "Battery\n")
				writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT0/capacity"), "57\n")
				writeFile(t, filepath.Join(root, "proc/meminfo"), meminfo(8000000, 4000000))
			},
			want: orchestrator.DeviceSignals{BatteryPercent: 57},
		},
		{
			name: "no battery under pressure",
			setup: func(root string) {
				writeFile(t, filepath.Join(root, "proc/meminfo"), meminfo(8000000, 400000))
			},
			want: orchestrator.DeviceSignals{BatteryPercent: -1, MemoryPressure: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(root)
			got, err := (&Sysfs{Root: root}).Signals(context.Background())
			if err != nil {
				t.Fatalf("Signals: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Signals (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSignalsErrors(t *testing.T) {
	root := t.TempDir()
	if _, err := (&Sysfs{Root: root}).Signals(context.Background()); err == nil {
		t.Error("missing meminfo should fail")
	}

	writeFile(t, filepath.Join(root, "proc/meminfo"), "MemTotal: 100 kB\n")
	if _, err := (&Sysfs{Root: root}).Signals(context.Background()); err == nil {
		t.Error("meminfo without MemAvailable should fail")
	}

	writeFile(t, filepath.Join(root, "proc/meminfo"), meminfo(100, 50))
	writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT1/type"), "Battery")
	writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT1/capacity"), "full")
	if _, err := (&Sysfs{Root: root}).Signals(context.Background()); err == nil {
		t.Error("unparseable capacity should fail")
	}
}

func TestCustomPressureRatio(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "proc/meminfo"), meminfo(1000, 300))
	got, err := (&Sysfs{Root: root, PressureRatio: 0.5}).Signals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.MemoryPressure {
		t.Error("30% available is under a 50% ratio")
	}
}
