package monitoring

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentLogger_JSONFields(t *testing.T) {
	defer Configure(Options{})

	var buf bytes.Buffer
	Configure(Options{Level: "debug", Format: "json", Writer: &buf, Service: "signsync"})

	log := Component("spatial")
	log.Opsf("loaded %s", "model.bin")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{
		"component": "spatial",
		"stream":    "ops",
		"service":   "signsync",
		"message":   "loaded model.bin",
		"level":     "info",
	} {
		if rec[key] != want {
			t.Errorf("field %s = %v, want %q", key, rec[key], want)
		}
	}
}

func TestComponentLogger_LevelFiltersTrace(t *testing.T) {
	defer Configure(Options{})

	var buf bytes.Buffer
	Configure(Options{Level: "info", Format: "json", Writer: &buf})

	log := Component("pipeline")
	log.Tracef("frame %d", 1)
	log.Diagf("window %d", 2)
	if buf.Len() != 0 {
		t.Fatalf("trace/diag should be filtered at info level, got %q", buf.String())
	}

	log.Warn().Str("key", "camera").Msg("breaker open")
	if !strings.Contains(buf.String(), `"key":"camera"`) {
		t.Errorf("expected structured field in output, got %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	defer Configure(Options{})
	Discard()
	// Must not panic with a disabled logger.
	Component("x").Error().Msg("ignored")
	Component("x").Opsf("ignored %d", 1)
}
