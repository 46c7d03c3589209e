package orchestrator

import (
	"fmt"
	"strings"
)

// Mode is the pipeline's operating mode.
type Mode int

const (
	Idle Mode = iota
	Translation
	Detection
	Sound
)

// Capability names an external collaborator a mode needs armed.
const (
	CapabilityObjectDetector = "object-detector"
	CapabilityAudio          = "audio"
)

// Requirements declares what a mode needs running.
type Requirements struct {
	Spatial      bool
	Sequence     bool
	Capabilities []string
}

var modeRequirements = map[Mode]Requirements{
	Idle:        {},
	Translation: {Spatial: true, Sequence: true},
	Detection:   {Capabilities: []string{CapabilityObjectDetector}},
	Sound:       {Capabilities: []string{CapabilityAudio}},
}

// Requirements returns the declarative requirements of m.
func (m Mode) Requirements() Requirements {
	return modeRequirements[m]
}

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Translation:
		return "translation"
	case Detection:
		return "detection"
	case Sound:
		return "sound"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "":
		return Idle, nil
	case "translation", "translate", "asl":
		return Translation, nil
	case "detection", "detect":
		return Detection, nil
	case "sound", "audio":
		return Sound, nil
	}
	return Idle, fmt.Errorf("unknown mode %q", s)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
