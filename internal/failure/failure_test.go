package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutNetErr struct{ timeout bool }

func (e timeoutNetErr) Error() string   { return "dial failed" }
func (e timeoutNetErr) Timeout() bool   { return e.timeout }
func (e timeoutNetErr) Temporary() bool { return false }

var _ net.Error = timeoutNetErr{}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("spatial: %w", ModelLoadError("/models/a.ssdn", os.ErrNotExist))

	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrInference)
	assert.True(t, IsFatal(err))
	assert.Equal(t, KindModelLoad, KindOf(err))
	assert.Contains(t, err.Error(), "/models/a.ssdn")
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, IsFatal(TooManyCorruptedFramesError(10, 10)))
	assert.False(t, IsFatal(CorruptedFrameError("empty", 1)))
	assert.False(t, IsFatal(InferenceError("classify", errors.New("boom"))))
	assert.False(t, IsFatal(UninitializedError("classify")))
	assert.False(t, IsFatal(nil))
}

func TestUninitializedWrappedInInference(t *testing.T) {
	err := InferenceError("sequence.classify", UninitializedError("sequence.classify"))
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, ErrUninitialized)
	assert.Equal(t, KindInference, KindOf(err))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"corrupted frame", CorruptedFrameError("zero", 1), CategorySensor},
		{"escalation", TooManyCorruptedFramesError(10, 10), CategorySensor},
		{"inference kind", InferenceError("x", nil), CategoryInference},
		{"uninitialized kind", UninitializedError("x"), CategoryUninitialized},
		{"resource kind", New(KindResource, "load", "oom"), CategoryResource},
		{"timeout kind", New(KindTimeout, "infer", "slow"), CategoryTimeout},
		{"deadline", fmt.Errorf("infer: %w", context.DeadlineExceeded), CategoryTimeout},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), CategoryPermission},
		{"net timeout", timeoutNetErr{timeout: true}, CategoryTimeout},
		{"net error", timeoutNetErr{}, CategoryNetwork},
		{"text connection", errors.New("Connection reset by peer"), CategoryNetwork},
		{"text timed out beats connection", errors.New("connection timed out"), CategoryTimeout},
		{"text camera", errors.New("camera disconnected"), CategorySensor},
		{"text microphone", errors.New("microphone busy"), CategoryAudio},
		{"text memory", errors.New("out of memory"), CategoryResource},
		{"text interpreter", errors.New("interpreter crashed"), CategoryInference},
		{"unmatched", errors.New("something odd"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}
