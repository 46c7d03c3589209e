package failure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func init() {
	monitoring.Discard()
}

func newTestGovernor() (*Governor, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(epoch)
	return NewGovernor(DefaultConfig(), clock), clock
}

func TestCircuitBreakerOpensAndResetsOnSuccess(t *testing.T) {
	g, _ := newTestGovernor()

	for i := 0; i < 4; i++ {
		g.RecordFailure("camera")
		require.True(t, g.IsServiceAvailable("camera"), "available after %d failures", i+1)
	}
	g.RecordFailure("camera")
	assert.False(t, g.IsServiceAvailable("camera"))

	g.RecordSuccess("camera")
	assert.True(t, g.IsServiceAvailable("camera"))
	require.Len(t, g.Breakers(), 1)
	assert.Equal(t, 0, g.Breakers()[0].Failures)
}

func TestCircuitBreakerAutoResetsAfterTimeout(t *testing.T) {
	g, clock := newTestGovernor()
	for i := 0; i < 5; i++ {
		g.RecordFailure("camera")
	}
	require.False(t, g.IsServiceAvailable("camera"))

	clock.Advance(4 * time.Minute)
	assert.False(t, g.IsServiceAvailable("camera"))

	clock.Advance(time.Minute)
	assert.True(t, g.IsServiceAvailable("camera"))

	// Counter restarted: one new failure does not reopen.
	g.RecordFailure("camera")
	assert.True(t, g.IsServiceAvailable("camera"))
}

func TestBreakersAreIndependentPerKey(t *testing.T) {
	g, _ := newTestGovernor()
	for i := 0; i < 5; i++ {
		g.RecordFailure("spatial")
	}
	assert.False(t, g.IsServiceAvailable("spatial"))
	assert.True(t, g.IsServiceAvailable("sequence"))

	g.Reset("spatial")
	assert.True(t, g.IsServiceAvailable("spatial"))
}

func TestRecordErrorDispatch(t *testing.T) {
	g, _ := newTestGovernor()
	ctx := context.Background()

	calls := 0
	g.Register(CategoryInference, RecoveryFunc(func(ctx context.Context, r Report) error {
		calls++
		assert.Equal(t, "spatial", r.Key)
		return nil
	}))

	res := g.RecordError(ctx, InferenceError("infer", errors.New("nan")), "spatial", true)
	assert.Equal(t, Recovered, res)
	assert.Equal(t, 1, calls)

	// Not recoverable: no strategy call.
	res = g.RecordError(ctx, InferenceError("infer", errors.New("nan")), "spatial", false)
	assert.Equal(t, Failed, res)
	assert.Equal(t, 1, calls)

	// No strategy registered for the category.
	res = g.RecordError(ctx, errors.New("microphone busy"), "audio", true)
	assert.Equal(t, Failed, res)

	// Fatal errors are never recovered.
	res = g.RecordError(ctx, ModelLoadError("m.ssdn", nil), "spatial", true, WithCategory(CategoryInference))
	assert.Equal(t, Failed, res)
	assert.Equal(t, 1, calls)

	st, ok := g.Stats("spatial")
	require.True(t, ok)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.ByCategory[CategoryInference])
}

func TestRecordErrorShortCircuitsWhenOpen(t *testing.T) {
	g, _ := newTestGovernor()
	calls := 0
	g.Register(CategorySensor, RecoveryFunc(func(ctx context.Context, r Report) error {
		calls++
		return errors.New("still broken")
	}))

	ctx := context.Background()
	err := errors.New("camera disconnected")
	for i := 0; i < 5; i++ {
		assert.Equal(t, Failed, g.RecordError(ctx, err, "camera", true))
	}
	assert.Equal(t, 5, calls)

	assert.Equal(t, CircuitOpen, g.RecordError(ctx, err, "camera", true))
	assert.Equal(t, 5, calls, "no recovery attempt while open")
}

func TestRecentErrorsBounded(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	g := NewGovernor(Config{HistoryLimit: 3}, clock)

	var seen []ErrorEvent
	g.SetNotifier(func(ev ErrorEvent) { seen = append(seen, ev) })

	for _, msg := range []string{"a", "b", "c", "d"} {
		g.RecordError(context.Background(), errors.New(msg), "k", false)
	}
	recent := g.RecentErrors()
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Message)
	assert.Equal(t, "d", recent[2].Message)
	assert.Len(t, seen, 4)
	assert.Equal(t, CategoryUnknown, seen[0].Category)
	assert.NotEqual(t, seen[0].ID, seen[1].ID)
}

func TestMaintainPurgesAndClosesBreakers(t *testing.T) {
	g, clock := newTestGovernor()
	g.RecordError(context.Background(), errors.New("old"), "k", false)
	for i := 0; i < 5; i++ {
		g.RecordFailure("camera")
	}

	clock.Set(epoch.Add(25 * time.Hour))
	g.RecordError(context.Background(), errors.New("new"), "k2", false)
	g.Maintain(clock.Now())

	recent := g.RecentErrors()
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Message)
	_, ok := g.Stats("k")
	assert.False(t, ok)

	for _, b := range g.Breakers() {
		if b.Key == "camera" {
			assert.False(t, b.Open)
			assert.Equal(t, 0, b.Failures)
		}
	}
}

func TestRunDrivesMaintenance(t *testing.T) {
	g, clock := newTestGovernor()
	for i := 0; i < 5; i++ {
		g.RecordFailure("camera")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		for _, b := range g.Breakers() {
			if b.Key == "camera" && !b.Open {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestRetryStrategy(t *testing.T) {
	s := NewRetryStrategy(3, time.Millisecond)
	ctx := context.Background()

	attempts := 0
	err := s.Recover(ctx, Report{Key: "spatial", Retry: func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	}})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = s.Recover(ctx, Report{Key: "spatial", Retry: func(ctx context.Context) error {
		attempts++
		return errors.New("always")
	}})
	assert.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus 3 retries")

	attempts = 0
	err = s.Recover(ctx, Report{Key: "spatial", Retry: func(ctx context.Context) error {
		attempts++
		return ModelLoadError("m", nil)
	}})
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Equal(t, 1, attempts, "fatal errors stop retrying")

	assert.ErrorIs(t, s.Recover(ctx, Report{}), ErrNoRetryOperation)
}

func TestRetryStrategyViaGovernor(t *testing.T) {
	g, _ := newTestGovernor()
	g.Register(CategoryInference, NewRetryStrategy(2, time.Millisecond))

	ok := 0
	res := g.RecordError(context.Background(), InferenceError("infer", errors.New("nan")), "spatial", true,
		WithRetry(func(ctx context.Context) error {
			ok++
			return nil
		}))
	assert.Equal(t, Recovered, res)
	assert.Equal(t, 1, ok)
}
