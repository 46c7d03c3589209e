package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

func init() {
	monitoring.Discard()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublishStampsIDAndTime(t *testing.T) {
	bus := NewBus(timeutil.NewMockClock(epoch))
	sub := bus.Subscribe(4)

	bus.Publish(Event{Kind: KindSpatial, Spatial: &spatial.Prediction{Label: "A"}})
	explicit := uuid.New()
	bus.Publish(Event{ID: explicit, Kind: KindSpatial, Time: epoch.Add(time.Hour)})

	first := <-sub.C()
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Equal(t, epoch, first.Time)
	assert.Equal(t, "A", first.Spatial.Label)

	second := <-sub.C()
	assert.Equal(t, explicit, second.ID)
	assert.Equal(t, epoch.Add(time.Hour), second.Time)
	assert.Equal(t, uint64(2), bus.Published())
}

func TestSlowSinkLosesOldest(t *testing.T) {
	bus := NewBus(timeutil.NewMockClock(epoch))
	sub := bus.Subscribe(2)

	for _, l := range []string{"A", "B", "C", "D"} {
		bus.Publish(Event{Kind: KindSpatial, Spatial: &spatial.Prediction{Label: l}})
	}
	assert.Equal(t, "C", (<-sub.C()).Spatial.Label)
	assert.Equal(t, "D", (<-sub.C()).Spatial.Label)
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestErrorNotifierPublishesGovernorEvents(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	bus := NewBus(clock)
	sub := bus.Subscribe(4)
	defer bus.Close()

	gov := failure.NewGovernor(failure.DefaultConfig(), clock)
	gov.SetNotifier(bus.ErrorNotifier(func() string { return "translation" }))
	gov.RecordError(context.Background(), errors.New("camera disconnected"), "camera", false)

	select {
	case ev := <-sub.C():
		require.Equal(t, KindError, ev.Kind)
		assert.Equal(t, "translation", ev.Mode)
		assert.Equal(t, failure.CategorySensor, ev.Error.Category)
		assert.Equal(t, "camera", ev.Error.Key)
		assert.Equal(t, failure.Failed, ev.Error.Result)
	default:
		t.Fatal("no error event published")
	}
}

func TestCloseClosesSinks(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())
	bus.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
}
