package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	h := NewHub[int]()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(1)
	h.Publish(2)

	for _, sub := range []*Subscription[int]{a, b} {
		assert.Equal(t, 1, <-sub.C())
		assert.Equal(t, 2, <-sub.C())
	}
	assert.Equal(t, uint64(2), h.Published())
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe(2)

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}

	require.Equal(t, 2, len(sub.C()))
	assert.Equal(t, 4, <-sub.C())
	assert.Equal(t, 5, <-sub.C())
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub[string]()
	sub := h.Subscribe(1)
	h.Unsubscribe(sub.ID())
	h.Unsubscribe(sub.ID()) // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())

	h.Publish("after") // must not panic on closed channel
}

func TestHub_CloseClosesAllAndRejectsNew(t *testing.T) {
	h := NewHub[int]()
	a := h.Subscribe(1)
	h.Close()
	h.Close()

	_, ok := <-a.C()
	assert.False(t, ok)

	late := h.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok, "subscription on closed hub should be closed")
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe(8)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish(i)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(sub.C()), 8)
	assert.Equal(t, uint64(400), h.Published())
	assert.Equal(t, uint64(400), uint64(len(sub.C()))+sub.Dropped())
}
