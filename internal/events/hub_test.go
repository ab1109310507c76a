package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOutPreservesOrder(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(8)
	b := h.Subscribe(8)
	assert.Equal(t, 2, h.Subscribers())

	h.RecorderStateChanged(RecorderState{SessionID: "s1", State: "recording"})
	h.RecorderProgress(RecorderProgress{SessionID: "s1", ElapsedMillis: 100, IsRecording: true})
	h.PlayerProgress(PlayerProgress{SessionID: "p1", DurationMillis: 10, PositionMillis: 10, IsFinished: true})

	for _, sub := range []*Subscription{a, b} {
		env := <-sub.C()
		assert.Equal(t, TypeRecorderState, env.Type)
		env = <-sub.C()
		assert.Equal(t, TypeRecorderProgress, env.Type)
		assert.Equal(t, int64(100), env.Payload.(RecorderProgress).ElapsedMillis)
		env = <-sub.C()
		assert.Equal(t, TypePlayerProgress, env.Type)
		assert.True(t, env.Payload.(PlayerProgress).IsFinished)
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)

	for i := 0; i < 5; i++ {
		h.RecorderProgress(RecorderProgress{ElapsedMillis: int64(i)})
	}
	assert.Equal(t, int64(4), slow.Dropped())

	env := <-slow.C()
	assert.Equal(t, int64(0), env.Payload.(RecorderProgress).ElapsedMillis)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	other := h.Subscribe(1)
	h.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	late := h.Subscribe(1)
	_, ok = <-late.C()
	require.False(t, ok)
}

func TestMulti(t *testing.T) {
	h1, h2 := NewHub(), NewHub()
	s1, s2 := h1.Subscribe(1), h2.Subscribe(1)

	Multi{h1, Discard{}, h2}.RecorderStateChanged(RecorderState{State: "stopped"})

	assert.Equal(t, "stopped", (<-s1.C()).Payload.(RecorderState).State)
	assert.Equal(t, "stopped", (<-s2.C()).Payload.(RecorderState).State)
}
