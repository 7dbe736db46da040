package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Kind: StreamStarted})

	select {
	case ev := <-ch:
		assert.Equal(t, StreamStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	unsub()

	_, ok := <-ch
	require.False(t, ok)
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: PeerConnected, Payload: "p1"})
	b.Publish(Event{Kind: PeerConnected, Payload: "p2"})

	ev := <-ch
	assert.Equal(t, "p2", ev.Payload)
}
