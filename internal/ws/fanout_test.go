package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shallabuf/collabd/internal/bus"
)

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	f := NewFanout()
	a := f.Subscribe("conn-a")
	b := f.Subscribe("conn-b")

	in := make(chan bus.BroadcastMessage, 1)
	go f.Run(in)

	in <- bus.BroadcastMessage{AppID: "app1", ChannelID: "chan1", Sender: "u1"}
	close(in)

	select {
	case msg := <-a:
		assert.Equal(t, "chan1", msg.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the message")
	}
	select {
	case msg := <-b:
		assert.Equal(t, "chan1", msg.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the message")
	}
}

func TestFanoutUnsubscribeStopsDelivery(t *testing.T) {
	f := NewFanout()
	a := f.Subscribe("conn-a")
	f.Unsubscribe("conn-a")

	_, stillOpen := <-a
	assert.False(t, stillOpen, "channel should be closed after unsubscribe")

	in := make(chan bus.BroadcastMessage, 1)
	go f.Run(in)
	in <- bus.BroadcastMessage{AppID: "app1", ChannelID: "chan1"}
	close(in)
	// Run must not panic or block sending to an unsubscribed (closed) channel.
	time.Sleep(20 * time.Millisecond)
}

func TestFanoutDropsForSlowSubscriberWithoutBlockingOthers(t *testing.T) {
	f := NewFanout()
	slow := f.Subscribe("slow")
	fast := f.Subscribe("fast")

	in := make(chan bus.BroadcastMessage, subscriberCapacity+10)
	go f.Run(in)

	for i := 0; i < subscriberCapacity+5; i++ {
		in <- bus.BroadcastMessage{ChannelID: "chan1"}
	}
	close(in)

	require.Eventually(t, func() bool {
		select {
		case <-fast:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// slow's buffer is full but the goroutine never blocked on it.
	assert.Len(t, slow, subscriberCapacity)
}

func TestMessageMatchesConnectionFiltersByAppAndRecipient(t *testing.T) {
	conn := &Connection{AppID: "app1", UserID: "u1"}

	assert.True(t, messageMatchesConnection(bus.BroadcastMessage{
		AppID: "app1", Sender: "u2", Recipients: []string{"u1", "u3"},
	}, conn))

	assert.False(t, messageMatchesConnection(bus.BroadcastMessage{
		AppID: "app2", Sender: "u2", Recipients: []string{"u1"},
	}, conn), "different app")

	assert.False(t, messageMatchesConnection(bus.BroadcastMessage{
		AppID: "app1", Sender: "u1", Recipients: []string{"u1"},
	}, conn), "sender is the connection's own user")

	assert.False(t, messageMatchesConnection(bus.BroadcastMessage{
		AppID: "app1", Sender: "u2", Recipients: []string{"u3"},
	}, conn), "connection's user not a recipient")
}
