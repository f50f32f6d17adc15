package sandbox

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanout(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)

	b.Publish(PortEvent{Port: 3000, URL: "http://localhost:3000", Open: true})

	for _, sub := range []<-chan PortEvent{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, 3000, ev.Port)
			assert.True(t, ev.Open)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBroadcasterSubscribeAfterPublishMissesEvent(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Publish(PortEvent{Port: 3000, Open: true})
	sub := b.Subscribe(ctx)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected replayed event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterUnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())

	sub := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// publishing after unsubscribe must not panic
	b.Publish(PortEvent{Port: 3000, Open: true})
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(context.Background())

	b.Close()

	_, ok := <-sub
	assert.False(t, ok)

	// subscribing after close yields a closed channel
	late := b.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
}

func TestWatchPortsDetectsOpenAndClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	port := ln.Addr().(*net.TCPAddr).Port

	events := make(chan PortEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go WatchPorts(ctx, []PortTarget{{Port: port, Addr: addr, URL: fmt.Sprintf("http://%s", addr)}},
		20*time.Millisecond, func(ev PortEvent) { events <- ev })

	select {
	case ev := <-events:
		assert.True(t, ev.Open)
		assert.Equal(t, port, ev.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no open event")
	}

	ln.Close()

	select {
	case ev := <-events:
		assert.False(t, ev.Open)
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
	}
}
