package events

import (
	"bytes"
	"log"
	"testing"
	"time"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(log.New(&bytes.Buffer{}, "", 0))
}

func TestBroadcaster_RegisterThenPublishDeliversEnvelope(t *testing.T) {
	b := newTestBroadcaster()
	go b.Run()
	defer b.Shutdown()

	c := &Client{ID: "test", Send: make(chan Envelope, 4)}
	b.Register(c)
	waitUntil(t, func() bool { return b.ClientCount() == 1 })

	b.Publish(KindFill, map[string]string{"symbol": "AAPL"})

	select {
	case env := <-c.Send:
		if env.Type != KindFill {
			t.Fatalf("expected kind %q, got %q", KindFill, env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBroadcaster_UnregisterClosesSendChannel(t *testing.T) {
	b := newTestBroadcaster()
	go b.Run()
	defer b.Shutdown()

	c := &Client{ID: "test", Send: make(chan Envelope, 4)}
	b.Register(c)
	waitUntil(t, func() bool { return b.ClientCount() == 1 })

	b.Unregister(c)
	waitUntil(t, func() bool { return b.ClientCount() == 0 })

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Fatal("expected Send channel to be closed after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send channel to close")
	}
}

func TestBroadcaster_SlowClientDoesNotBlockOthers(t *testing.T) {
	b := newTestBroadcaster()
	go b.Run()
	defer b.Shutdown()

	slow := &Client{ID: "slow", Send: make(chan Envelope)} // unbuffered, never read
	fast := &Client{ID: "fast", Send: make(chan Envelope, 4)}
	b.Register(slow)
	b.Register(fast)
	waitUntil(t, func() bool { return b.ClientCount() == 2 })

	b.Publish(KindHalt, "halted")

	select {
	case <-fast.Send:
	case <-time.After(time.Second):
		t.Fatal("fast client never received event; a slow client blocked the broadcaster")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
