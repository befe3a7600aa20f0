package events

import (
	"testing"
	"time"

	"torrentresume/internal/domain"
)

func TestSubscribeFiltersByKind(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(4, domain.EventTorrentRemoved)
	bus.Publish(domain.Heartbeat{At: time.Now()})
	bus.Publish(domain.TorrentRemoved{ID: "abc"})

	select {
	case ev := <-sub.C:
		removed, ok := ev.(domain.TorrentRemoved)
		if !ok {
			t.Fatalf("got %T, want TorrentRemoved", ev)
		}
		if removed.ID != "abc" {
			t.Fatalf("ID = %q, want abc", removed.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %T", ev)
	default:
	}
}

func TestSubscribeWithoutKindsReceivesEverything(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(len(domain.AllEventKinds()))
	bus.Publish(domain.TorrentRemoved{ID: "a"})
	bus.Publish(domain.ResumeSaveFailed{ID: "a"})
	bus.Publish(domain.Heartbeat{})

	for i := 0; i < 3; i++ {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestHeartbeatDroppedWhenSubscriberFull(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(1)
	bus.Publish(domain.Heartbeat{})

	done := make(chan struct{})
	go func() {
		bus.Publish(domain.Heartbeat{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat publish blocked on a full subscriber")
	}
	if got := len(sub.C); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestTerminalEventBlocksUntilReceived(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(1)
	bus.Publish(domain.ResumeSaved{ID: "first"})

	done := make(chan struct{})
	go func() {
		bus.Publish(domain.ResumeSaved{ID: "second"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("terminal event publish did not wait for buffer space")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.C
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher not released after receive")
	}
	ev := <-sub.C
	if ev.(domain.ResumeSaved).ID != "second" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub := bus.Subscribe(1)
	bus.Publish(domain.TorrentRemoved{ID: "a"})

	done := make(chan struct{})
	go func() {
		bus.Publish(domain.TorrentRemoved{ID: "b"})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
}

func TestCloseClosesSubscriptions(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	late := bus.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Fatal("subscription on closed bus should be closed")
	}
	late.Unsubscribe()
	bus.Publish(domain.TorrentRemoved{ID: "ignored"})
}
