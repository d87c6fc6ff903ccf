package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linkbridge/protocol"
)

type deliveries struct {
	mu  sync.Mutex
	got []string
}

func (d *deliveries) add(v string) {
	d.mu.Lock()
	d.got = append(d.got, v)
	d.mu.Unlock()
}

func (d *deliveries) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.got...)
}

func seq(n int64) *protocol.Envelope {
	return protocol.New("item", map[string]any{"n": n})
}

func TestDeliveryQueuePreservesOrder(t *testing.T) {
	var got deliveries
	q := NewDeliveryQueue(func(peerID string, env *protocol.Envelope) error {
		n, _ := env.Int64("n")
		got.add(peerID + ":" + string(rune('a'+n)))
		return nil
	}, QueueOptions{})
	defer q.Close()

	for i := int64(0); i < 10; i++ {
		if err := q.Enqueue("p1", seq(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return len(got.list()) == 10 })
	for i, v := range got.list() {
		if want := "p1:" + string(rune('a'+i)); v != want {
			t.Fatalf("delivery %d: expected %s, got %s", i, want, v)
		}
	}
	if q.Len("p1") != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len("p1"))
	}
}

func TestDeliveryQueueDropsAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	var got deliveries
	q := NewDeliveryQueue(func(_ string, env *protocol.Envelope) error {
		if env.Type == "bad" {
			attempts.Add(1)
			return errors.New("boom")
		}
		got.add(env.Type)
		return nil
	}, QueueOptions{MaxRetries: 3, RetryDelay: time.Millisecond})
	defer q.Close()

	_ = q.Enqueue("p1", protocol.New("bad", nil))
	_ = q.Enqueue("p1", protocol.New("good", nil))

	waitFor(t, func() bool { return len(got.list()) == 1 })
	if n := attempts.Load(); n != 3 {
		t.Fatalf("expected 3 attempts before dropping, got %d", n)
	}
	if q.Len("p1") != 0 {
		t.Fatalf("expected dropped item gone, len=%d", q.Len("p1"))
	}
}

func TestDeliveryQueueParksWhilePeerUnavailable(t *testing.T) {
	var available atomic.Bool
	var got deliveries
	q := NewDeliveryQueue(func(_ string, env *protocol.Envelope) error {
		if !available.Load() {
			return ErrPeerUnavailable
		}
		got.add(env.Type)
		return nil
	}, QueueOptions{MaxRetries: 1, RetryDelay: time.Millisecond})
	defer q.Close()

	_ = q.Enqueue("p1", protocol.New("first", nil))
	_ = q.Enqueue("p1", protocol.New("second", nil))
	time.Sleep(20 * time.Millisecond)
	if q.Len("p1") != 2 {
		t.Fatalf("expected backlog kept while unavailable, got %d", q.Len("p1"))
	}

	available.Store(true)
	q.Flush("p1")
	waitFor(t, func() bool { return len(got.list()) == 2 })
	if l := got.list(); l[0] != "first" || l[1] != "second" {
		t.Fatalf("unexpected order %v", l)
	}
}

func TestDeliveryQueueCapacityDropsOldest(t *testing.T) {
	var available atomic.Bool
	var got deliveries
	q := NewDeliveryQueue(func(_ string, env *protocol.Envelope) error {
		if !available.Load() {
			return ErrPeerUnavailable
		}
		n, _ := env.Int64("n")
		got.add(string(rune('a' + n)))
		return nil
	}, QueueOptions{Capacity: 2})
	defer q.Close()

	for i := int64(0); i < 3; i++ {
		_ = q.Enqueue("p1", seq(i))
	}
	if q.Len("p1") != 2 {
		t.Fatalf("expected capacity to bound backlog, got %d", q.Len("p1"))
	}

	available.Store(true)
	q.Flush("p1")
	waitFor(t, func() bool { return len(got.list()) == 2 })
	if l := got.list(); l[0] != "b" || l[1] != "c" {
		t.Fatalf("expected oldest dropped, got %v", l)
	}
}

func TestDeliveryQueuePurgeAndClose(t *testing.T) {
	q := NewDeliveryQueue(func(string, *protocol.Envelope) error { return ErrPeerUnavailable }, QueueOptions{})

	_ = q.Enqueue("p1", protocol.New("a", nil))
	_ = q.Enqueue("p1", protocol.New("b", nil))
	if n := q.Purge("p1"); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if q.Purge("p1") != 0 {
		t.Fatalf("expected nothing left to purge")
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Enqueue("p1", protocol.New("late", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDeliveryQueueIsolatesPeers(t *testing.T) {
	release := make(chan struct{})
	var got deliveries
	q := NewDeliveryQueue(func(peerID string, _ *protocol.Envelope) error {
		if peerID == "slow" {
			<-release
		}
		got.add(peerID)
		return nil
	}, QueueOptions{})
	defer q.Close()
	defer close(release)

	_ = q.Enqueue("slow", protocol.New("x", nil))
	_ = q.Enqueue("fast", protocol.New("x", nil))
	waitFor(t, func() bool {
		l := got.list()
		return len(l) == 1 && l[0] == "fast"
	})
}
