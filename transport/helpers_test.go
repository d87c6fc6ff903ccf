package transport

import (
	"sync"
	"testing"
	"time"

	"linkbridge/protocol"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type recorder struct {
	mu       sync.Mutex
	messages []*protocol.Envelope
	statuses []StatusEvent
}

func (r *recorder) OnMessage(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env)
}

func (r *recorder) OnStatus(event StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, event)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) message(i int) *protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[i]
}

func (r *recorder) lastStatus() (StatusEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return StatusEvent{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

func attach(s Strategy) *recorder {
	r := &recorder{}
	s.AddMessageListener(r)
	s.AddStatusListener(r)
	return r
}
