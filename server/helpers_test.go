package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"linkbridge/protocol"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within 5s")
}

// fakeConn records envelopes sent to one peer.
type fakeConn struct {
	mu     sync.Mutex
	got    []*protocol.Envelope
	closed bool
	fail   error
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	if c.closed {
		return errors.New("closed")
	}
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ofType(msgType string) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range c.got {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, env := range c.got {
		out = append(out, env.Type)
	}
	return out
}

// waitType blocks until conn received an envelope of msgType and returns the
// first one.
func (c *fakeConn) waitType(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	waitFor(t, func() bool { return len(c.ofType(msgType)) > 0 })
	return c.ofType(msgType)[0]
}

type routerFixture struct {
	registry *Registry
	queue    *DeliveryQueue
	router   *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{}
	f.registry = NewRegistry(RegistryOptions{OnRemove: func(id string) { f.queue.Purge(id) }})
	f.queue = NewDeliveryQueue(func(peerID string, env *protocol.Envelope) error {
		conn, ok := f.registry.Conn(peerID)
		if !ok {
			return ErrPeerUnavailable
		}
		return conn.Send(env)
	}, QueueOptions{RetryDelay: 5 * time.Millisecond})
	f.router = NewRouter(f.registry, f.queue, RouterOptions{})
	t.Cleanup(func() { _ = f.queue.Close() })
	return f
}

func (f *routerFixture) connect() (*fakeConn, string) {
	conn := &fakeConn{}
	return conn, f.registry.AddClient(conn, "127.0.0.1:1", "tcp")
}

func (f *routerFixture) connectAs(t *testing.T, platform string) (*fakeConn, string) {
	t.Helper()
	conn, id := f.connect()
	f.router.HandleEnvelope(id, protocol.New(protocol.TypeDeviceInfo, map[string]any{
		"deviceInfo": map[string]any{"platform": platform, "name": platform + "-device"},
	}))
	return conn, id
}
