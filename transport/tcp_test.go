package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"linkbridge/protocol"
)

func listenTCP(t *testing.T) (net.Listener, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr).Port
}

func TestTCPStrategyExchangesFramedEnvelopes(t *testing.T) {
	listener, port := listenTCP(t)

	serverGot := make(chan *protocol.Envelope, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		env, err := protocol.Parse(payload)
		if err != nil {
			return
		}
		serverGot <- env

		reply, _ := protocol.Encode(protocol.NewResponse(env.RequestID, true, ""))
		_ = protocol.WriteFrame(conn, reply)

		// Hold the connection until the client hangs up.
		_, _ = protocol.ReadFrame(conn)
	}()

	strategy := NewTCP(Options{})
	rec := attach(strategy)

	if err := strategy.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !strategy.IsConnected() {
		t.Fatalf("expected connected")
	}
	if status, ok := rec.lastStatus(); !ok || !status.Connected || status.Type != TypeTCP {
		t.Fatalf("expected connected status event, got %+v", status)
	}

	if err := strategy.Send(protocol.New(protocol.TypeHeartbeat, nil).WithRequestID(5)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case env := <-serverGot:
		if env.Type != protocol.TypeHeartbeat {
			t.Fatalf("server got type %q", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive envelope")
	}

	waitForCondition(t, 2*time.Second, func() bool { return rec.messageCount() == 1 })
	reply := rec.message(0)
	if reply.Type != protocol.TypeResponse || reply.RequestID == nil || *reply.RequestID != 5 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if err := strategy.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if strategy.IsConnected() {
		t.Fatalf("expected disconnected")
	}
	if status, _ := rec.lastStatus(); status.Connected {
		t.Fatalf("expected disconnected status event")
	}
}

func TestTCPStrategyDetectsRemoteClose(t *testing.T) {
	listener, port := listenTCP(t)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	strategy := NewTCP(Options{})
	if err := strategy.Connect(context.Background(), "127.0.0.1", port); err != nil {
		// The close can race the connect; both outcomes end disconnected.
		if !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("unexpected connect error: %v", err)
		}
	}
	waitForCondition(t, 2*time.Second, func() bool { return !strategy.IsConnected() })
	if err := strategy.Send(protocol.New(protocol.TypeHeartbeat, nil)); err == nil {
		t.Fatalf("expected send after remote close to fail")
	}
}

func TestTCPStrategyConnectFailure(t *testing.T) {
	listener, port := listenTCP(t)
	_ = listener.Close()

	strategy := NewTCP(Options{ConnectTimeout: 500 * time.Millisecond})
	err := strategy.Connect(context.Background(), "127.0.0.1", port)
	if err == nil {
		t.Fatalf("expected connect to closed port to fail")
	}
	if !errors.Is(err, ErrConnectionFailed) && !errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected error class: %v", err)
	}
	if strategy.IsConnected() {
		t.Fatalf("expected disconnected after failure")
	}
}

func TestTCPStrategyNewlineFraming(t *testing.T) {
	listener, port := listenTCP(t)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(`{"type":"notification","title":"a"}` + "\n" + `{"type":"notification","title":"b"}` + "\n"))
		time.Sleep(500 * time.Millisecond)
	}()

	strategy := NewTCP(Options{Framing: protocol.FramingNewline})
	rec := attach(strategy)
	if err := strategy.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer strategy.Disconnect()

	waitForCondition(t, 2*time.Second, func() bool { return rec.messageCount() == 2 })
	if rec.message(1).String("title") != "b" {
		t.Fatalf("unexpected second message %+v", rec.message(1))
	}
}
