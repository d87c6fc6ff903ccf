// Package transport implements the uniform connection contract over each
// supported network protocol.
package transport

import (
	"context"
	"errors"

	"linkbridge/protocol"
)

// Strategy type names. The coordinator keys its registry by these.
const (
	TypeTCP       = "tcp"
	TypeWebSocket = "websocket"
	TypeHTTP      = "http"
	TypeUDP       = "udp"
	TypeQUIC      = "quic"
	TypeBluetooth = "bluetooth"
)

var (
	// ErrConnectionFailed indicates a transport could not be established or was lost.
	ErrConnectionFailed = errors.New("transport: connection failed")
	// ErrNotConnected indicates a send without an established connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTimeout indicates no response within the configured bound.
	ErrTimeout = errors.New("transport: timed out")
	// ErrDatagramTooLarge indicates an envelope that does not fit one datagram.
	ErrDatagramTooLarge = errors.New("transport: envelope exceeds datagram size")
	// ErrRadioUnavailable indicates no radio dialer was provided.
	ErrRadioUnavailable = errors.New("transport: radio dialer unavailable")
	// ErrInvalidConfig indicates a rejected UpdateConfig value.
	ErrInvalidConfig = errors.New("transport: invalid config")
)

// Strategy is one concrete network protocol behind the uniform connection contract.
type Strategy interface {
	// Connect establishes the transport. For radio transports address is the
	// device identifier and port the channel.
	Connect(ctx context.Context, address string, port int) error
	// Disconnect is idempotent and always safe to call.
	Disconnect() error
	// Send transmits one envelope. Delivery guarantees depend on the transport.
	Send(env *protocol.Envelope) error
	IsConnected() bool
	Type() string

	Config() map[string]any
	UpdateConfig(values map[string]any) error

	AddStatusListener(listener StatusListener) uint64
	RemoveStatusListener(token uint64)
	AddMessageListener(listener MessageListener) uint64
	RemoveMessageListener(token uint64)
}

// StatusEvent describes a connect or disconnect transition.
type StatusEvent struct {
	Type      string
	Connected bool
	Address   string
	Err       error
}

// StatusListener receives connection transitions.
type StatusListener interface {
	OnStatus(event StatusEvent)
}

// MessageListener receives parsed inbound envelopes.
type MessageListener interface {
	OnMessage(env *protocol.Envelope)
}

// StatusFunc adapts a function to StatusListener.
type StatusFunc func(event StatusEvent)

// OnStatus calls f(event).
func (f StatusFunc) OnStatus(event StatusEvent) { f(event) }

// MessageFunc adapts a function to MessageListener.
type MessageFunc func(env *protocol.Envelope)

// OnMessage calls f(env).
func (f MessageFunc) OnMessage(env *protocol.Envelope) { f(env) }
