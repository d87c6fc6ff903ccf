package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// TCPStrategy frames envelopes over a TCP stream.
type TCPStrategy struct {
	*streamStrategy
}

// NewTCP builds a TCP strategy. Framing defaults to length-prefixed.
func NewTCP(options Options) *TCPStrategy {
	return &TCPStrategy{streamStrategy: newStreamStrategy(TypeTCP, options, dialTCP)}
}

func dialTCP(ctx context.Context, address string, port int, _ Options) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, "tcp", endpoint(address, port))
}
