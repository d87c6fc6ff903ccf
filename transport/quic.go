package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"linkbridge/identity"
	"linkbridge/protocol"
)

// QUICProtocol is the ALPN token for envelope streams over QUIC.
const QUICProtocol = "linkbridge/1"

// QUICStrategy frames envelopes over one bidirectional QUIC stream.
type QUICStrategy struct {
	*streamStrategy
}

// NewQUIC builds a QUIC strategy. Set Options.PinnedFingerprint to require a
// specific server key.
func NewQUIC(options Options) *QUICStrategy {
	return &QUICStrategy{streamStrategy: newStreamStrategy(TypeQUIC, options, dialQUIC)}
}

// QUICConfig is shared by the client strategy and the server listener.
func QUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

func dialQUIC(ctx context.Context, address string, port int, opts Options) (io.ReadWriteCloser, error) {
	tlsConf := identity.ClientTLSConfig(opts.PinnedFingerprint, QUICProtocol)
	conn, err := quic.DialAddr(ctx, endpoint(address, port), tlsConf, QUICConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	// Streams are only announced to the peer once data flows; an empty frame
	// lets the server accept the stream right away.
	if err := protocol.NewFrameWriter(stream, opts.Framing).WriteFrame(nil); err != nil {
		_ = conn.CloseWithError(0, "announce stream failed")
		return nil, fmt.Errorf("announce quic stream: %w", err)
	}
	return &QUICStream{Stream: stream, Conn: conn}, nil
}

// QUICStream closes its connection together with the stream.
type QUICStream struct {
	*quic.Stream
	Conn *quic.Conn
}

// Close closes the stream and its connection.
func (s *QUICStream) Close() error {
	_ = s.Stream.Close()
	return s.Conn.CloseWithError(0, "closed")
}
