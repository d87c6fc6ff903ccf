package transport

import (
	"fmt"
	"io"
	"sync"

	"linkbridge/protocol"
)

// StreamConn runs framed envelope I/O over one byte stream.
//
// A background read loop hands each frame to the frame callback; the close
// callback fires exactly once when the stream ends for any reason.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	sendMu sync.Mutex

	onFrame func([]byte)
	onClose func(error)

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewStreamConn starts the read loop for rwc.
func NewStreamConn(rwc io.ReadWriteCloser, framing protocol.Framing, onFrame func([]byte), onClose func(error)) *StreamConn {
	sc := &StreamConn{
		rwc:     rwc,
		reader:  protocol.NewFrameReader(rwc, framing),
		writer:  protocol.NewFrameWriter(rwc, framing),
		onFrame: onFrame,
		onClose: onClose,
		closed:  make(chan struct{}),
	}
	go sc.readLoop()
	return sc
}

// Send writes one payload as a frame.
func (sc *StreamConn) Send(payload []byte) error {
	select {
	case <-sc.closed:
		if err := sc.Err(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()
	if err := sc.writer.WriteFrame(payload); err != nil {
		sc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Done is closed when the stream has ended.
func (sc *StreamConn) Done() <-chan struct{} {
	return sc.closed
}

// Err returns the terminal error, or nil after an orderly close.
func (sc *StreamConn) Err() error {
	sc.errMu.RLock()
	defer sc.errMu.RUnlock()
	return sc.closeErr
}

// Close terminates the stream.
func (sc *StreamConn) Close() error {
	sc.closeWithError(nil)
	return nil
}

func (sc *StreamConn) readLoop() {
	for {
		payload, err := sc.reader.ReadFrame()
		if err != nil {
			if protocol.IsClosed(err) {
				sc.closeWithError(nil)
			} else {
				sc.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		if sc.onFrame != nil {
			sc.onFrame(payload)
		}
	}
}

func (sc *StreamConn) closeWithError(err error) {
	sc.closeOnce.Do(func() {
		sc.errMu.Lock()
		sc.closeErr = err
		sc.errMu.Unlock()

		_ = sc.rwc.Close()
		close(sc.closed)
		if sc.onClose != nil {
			sc.onClose(err)
		}
	})
}
