package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (16 MB).
	MaxFrameSize = 16 * 1024 * 1024
	// MaxDatagramSize bounds one envelope sent as a single datagram.
	MaxDatagramSize = 64 * 1024
)

// Framing selects how envelopes are delimited on stream transports.
type Framing string

const (
	// FramingLength prefixes each payload with a 4-byte big-endian length.
	FramingLength Framing = "length"
	// FramingNewline terminates each payload with '\n'.
	FramingNewline Framing = "newline"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrUnknownFraming indicates an unsupported framing name.
	ErrUnknownFraming = errors.New("protocol: unknown framing")
)

// ParseFraming validates a framing name; "" selects FramingLength.
func ParseFraming(name string) (Framing, error) {
	switch Framing(name) {
	case "", FramingLength:
		return FramingLength, nil
	case FramingNewline:
		return FramingNewline, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFraming, name)
	}
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// FrameWriter writes delimited payloads to a stream.
type FrameWriter struct {
	w       io.Writer
	framing Framing
}

// NewFrameWriter wraps w with the given framing.
func NewFrameWriter(w io.Writer, framing Framing) *FrameWriter {
	return &FrameWriter{w: w, framing: framing}
}

// WriteFrame writes one payload. Callers serialize concurrent writes.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if fw.framing != FramingNewline {
		return WriteFrame(fw.w, payload)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("%w: payload contains a newline", ErrInvalidEnvelope)
	}

	line := make([]byte, len(payload)+1)
	copy(line, payload)
	line[len(payload)] = '\n'
	if _, err := fw.w.Write(line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// FrameReader reads delimited payloads from a stream.
type FrameReader struct {
	r       io.Reader
	framing Framing
	scanner *bufio.Scanner
}

// NewFrameReader wraps r with the given framing.
func NewFrameReader(r io.Reader, framing Framing) *FrameReader {
	fr := &FrameReader{r: r, framing: framing}
	if framing == FramingNewline {
		fr.scanner = bufio.NewScanner(r)
		fr.scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize+1)
	}
	return fr
}

// ReadFrame returns the next payload. Empty lines are skipped.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if fr.scanner == nil {
		return ReadFrame(fr.r)
	}
	for fr.scanner.Scan() {
		line := bytes.TrimSpace(fr.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := fr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err marks an orderly end of stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
