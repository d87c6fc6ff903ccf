package transport

import (
	"context"
	"io"

	"linkbridge/protocol"
)

// RadioDialer opens a serial-style channel to a paired device.
//
// Platform radio access lives outside this module; callers provide it.
type RadioDialer interface {
	DialRadio(ctx context.Context, deviceID string, channel int) (io.ReadWriteCloser, error)
}

// RadioDialerFunc adapts a function to RadioDialer.
type RadioDialerFunc func(ctx context.Context, deviceID string, channel int) (io.ReadWriteCloser, error)

// DialRadio calls f.
func (f RadioDialerFunc) DialRadio(ctx context.Context, deviceID string, channel int) (io.ReadWriteCloser, error) {
	return f(ctx, deviceID, channel)
}

// RadioStrategy connects by device identifier instead of host and port.
type RadioStrategy struct {
	*streamStrategy
}

// NewRadio builds a Bluetooth-style strategy. A nil dialer makes every
// Connect fail with ErrRadioUnavailable.
func NewRadio(options Options, dialer RadioDialer) *RadioStrategy {
	if options.Framing == "" {
		options.Framing = protocol.FramingNewline
	}
	dial := func(ctx context.Context, deviceID string, channel int, _ Options) (io.ReadWriteCloser, error) {
		if dialer == nil {
			return nil, ErrRadioUnavailable
		}
		return dialer.DialRadio(ctx, deviceID, channel)
	}
	return &RadioStrategy{streamStrategy: newStreamStrategy(TypeBluetooth, options, dial)}
}
