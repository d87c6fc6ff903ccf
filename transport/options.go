package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"linkbridge/protocol"
)

const (
	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one write or request/response round trip.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultPollInterval is the HTTP push polling period.
	DefaultPollInterval = time.Second
	// DefaultWebSocketPath is the server websocket endpoint.
	DefaultWebSocketPath = "/ws"
)

// Options tunes a strategy. Zero values select defaults.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Compression    bool
	Framing        protocol.Framing
	PollInterval   time.Duration
	Path           string

	// ClientID identifies this device to request/response servers that cannot
	// infer identity from a connection.
	ClientID string
	// PinnedFingerprint restricts QUIC peers to one device key.
	PinnedFingerprint string

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Framing == "" {
		o.Framing = protocol.FramingLength
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Path == "" {
		o.Path = DefaultWebSocketPath
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) toMap() map[string]any {
	return map[string]any{
		"connectTimeoutMs": o.ConnectTimeout.Milliseconds(),
		"requestTimeoutMs": o.RequestTimeout.Milliseconds(),
		"compression":      o.Compression,
		"framing":          string(o.Framing),
		"pollIntervalMs":   o.PollInterval.Milliseconds(),
		"path":             o.Path,
	}
}

// apply merges values into a copy of o.
func (o Options) apply(values map[string]any) (Options, error) {
	for key, raw := range values {
		switch key {
		case "connectTimeoutMs", "requestTimeoutMs", "pollIntervalMs":
			ms, ok := toMillis(raw)
			if !ok || ms <= 0 {
				return o, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, key, raw)
			}
			d := time.Duration(ms) * time.Millisecond
			switch key {
			case "connectTimeoutMs":
				o.ConnectTimeout = d
			case "requestTimeoutMs":
				o.RequestTimeout = d
			default:
				o.PollInterval = d
			}
		case "compression":
			enabled, ok := raw.(bool)
			if !ok {
				return o, fmt.Errorf("%w: compression=%v", ErrInvalidConfig, raw)
			}
			o.Compression = enabled
		case "framing":
			name, _ := raw.(string)
			framing, err := protocol.ParseFraming(name)
			if err != nil {
				return o, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			o.Framing = framing
		case "path":
			path, ok := raw.(string)
			if !ok || path == "" || path[0] != '/' {
				return o, fmt.Errorf("%w: path=%v", ErrInvalidConfig, raw)
			}
			o.Path = path
		default:
			return o, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
		}
	}
	return o, nil
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case time.Duration:
		return n.Milliseconds(), true
	default:
		return 0, false
	}
}
