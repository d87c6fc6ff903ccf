package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Envelope message types understood by the session layer.
const (
	TypeConnectionEstablished = "connection_established"
	TypeResponse              = "response"
	TypeError                 = "error"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeHeartbeat             = "heartbeat"
	TypeDeviceInfo            = "device_info"
	TypeDeviceDiscovered      = "device_discovered"
	TypeScreenFrame           = "screen_frame"
	TypeFileTransfer          = "file_transfer"
	TypeControlCommand        = "control_command"
	TypeClipboard             = "clipboard"
	TypeNotification          = "notification"
	TypeStartDeviceDiscovery  = "start_device_discovery"
	TypeStopDeviceDiscovery   = "stop_device_discovery"
	TypeGetDiscoveredDevices  = "get_discovered_devices"
	TypeGetConnectedDevices   = "get_connected_devices"
	TypeConnectDevice         = "connect_device"
	TypeDisconnectDevice      = "disconnect_device"
)

// File transfer actions carried in the "action" field of file_transfer envelopes.
const (
	ActionRequest         = "request"
	ActionChunk           = "chunk"
	ActionProgress        = "progress"
	ActionComplete        = "complete"
	ActionCancel          = "cancel"
	ActionDownloadRequest = "download_request"
)

// Error codes sent in error envelopes.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE_FORMAT"
	ErrorCodeUnknownType    = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeNoPrimary      = "NO_PRIMARY_DEVICE"
)

const (
	fieldType      = "type"
	fieldRequestID = "requestId"
	fieldTimestamp = "timestamp"
)

var (
	// ErrInvalidEnvelope indicates input that cannot be decoded as one envelope.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	// ErrMissingType indicates an envelope without a type tag.
	ErrMissingType = errors.New("protocol: envelope type is required")
)

// Envelope is the single unit exchanged over every transport.
//
// On the wire it is one flat JSON object: type, optional requestId, timestamp
// and the type specific fields held in Payload.
type Envelope struct {
	Type      string
	RequestID *int64
	Timestamp int64
	Payload   map[string]any
}

// New builds an envelope stamped with the current time.
func New(msgType string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// WithRequestID returns the envelope after setting its correlation id.
func (e *Envelope) WithRequestID(id int64) *Envelope {
	e.RequestID = &id
	return e
}

// ExpectsResponse reports whether the sender asked for a correlated response.
func (e *Envelope) ExpectsResponse() bool {
	return e.RequestID != nil
}

// Clone returns a copy with its own payload map.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   make(map[string]any, len(e.Payload)),
	}
	if e.RequestID != nil {
		id := *e.RequestID
		out.RequestID = &id
	}
	for k, v := range e.Payload {
		out.Payload[k] = v
	}
	return out
}

// Set stores one payload field and returns the envelope.
func (e *Envelope) Set(key string, value any) *Envelope {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// String returns a payload field as string, or "" when missing.
func (e *Envelope) String(key string) string {
	switch v := e.Payload[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns a numeric payload field. Numeric strings are accepted.
func (e *Envelope) Int64(key string) (int64, bool) {
	return toInt64(e.Payload[key])
}

// Bool returns a boolean payload field.
func (e *Envelope) Bool(key string) bool {
	v, _ := e.Payload[key].(bool)
	return v
}

// Bytes decodes a base64 payload field.
func (e *Envelope) Bytes(key string) ([]byte, error) {
	raw, ok := e.Payload[key]
	if !ok {
		return nil, fmt.Errorf("field %q: %w", key, ErrInvalidEnvelope)
	}
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("field %q has type %T: %w", key, raw, ErrInvalidEnvelope)
	}
}

// Map returns a nested object field.
func (e *Envelope) Map(key string) map[string]any {
	v, _ := e.Payload[key].(map[string]any)
	return v
}

// MarshalJSON flattens the payload next to the header fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out[fieldType] = e.Type
	out[fieldTimestamp] = e.Timestamp
	if e.RequestID != nil {
		out[fieldRequestID] = *e.RequestID
	} else {
		delete(out, fieldRequestID)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat JSON object into header fields and payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if fields == nil {
		return ErrInvalidEnvelope
	}
	return e.fromMap(fields)
}

func (e *Envelope) fromMap(fields map[string]any) error {
	msgType, _ := fields[fieldType].(string)
	if msgType == "" {
		return ErrMissingType
	}

	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		payload[k] = v
	}
	delete(payload, fieldType)
	delete(payload, fieldTimestamp)
	delete(payload, fieldRequestID)

	*e = Envelope{Type: msgType, Payload: payload}
	if ts, ok := toInt64(fields[fieldTimestamp]); ok {
		e.Timestamp = ts
	}
	if raw, present := fields[fieldRequestID]; present && raw != nil {
		id, ok := toInt64(raw)
		if !ok {
			return fmt.Errorf("%w: requestId %v is not numeric", ErrInvalidEnvelope, raw)
		}
		e.RequestID = &id
	}
	return nil
}

// Encode marshals an envelope to its JSON wire form.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Type == "" {
		return nil, ErrMissingType
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", env.Type, err)
	}
	return payload, nil
}

// Parse decodes exactly one envelope from text, binary or an already decoded object.
func Parse(raw any) (*Envelope, error) {
	switch v := raw.(type) {
	case *Envelope:
		if v == nil || v.Type == "" {
			return nil, ErrMissingType
		}
		return v, nil
	case Envelope:
		return Parse(&v)
	case []byte:
		return parseBytes(v)
	case json.RawMessage:
		return parseBytes(v)
	case string:
		return parseBytes([]byte(v))
	case map[string]any:
		var env Envelope
		if err := env.fromMap(v); err != nil {
			return nil, err
		}
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: unsupported input %T", ErrInvalidEnvelope, raw)
	}
}

func parseBytes(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidEnvelope)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMissingType) || errors.Is(err, ErrInvalidEnvelope) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &env, nil
}

// NewResponse builds the correlated reply to a request.
func NewResponse(requestID *int64, success bool, errMessage string) *Envelope {
	env := New(TypeResponse, map[string]any{"success": success})
	if errMessage != "" {
		env.Payload["error"] = errMessage
	}
	if requestID != nil {
		env.WithRequestID(*requestID)
	}
	return env
}

// NewError builds an error-kind envelope with a machine readable code.
func NewError(code, message string) *Envelope {
	return New(TypeError, map[string]any{
		"errorCode": code,
		"message":   message,
	})
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
