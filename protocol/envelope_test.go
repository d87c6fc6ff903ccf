package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeFlattensPayload(t *testing.T) {
	env := New(TypeFileTransfer, map[string]any{
		"action":     ActionChunk,
		"transferId": "transfer_1_abcd1234",
		"offset":     int64(1048576),
	}).WithRequestID(42)

	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode raw envelope: %v", err)
	}
	if fields["type"] != TypeFileTransfer {
		t.Fatalf("unexpected type field: %v", fields["type"])
	}
	if fields["requestId"] != float64(42) {
		t.Fatalf("unexpected requestId field: %v", fields["requestId"])
	}
	if fields["action"] != ActionChunk {
		t.Fatalf("payload field not flattened: %v", fields)
	}
	if _, ok := fields["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", fields)
	}
}

func TestEncodeOmitsAbsentRequestID(t *testing.T) {
	raw, err := Encode(New(TypeHeartbeat, nil))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode raw envelope: %v", err)
	}
	if _, ok := fields["requestId"]; ok {
		t.Fatalf("fire-and-forget envelope carries requestId: %s", raw)
	}
}

func TestParseAcceptsTextBinaryAndDecodedObjects(t *testing.T) {
	text := `{"type":"clipboard","requestId":7,"timestamp":1700000000000,"text":"hello"}`

	inputs := []any{
		text,
		[]byte(text),
		json.RawMessage(text),
		map[string]any{"type": "clipboard", "requestId": float64(7), "text": "hello"},
	}
	for _, input := range inputs {
		env, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%T) failed: %v", input, err)
		}
		if env.Type != TypeClipboard {
			t.Fatalf("Parse(%T) type = %q", input, env.Type)
		}
		if env.RequestID == nil || *env.RequestID != 7 {
			t.Fatalf("Parse(%T) requestId = %v", input, env.RequestID)
		}
		if env.String("text") != "hello" {
			t.Fatalf("Parse(%T) text = %q", input, env.String("text"))
		}
		if _, ok := env.Payload["type"]; ok {
			t.Fatalf("Parse(%T) left header field in payload", input)
		}
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []any{
		"",
		"not json",
		`["array"]`,
		`{"payload":1}`,
		`{"type":"x","requestId":"abc"}`,
		42,
	}
	for _, input := range cases {
		if _, err := Parse(input); err == nil {
			t.Fatalf("expected error for %v", input)
		}
	}

	_, err := Parse(`{"timestamp":1}`)
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestEnvelopeNumericAccessorsKeepPrecision(t *testing.T) {
	env, err := Parse(`{"type":"file_transfer","totalSize":9007199254740993,"chunkNumber":"4"}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	size, ok := env.Int64("totalSize")
	if !ok || size != 9007199254740993 {
		t.Fatalf("unexpected totalSize: %d %v", size, ok)
	}
	chunk, ok := env.Int64("chunkNumber")
	if !ok || chunk != 4 {
		t.Fatalf("unexpected chunkNumber: %d %v", chunk, ok)
	}
	if _, ok := env.Int64("missing"); ok {
		t.Fatalf("missing field reported as present")
	}
}

func TestEnvelopeBytesRoundTrip(t *testing.T) {
	env := New(TypeScreenFrame, nil).Set("data", []byte{0, 1, 2, 255})
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	data, err := decoded.Bytes("data")
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(data) != string([]byte{0, 1, 2, 255}) {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestNewResponseCarriesRequestID(t *testing.T) {
	id := int64(99)
	resp := NewResponse(&id, false, "Unknown message type: bogus")
	if resp.Type != TypeResponse {
		t.Fatalf("unexpected type %q", resp.Type)
	}
	if resp.RequestID == nil || *resp.RequestID != 99 {
		t.Fatalf("unexpected requestId %v", resp.RequestID)
	}
	if resp.Bool("success") {
		t.Fatalf("expected success=false")
	}
	if resp.String("error") == "" {
		t.Fatalf("expected error message")
	}
}
