package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	FieldType        = "type"
	FieldSource      = "source"
	FieldDestination = "destination"
	FieldContent     = "content"
	FieldTimestamp   = "timestamp"
	FieldStatus      = "status"
	FieldError       = "error"

	TypeKeepalive = "keepalive"
	TypeError     = "error"

	ReasonNotConnected = "destination not connected"
)

var (
	ErrInvalidJSON = errors.New("invalid JSON")
	ErrNotObject   = errors.New("envelope is not a JSON object")
)

var keepaliveLine = []byte(`{"type":"keepalive"}`)

// KeepaliveLine returns the liveness probe payload (without trailing newline).
func KeepaliveLine() []byte {
	return append([]byte(nil), keepaliveLine...)
}

// Envelope is one JSON object received from a client. Fields other than
// source are never re-encoded, so content reaches the peer byte-for-byte.
type Envelope struct {
	raw []byte
}

// DecodeEnvelope validates that line is a single UTF-8 encoded JSON object.
func DecodeEnvelope(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if !utf8.Valid(line) || !gjson.ValidBytes(line) {
		return Envelope{}, ErrInvalidJSON
	}
	if !gjson.ParseBytes(line).IsObject() {
		return Envelope{}, ErrNotObject
	}
	return Envelope{raw: append([]byte(nil), line...)}, nil
}

// Bytes returns the encoded envelope. Callers must not modify it.
func (e Envelope) Bytes() []byte {
	return e.raw
}

// Destination returns the destination field. A missing or non-string
// destination makes the envelope unroutable.
func (e Envelope) Destination() (string, bool) {
	r := gjson.GetBytes(e.raw, FieldDestination)
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// Type returns the type field, if any.
func (e Envelope) Type() string {
	return gjson.GetBytes(e.raw, FieldType).String()
}

// Source returns the source field, if any.
func (e Envelope) Source() string {
	return gjson.GetBytes(e.raw, FieldSource).String()
}

// Content returns the raw JSON text of the content field.
func (e Envelope) Content() string {
	return gjson.GetBytes(e.raw, FieldContent).Raw
}

// WithSource returns a copy of the envelope whose only source field is src.
// Every source key the client sent is dropped first, so parsers that keep
// the last duplicate see the same value as those that keep the first.
func (e Envelope) WithSource(src string) (Envelope, error) {
	out := append([]byte(nil), e.raw...)
	for gjson.GetBytes(out, FieldSource).Exists() {
		trimmed, err := sjson.DeleteBytes(out, FieldSource)
		if err != nil {
			return Envelope{}, fmt.Errorf("drop client source: %w", err)
		}
		if len(trimmed) >= len(out) {
			return Envelope{}, fmt.Errorf("drop client source: %w", ErrInvalidJSON)
		}
		out = trimmed
	}
	out, err := sjson.SetBytes(out, FieldSource, src)
	if err != nil {
		return Envelope{}, fmt.Errorf("rewrite source: %w", err)
	}
	return Envelope{raw: out}, nil
}

// FormatError builds the notification sent back to a sender whose destination is not connected.
func FormatError(destination, reason string) []byte {
	out := []byte(`{"type":"error"}`)
	out, _ = sjson.SetBytes(out, FieldError, reason)
	out, _ = sjson.SetBytes(out, FieldDestination, destination)
	return out
}

// StampTelemetry returns the telemetry copy of payload with status and an
// RFC 3339 UTC timestamp added. payload itself is left untouched.
func StampTelemetry(payload []byte, status string, ts time.Time) ([]byte, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, ErrNotObject
	}
	out := append([]byte(nil), payload...)
	var err error
	if status != "" {
		if out, err = sjson.SetBytes(out, FieldStatus, status); err != nil {
			return nil, fmt.Errorf("set status: %w", err)
		}
	}
	if out, err = sjson.SetBytes(out, FieldTimestamp, ts.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("set timestamp: %w", err)
	}
	return out, nil
}
