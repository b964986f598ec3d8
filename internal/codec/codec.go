// Package codec converts message units to envelopes and acks to bytes.
//
// A message unit is a JSON object:
//
//	{"type": "mpp", "data": {...}, "metadata": {...}}
//
// and is answered with
//
//	{"status": "ok"|"rejected"|"error", "reason": "..."}
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// =============================================================================
// Decode
// =============================================================================

// DecodeErrorKind distinguishes unreadable messages from incomplete ones.
type DecodeErrorKind int

const (
	Malformed DecodeErrorKind = iota + 1
	MissingField
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingField:
		return "missing field"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Unwrap exposes the matching sentinel and, when present, the cause.
func (e *DecodeError) Unwrap() []error {
	sentinel := errors.ErrMalformed
	if e.Kind == MissingField {
		sentinel = errors.ErrMissingField
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func malformed(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: Malformed, Detail: fmt.Sprintf(format, args...), Err: err}
}

func missing(field string) *DecodeError {
	return &DecodeError{Kind: MissingField, Detail: field}
}

// message is the raw shape of a message unit. Fields are kept raw so that a
// non-object data member is reported as malformed rather than ignored.
// "kind" is accepted as a spelling of "type".
type message struct {
	Type     *string         `json:"type"`
	Kind     *string         `json:"kind"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

// Decode parses one message unit. It has no side effects. Numbers in data and
// metadata decode as json.Number.
func Decode(b []byte) (*measurement.Envelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, malformed(nil, "empty message")
	}

	var msg message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, malformed(err, "invalid json")
	}

	if msg.Type == nil || *msg.Type == "" {
		msg.Type = msg.Kind
	}
	if msg.Type == nil || *msg.Type == "" {
		return nil, missing("type")
	}
	kind, err := measurement.ParseKind(*msg.Type)
	if err != nil {
		return nil, malformed(err, "unknown type %q", *msg.Type)
	}

	if isNull(msg.Data) {
		return nil, missing("data")
	}
	data, err := object(msg.Data)
	if err != nil {
		return nil, malformed(err, "data is not an object")
	}
	if len(data) == 0 {
		return nil, missing("data")
	}

	meta := map[string]any{}
	if !isNull(msg.Metadata) {
		meta, err = object(msg.Metadata)
		if err != nil {
			return nil, malformed(err, "metadata is not an object")
		}
	}

	return &measurement.Envelope{Kind: kind, Payload: data, Metadata: meta}, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func object(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.ErrInvalidPayload
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// =============================================================================
// Encode
// =============================================================================

// Encode renders an envelope as a message unit. Payload values are written
// as-is; the result decodes back to an equivalent envelope.
func Encode(env *measurement.Envelope) ([]byte, error) {
	if env == nil || !env.Kind.Valid() {
		return nil, errors.ErrUnknownKind
	}
	out := struct {
		Type     string         `json:"type"`
		Data     map[string]any `json:"data"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{
		Type:     env.Kind.String(),
		Data:     env.Payload,
		Metadata: env.Metadata,
	}
	return json.Marshal(out)
}

// =============================================================================
// Ack
// =============================================================================

// Status is the outcome reported to the sender of a message unit.
type Status string

const (
	StatusOK       Status = "ok"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Ack is the response to one message unit.
type Ack struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// OK is the success ack.
var OK = Ack{Status: StatusOK}

// Rejected returns a rejected ack.
func Rejected(reason string) Ack { return Ack{Status: StatusRejected, Reason: reason} }

// Failed returns an error ack.
func Failed(reason string) Ack { return Ack{Status: StatusError, Reason: reason} }

// EncodeAck renders an ack.
func EncodeAck(a Ack) ([]byte, error) {
	if a.Status == "" {
		return nil, fmt.Errorf("encode ack: %w", errors.ErrMissingField)
	}
	return json.Marshal(a)
}

// DecodeAck parses an ack, as sent back to clients.
func DecodeAck(b []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(bytes.TrimSpace(b), &a); err != nil {
		return Ack{}, malformed(err, "invalid ack")
	}
	switch a.Status {
	case StatusOK, StatusRejected, StatusError:
		return a, nil
	default:
		return Ack{}, malformed(nil, "unknown ack status %q", a.Status)
	}
}
