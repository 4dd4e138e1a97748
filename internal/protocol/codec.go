package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one client frame. The discriminator is read first and only
// the fields of the selected variant are decoded. Any failure is returned as
// a *DecodeError and affects this frame only.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}

	switch env.Type {
	case TypeCreate:
		var m Create
		if err := decodeVariant(data, env.Type, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeInput:
		var m Input
		if err := decodeVariant(data, env.Type, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, missingSessionID(env.Type)
		}
		return m, nil

	case TypeResize:
		var m Resize
		if err := decodeVariant(data, env.Type, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, missingSessionID(env.Type)
		}
		if m.Cols == 0 || m.Rows == 0 {
			return nil, &DecodeError{Type: env.Type, Reason: "cols and rows must be positive"}
		}
		return m, nil

	case TypeClose:
		var m Close
		if err := decodeVariant(data, env.Type, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, missingSessionID(env.Type)
		}
		return m, nil

	case "":
		return nil, &DecodeError{Reason: "missing type"}

	default:
		return nil, &DecodeError{Type: env.Type, Reason: "unknown type"}
	}
}

// DecodeOutbound parses one server frame. It is the client-side mirror of
// Encode.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}

	var m Outbound
	var err error
	switch env.Type {
	case TypeCreated:
		var v Created
		err = decodeVariant(data, env.Type, &v)
		m = v
	case TypeOutput:
		var v Output
		err = decodeVariant(data, env.Type, &v)
		m = v
	case TypeClosed:
		var v Closed
		err = decodeVariant(data, env.Type, &v)
		m = v
	case TypeError:
		var v Error
		err = decodeVariant(data, env.Type, &v)
		m = v
	default:
		return nil, &DecodeError{Type: env.Type, Reason: "unknown type"}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes a server frame.
func Encode(m Outbound) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.OutboundType(), err)
	}
	return data, nil
}

func decodeVariant(data []byte, t Type, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Type: t, Reason: "invalid fields", Err: err}
	}
	return nil
}

func missingSessionID(t Type) error {
	return &DecodeError{Type: t, Reason: "session_id is required"}
}

// TextDecoder turns a stream of PTY output chunks into JSON-safe strings.
//
// A multi-byte character split across two reads is held back and emitted
// with the next chunk. Bytes that are not valid UTF-8 are replaced with
// U+FFFD. A TextDecoder is not safe for concurrent use; each session read
// loop owns one.
type TextDecoder struct {
	pending []byte
}

// Decode converts one chunk.
func (d *TextDecoder) Decode(chunk []byte) string {
	var buf []byte
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	} else {
		buf = chunk
	}

	cut := incompleteSuffix(buf)
	if cut > 0 {
		d.pending = append([]byte(nil), buf[len(buf)-cut:]...)
		buf = buf[:len(buf)-cut]
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError))
}

// Flush returns whatever is still held back.
func (d *TextDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = nil
	return s
}

// incompleteSuffix reports how many trailing bytes of b form the valid
// start of a character that has not been completed yet.
func incompleteSuffix(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
