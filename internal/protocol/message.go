// Package protocol implements the JSON control protocol spoken over the
// terminal WebSocket.
//
// Every frame is a JSON object whose "type" field selects the variant.
// Clients send create, input, resize and close frames; the server answers
// with created, output, closed and error frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in the "type" field of every frame.
type Type string

const (
	// Client -> Server
	TypeCreate Type = "create"
	TypeInput  Type = "input"
	TypeResize Type = "resize"
	TypeClose  Type = "close"

	// Server -> Client
	TypeCreated Type = "created"
	TypeOutput  Type = "output"
	TypeClosed  Type = "closed"
	TypeError   Type = "error"
)

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("protocol: cannot decode frame")

// DecodeError describes why a single frame was rejected.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("protocol: %q frame: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// Inbound is a frame sent by the client.
type Inbound interface {
	InboundType() Type
}

// Outbound is a frame sent by the server.
type Outbound interface {
	OutboundType() Type
}

// Create asks the server to spawn a new shell session. ID is optional; when
// empty the server generates one.
type Create struct {
	ID string `json:"id,omitempty"`
}

// Input carries raw keystrokes for a session.
type Input struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Resize changes the terminal geometry of a session.
type Resize struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// Close terminates a session.
type Close struct {
	SessionID string `json:"session_id"`
}

func (Create) InboundType() Type { return TypeCreate }
func (Input) InboundType() Type  { return TypeInput }
func (Resize) InboundType() Type { return TypeResize }
func (Close) InboundType() Type  { return TypeClose }

// Created acknowledges a successful create.
type Created struct {
	SessionID string `json:"session_id"`
}

// Output carries terminal output for a session.
type Output struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Closed reports that a session has ended. It is sent exactly once per
// session and is always the last frame for that session.
type Closed struct {
	SessionID string `json:"session_id"`
}

// Error reports a failed request that is not tied to a live session.
type Error struct {
	Message string `json:"message"`
}

func (Created) OutboundType() Type { return TypeCreated }
func (Output) OutboundType() Type  { return TypeOutput }
func (Closed) OutboundType() Type  { return TypeClosed }
func (Error) OutboundType() Type   { return TypeError }

func (m Created) MarshalJSON() ([]byte, error) {
	type alias Created
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeCreated, alias(m)})
}

func (m Output) MarshalJSON() ([]byte, error) {
	type alias Output
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeOutput, alias(m)})
}

func (m Closed) MarshalJSON() ([]byte, error) {
	type alias Closed
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeClosed, alias(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeError, alias(m)})
}
