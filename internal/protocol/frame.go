// Package protocol implements the U-WBP v2 frame codec: JSON frames over
// WebSocket, correlated by id, with system operations for handshake,
// heartbeat, and authentication.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version spoken by this hub.
const Version = "2.0"

// FrameType discriminates the five wire message kinds.
type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeEvent    FrameType = "event"
	TypeSystem   FrameType = "system"
	TypeError    FrameType = "error"
)

// WebSocket close codes used by the hub.
const (
	CloseNormal      = 1000 // clean shutdown or system.disconnect
	CloseAuthTimeout = 1002 // not authenticated within the deadline
	CloseAuthFailed  = 1008 // credential rejection
	CloseTooBig      = 1009 // frame over the size cap
	CloseInternal    = 1011 // heartbeat loss or internal failure
	CloseReplaced    = 1013 // superseded by a newer connection for the same server
)

// Protocol timing constants. These are contract values, not tunables: a
// connector compiled against one hub must behave identically against another.
const (
	AuthTimeout        = 10 * time.Second
	HeartbeatInterval  = 30 * time.Second
	HeartbeatTimeout   = 5 * time.Second
	HeartbeatMaxMisses = 2

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxFrameBytes  = 1 * 1024 * 1024
	DefaultSendQueueSize  = 1024
)

// Frame is one U-WBP v2 message. Data stays raw until a handler decodes it
// into a typed struct.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo is the error payload on type "error" frames.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request frame with a fresh id.
func NewRequest(op string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode request %s: %w", op, err)
	}
	return &Frame{
		Type:      TypeRequest,
		ID:        uuid.NewString(),
		Op:        op,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
		Data:      raw,
	}, nil
}

// NewResponse builds a response frame correlated to a request id.
func NewResponse(id string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode response: %w", err)
	}
	return &Frame{
		Type:      TypeResponse,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
		Data:      raw,
	}, nil
}

// NewEvent builds an event frame. Events carry a fresh id for tracing but
// are never correlated.
func NewEvent(op string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event %s: %w", op, err)
	}
	return &Frame{
		Type:      TypeEvent,
		ID:        uuid.NewString(),
		Op:        op,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
		Data:      raw,
	}, nil
}

// NewSystem builds a system frame (handshake, ping/pong, auth, disconnect).
func NewSystem(op string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode system %s: %w", op, err)
	}
	return &Frame{
		Type:      TypeSystem,
		ID:        uuid.NewString(),
		Op:        op,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
		Data:      raw,
	}, nil
}

// NewError builds an error frame. When replying to a specific frame, id is
// the offending frame's id; otherwise it may be empty.
func NewError(id, code, message string) *Frame {
	return &Frame{
		Type:      TypeError,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
		Error:     &ErrorInfo{Code: code, Message: message},
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return b, nil
}

// Decode parses and structurally validates one inbound frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the structural schema of a frame. It does not inspect Data.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeRequest, TypeResponse, TypeEvent, TypeSystem, TypeError:
	case "":
		return fmt.Errorf("protocol: frame type is required")
	default:
		return fmt.Errorf("protocol: unknown frame type %q", f.Type)
	}
	if f.Version == "" {
		return fmt.Errorf("protocol: frame version is required")
	}
	if f.Version != Version {
		return fmt.Errorf("protocol: unsupported version %q (hub speaks %s)", f.Version, Version)
	}
	switch f.Type {
	case TypeRequest, TypeResponse:
		if f.ID == "" {
			return fmt.Errorf("protocol: %s frame requires an id", f.Type)
		}
	}
	switch f.Type {
	case TypeRequest, TypeEvent, TypeSystem:
		if f.Op == "" {
			return fmt.Errorf("protocol: %s frame requires an op", f.Type)
		}
	}
	if f.Type == TypeError && f.Error == nil {
		return fmt.Errorf("protocol: error frame requires an error payload")
	}
	return nil
}

// DecodeData unmarshals the frame payload into v.
func (f *Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("protocol: frame %s has no data", f.Op)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s data: %w", f.Op, err)
	}
	return nil
}
