// Package protocol defines the messages exchanged between an editing session
// and preview runtimes, and the envelope transports carry them in.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Type discriminates the Message union.
type Type string

const (
	TypeCode           Type = "CODE"
	TypeStatusReport   Type = "STATUS_REPORT"
	TypeResendCode     Type = "RESEND_CODE"
	TypeError          Type = "ERROR"
	TypeConsole        Type = "CONSOLE"
	TypeReload         Type = "RELOAD_SNACK"
	TypeRequestStatus  Type = "REQUEST_STATUS"
	TypeLoadingMessage Type = "LOADING_MESSAGE"
	TypePresence       Type = "PRESENCE"
)

// Presence actions. Join, leave and timeout come from pub/sub presence;
// connect and disconnect come from direct-channel lifecycle.
const (
	PresenceJoin       = "join"
	PresenceLeave      = "leave"
	PresenceTimeout    = "timeout"
	PresenceConnect    = "connect"
	PresenceDisconnect = "disconnect"
)

// Platforms reported by preview runtimes.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

// ErrPresenceParse is returned for presence events whose device payload
// cannot be decoded.
var ErrPresenceParse = errors.New("malformed presence payload")

// Device identifies a connected preview runtime.
type Device struct {
	ID          string `json:"id" cbor:"id"`
	DisplayName string `json:"name" cbor:"name"`
	Platform    string `json:"platform" cbor:"platform"`
}

// Metadata describes the session alongside a CODE message.
type Metadata struct {
	Name           string `json:"name,omitempty" cbor:"name,omitempty"`
	Description    string `json:"description,omitempty" cbor:"description,omitempty"`
	RuntimeVersion string `json:"runtimeVersion,omitempty" cbor:"runtimeVersion,omitempty"`
}

// ErrorInfo is the payload of an ERROR message.
type ErrorInfo struct {
	Message string `json:"message" cbor:"message"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`
	Line    int    `json:"line,omitempty" cbor:"line,omitempty"`
	Column  int    `json:"column,omitempty" cbor:"column,omitempty"`
}

// Message is the tagged union of everything sent over a channel. Only the
// fields belonging to Type are populated.
type Message struct {
	Type Type `json:"type" cbor:"type"`
	// ID is set once per publish. Copies of one publish delivered by
	// different transports share it; separate publishes never do.
	ID string `json:"id,omitempty" cbor:"id,omitempty"`

	// CODE
	Diff         map[string]string `json:"diff,omitempty" cbor:"diff,omitempty"`
	BlobRef      map[string]string `json:"blobRef,omitempty" cbor:"blobRef,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" cbor:"dependencies,omitempty"`
	Metadata     *Metadata         `json:"metadata,omitempty" cbor:"metadata,omitempty"`

	// STATUS_REPORT
	PreviewLocation string `json:"previewLocation,omitempty" cbor:"previewLocation,omitempty"`
	Status          string `json:"status,omitempty" cbor:"status,omitempty"`

	// RESEND_CODE, CONSOLE, ERROR, PRESENCE
	Device *Device `json:"device,omitempty" cbor:"device,omitempty"`

	// LOADING_MESSAGE
	Text string `json:"message,omitempty" cbor:"message,omitempty"`

	// CONSOLE
	Method  string `json:"method,omitempty" cbor:"method,omitempty"`
	Payload []any  `json:"payload,omitempty" cbor:"payload,omitempty"`

	// ERROR
	Error *ErrorInfo `json:"error,omitempty" cbor:"error,omitempty"`

	// PRESENCE
	Action string `json:"action,omitempty" cbor:"action,omitempty"`
}

// Envelope is what transports put on the wire: the message plus the
// sender's transport identity so subscribers can drop their own echoes.
type Envelope struct {
	Sender  string  `json:"sender"`
	Message Message `json:"message"`
}

// Stamp returns m with a fresh publish ID, unless it already carries one.
func Stamp(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return m
}

// Code builds a CODE message.
func Code(diff, blobRef, dependencies map[string]string, meta Metadata) Message {
	return Message{
		Type:         TypeCode,
		Diff:         diff,
		BlobRef:      blobRef,
		Dependencies: dependencies,
		Metadata:     &meta,
	}
}

// StatusReport builds a STATUS_REPORT message.
func StatusReport(previewLocation, status string) Message {
	return Message{Type: TypeStatusReport, PreviewLocation: previewLocation, Status: status}
}

// ResendCode builds a RESEND_CODE request on behalf of device.
func ResendCode(device Device) Message {
	return Message{Type: TypeResendCode, Device: &device}
}

// Loading builds a LOADING_MESSAGE.
func Loading(text string) Message {
	return Message{Type: TypeLoadingMessage, Text: text}
}

// Presence builds a PRESENCE event.
func Presence(action string, device Device) Message {
	return Message{Type: TypePresence, Action: action, Device: &device}
}

// Console builds a CONSOLE message.
func Console(device Device, method string, payload ...any) Message {
	return Message{Type: TypeConsole, Device: &device, Method: method, Payload: payload}
}

// Validate checks that a message carries the fields its type requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeCode:
		for path := range m.Diff {
			if path == "" {
				return fmt.Errorf("CODE: empty path in diff")
			}
		}
	case TypePresence:
		if m.Device == nil || m.Device.ID == "" {
			return fmt.Errorf("%w: missing device", ErrPresenceParse)
		}
		switch m.Action {
		case PresenceJoin, PresenceLeave, PresenceTimeout, PresenceConnect, PresenceDisconnect:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrPresenceParse, m.Action)
		}
	case TypeError:
		if m.Error == nil {
			return fmt.Errorf("ERROR: missing error payload")
		}
	case TypeStatusReport, TypeResendCode, TypeConsole, TypeReload,
		TypeRequestStatus, TypeLoadingMessage:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// ParseDevice decodes a device payload as sent in presence metadata.
func ParseDevice(raw string) (Device, error) {
	var d Device
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Device{}, fmt.Errorf("%w: %v", ErrPresenceParse, err)
	}
	if d.ID == "" {
		return Device{}, fmt.Errorf("%w: missing id", ErrPresenceParse)
	}
	return d, nil
}

// MarshalEnvelope serializes an envelope to JSON.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Message.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
