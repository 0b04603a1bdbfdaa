package ocppj

import (
	"bytes"
	"encoding/json"
	"fmt"

	"ocpp-gateway/internal/domain"
)

// MessageType is the leading integer tag of every OCPP-J frame.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "Call"
	case MessageTypeCallResult:
		return "CallResult"
	case MessageTypeCallError:
		return "CallError"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ErrorCode is an OCPP-J CallError error code.
type ErrorCode string

const (
	NotImplemented               ErrorCode = "NotImplemented"
	NotSupported                 ErrorCode = "NotSupported"
	InternalError                ErrorCode = "InternalError"
	ProtocolError                ErrorCode = "ProtocolError"
	SecurityError                ErrorCode = "SecurityError"
	FormationViolation           ErrorCode = "FormationViolation"
	PropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	OccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	TypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	GenericError                 ErrorCode = "GenericError"
)

// MaxUniqueIDLength is the longest unique id OCPP-J 1.6 permits.
const MaxUniqueIDLength = 36

var emptyObject = json.RawMessage("{}")

// Frame is one decoded OCPP-J message.
//
//	Call:       [2, uniqueId, action, payload]
//	CallResult: [3, uniqueId, payload]
//	CallError:  [4, uniqueId, errorCode, errorDescription, errorDetails]
type Frame struct {
	Type             MessageType
	UniqueID         string
	Action           string          // Call only
	Payload          json.RawMessage // Call and CallResult
	ErrorCode        ErrorCode       // CallError only
	ErrorDescription string          // CallError only
	ErrorDetails     json.RawMessage // CallError only
}

// CallFrame builds a Call frame.
func CallFrame(uniqueID, action string, payload json.RawMessage) Frame {
	return Frame{Type: MessageTypeCall, UniqueID: uniqueID, Action: action, Payload: payload}
}

// CallResultFrame builds a CallResult frame.
func CallResultFrame(uniqueID string, payload json.RawMessage) Frame {
	return Frame{Type: MessageTypeCallResult, UniqueID: uniqueID, Payload: payload}
}

// CallErrorFrame builds a CallError frame.
func CallErrorFrame(uniqueID string, code ErrorCode, description string, details json.RawMessage) Frame {
	return Frame{
		Type:             MessageTypeCallError,
		UniqueID:         uniqueID,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

// MarshalJSON encodes the frame as an OCPP-J array.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case MessageTypeCall:
		return json.Marshal([]any{f.Type, f.UniqueID, f.Action, orEmpty(f.Payload)})
	case MessageTypeCallResult:
		return json.Marshal([]any{f.Type, f.UniqueID, orEmpty(f.Payload)})
	case MessageTypeCallError:
		return json.Marshal([]any{f.Type, f.UniqueID, f.ErrorCode, f.ErrorDescription, orEmpty(f.ErrorDetails)})
	default:
		return nil, fmt.Errorf("encode frame: unknown message type %d", int(f.Type))
	}
}

// Encode is shorthand for json.Marshal on a frame.
func Encode(f Frame) ([]byte, error) {
	return f.MarshalJSON()
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return raw
}

// FrameError describes an inbound message that could not be decoded.
// UniqueID is set when it could be recovered from the malformed message,
// Type when the message type tag was readable.
type FrameError struct {
	Type     MessageType
	UniqueID string
	Code     ErrorCode
	Reason   string
}

func (e *FrameError) Error() string {
	if e.UniqueID != "" {
		return fmt.Sprintf("malformed frame %q: %s", e.UniqueID, e.Reason)
	}
	return "malformed frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return domain.ErrProtocolViolation }

// Replyable reports whether the peer should receive a CallError for this
// malformation. Broken replies are never answered.
func (e *FrameError) Replyable() bool {
	if e.UniqueID == "" {
		return false
	}
	return e.Type != MessageTypeCallResult && e.Type != MessageTypeCallError
}

// Decode parses an OCPP-J message. Any failure is returned as *FrameError.
func Decode(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, &FrameError{Code: ProtocolError, Reason: "message is not a JSON array"}
	}
	if len(parts) < 2 {
		return Frame{}, &FrameError{Code: ProtocolError, Reason: fmt.Sprintf("message has %d elements", len(parts))}
	}

	fe := &FrameError{Code: ProtocolError}
	var id string
	if err := json.Unmarshal(parts[1], &id); err == nil && id != "" {
		fe.UniqueID = id
	}

	var tag int
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		fe.Reason = "message type is not an integer"
		return Frame{}, fe
	}
	fe.Type = MessageType(tag)

	if fe.UniqueID == "" {
		fe.Reason = "unique id must be a non-empty string"
		return Frame{}, fe
	}
	if len(id) > MaxUniqueIDLength {
		fe.Reason = fmt.Sprintf("unique id longer than %d characters", MaxUniqueIDLength)
		return Frame{}, fe
	}

	switch fe.Type {
	case MessageTypeCall:
		return decodeCall(id, parts, fe)
	case MessageTypeCallResult:
		if len(parts) != 3 {
			fe.Reason = fmt.Sprintf("CallResult has %d elements, want 3", len(parts))
			return Frame{}, fe
		}
		return CallResultFrame(id, parts[2]), nil
	case MessageTypeCallError:
		return decodeCallError(id, parts, fe)
	default:
		fe.Code = NotSupported
		fe.Reason = fmt.Sprintf("unknown message type %d", tag)
		return Frame{}, fe
	}
}

func decodeCall(id string, parts []json.RawMessage, fe *FrameError) (Frame, error) {
	if len(parts) != 4 {
		fe.Reason = fmt.Sprintf("Call has %d elements, want 4", len(parts))
		return Frame{}, fe
	}
	var action string
	if err := json.Unmarshal(parts[2], &action); err != nil || action == "" {
		fe.Code = FormationViolation
		fe.Reason = "action must be a non-empty string"
		return Frame{}, fe
	}
	if !isObject(parts[3]) {
		fe.Code = FormationViolation
		fe.Reason = "payload must be a JSON object"
		return Frame{}, fe
	}
	return CallFrame(id, action, parts[3]), nil
}

func decodeCallError(id string, parts []json.RawMessage, fe *FrameError) (Frame, error) {
	if len(parts) != 5 {
		fe.Reason = fmt.Sprintf("CallError has %d elements, want 5", len(parts))
		return Frame{}, fe
	}
	var code, desc string
	if err := json.Unmarshal(parts[2], &code); err != nil {
		fe.Reason = "error code must be a string"
		return Frame{}, fe
	}
	if err := json.Unmarshal(parts[3], &desc); err != nil {
		fe.Reason = "error description must be a string"
		return Frame{}, fe
	}
	return CallErrorFrame(id, ErrorCode(code), desc, parts[4]), nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// CallError is a CallError received for, or returned from, a call. Handlers
// return it to reply with a specific error code.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

// NewError builds a CallError. details is marshalled to JSON; nil means {}.
func NewError(code ErrorCode, description string, details any) *CallError {
	e := &CallError{Code: code, Description: description}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = raw
		}
	}
	return e
}

func (e *CallError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("ocpp call error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("ocpp call error %s", e.Code)
}
