// Package envelope implements the OCPP wire-level frame: the JSON array
// envelope shared by every protocol version. It owns only the envelope
// (message_type_id, unique_id, action, payload); the per-message payload
// catalogues live in the ocpp version packages.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type is the OCPP message_type_id.
type Type int

const (
	Call       Type = 2
	CallResult Type = 3
	CallError  Type = 4
)

// Version tags which OCPP subprotocol an envelope belongs to.
type Version string

const (
	V16  Version = "ocpp1.6"
	V201 Version = "ocpp2.0.1"
	V21  Version = "ocpp2.1"
)

// Envelope is the decoded form of one wire frame.
type Envelope struct {
	UniqueID  string
	Type      Type
	Action    string          // set on Call; empty on CallResult/CallError
	Payload   json.RawMessage // Call/CallResult payload
	ErrorCode string          // CallError only
	ErrorDesc string          // CallError only
	ErrorDet  json.RawMessage // CallError only
}

// NewUniqueID produces a fresh UUIDv4 correlation id.
func NewUniqueID() string {
	return uuid.New().String()
}

// NewCall builds an outbound CALL envelope with a fresh unique id.
func NewCall(action string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal call payload: %w", err)
	}
	return Envelope{UniqueID: NewUniqueID(), Type: Call, Action: action, Payload: raw}, nil
}

// Encode renders an envelope to its wire JSON array form.
func Encode(e Envelope) ([]byte, error) {
	switch e.Type {
	case Call:
		return json.Marshal([]any{int(Call), e.UniqueID, e.Action, rawOrEmptyObject(e.Payload)})
	case CallResult:
		return json.Marshal([]any{int(CallResult), e.UniqueID, rawOrEmptyObject(e.Payload)})
	case CallError:
		det := e.ErrorDet
		if det == nil {
			det = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{int(CallError), e.UniqueID, e.ErrorCode, e.ErrorDesc, det})
	default:
		return nil, fmt.Errorf("envelope: unknown message type %d", e.Type)
	}
}

func rawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Decode parses one wire frame into an Envelope. A malformed frame is a
// protocol error the caller should turn into a CALLERROR, never a crash.
func Decode(data []byte) (Envelope, error) {
	var head []json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("envelope: not a JSON array: %w", err)
	}
	if len(head) < 3 {
		return Envelope{}, fmt.Errorf("envelope: frame too short (%d elements)", len(head))
	}

	var typ int
	if err := json.Unmarshal(head[0], &typ); err != nil {
		return Envelope{}, fmt.Errorf("envelope: message_type_id not numeric: %w", err)
	}

	var uniqueID string
	if err := json.Unmarshal(head[1], &uniqueID); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unique_id not a string: %w", err)
	}

	switch Type(typ) {
	case Call:
		if len(head) != 4 {
			return Envelope{}, fmt.Errorf("envelope: CALL frame must have 4 elements, got %d", len(head))
		}
		var action string
		if err := json.Unmarshal(head[2], &action); err != nil {
			return Envelope{}, fmt.Errorf("envelope: action not a string: %w", err)
		}
		return Envelope{UniqueID: uniqueID, Type: Call, Action: action, Payload: head[3]}, nil

	case CallResult:
		if len(head) != 3 {
			return Envelope{}, fmt.Errorf("envelope: CALLRESULT frame must have 3 elements, got %d", len(head))
		}
		return Envelope{UniqueID: uniqueID, Type: CallResult, Payload: head[2]}, nil

	case CallError:
		if len(head) != 5 {
			return Envelope{}, fmt.Errorf("envelope: CALLERROR frame must have 5 elements, got %d", len(head))
		}
		var code, desc string
		if err := json.Unmarshal(head[2], &code); err != nil {
			return Envelope{}, fmt.Errorf("envelope: errorCode not a string: %w", err)
		}
		_ = json.Unmarshal(head[3], &desc)
		return Envelope{UniqueID: uniqueID, Type: CallError, ErrorCode: code, ErrorDesc: desc, ErrorDet: head[4]}, nil

	default:
		return Envelope{}, fmt.Errorf("envelope: unknown message_type_id %d", typ)
	}
}

// NotImplemented builds the CALLERROR the facade replies with for any
// action it does not implement.
func NotImplemented(uniqueID, action string) Envelope {
	return Envelope{
		UniqueID:  uniqueID,
		Type:      CallError,
		ErrorCode: "NotImplemented",
		ErrorDesc: fmt.Sprintf("action %q is not implemented", action),
		ErrorDet:  json.RawMessage(`{}`),
	}
}

// ProtocolError builds the CALLERROR for a malformed inbound CALL whose
// unique id could still be recovered; pass "" if not recoverable.
func ProtocolError(uniqueID, code, desc string) Envelope {
	return Envelope{UniqueID: uniqueID, Type: CallError, ErrorCode: code, ErrorDesc: desc, ErrorDet: json.RawMessage(`{}`)}
}
