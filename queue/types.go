// Package queue orders, persists, retries, and dispatches outbound
// protocol messages, and demultiplexes inbound wire frames.
package queue

import (
	"time"

	"github.com/ocpp-core/station/envelope"
)

// Kind is the Outbound message record kind.
type Kind string

const (
	Transactional Kind = "Transactional"
	Normal        Kind = "Normal"
	Triggered     Kind = "Triggered"
)

// ConnState is the transport state machine.
type ConnState string

const (
	Disconnected ConnState = "Disconnected"
	Connecting   ConnState = "Connecting"
	Connected    ConnState = "Connected"
	Booted       ConnState = "Booted"
	Draining     ConnState = "Draining"
)

// Sender abstracts the Connectivity Manager's outbound write → bool`, generalized to an explicit error).
type Sender interface {
	Send(text string) error
}

// InboundHandler answers one CALL action with a CALLRESULT payload, or a
// *corterr.Error (KindProtocol/KindRejected) which the queue turns into a
// CALLERROR.
type InboundHandler func(action string, payload []byte) (result any, err error)

// record is the in-memory correlation state for one outbound message
//.
type record struct {
	env           envelope.Envelope
	kind          Kind
	attempts      int
	nextAttemptAt time.Time
	createdAt     time.Time
	inFlight      bool
	sentAt        time.Time
	resultCh      chan Result
}

// Result is delivered to a caller blocked on a round-trip (e.g.
// auth.CSMSClient.Authorize), or to nobody if the caller enqueued
// fire-and-forget.
type Result struct {
	Payload []byte
	Err     error
}
