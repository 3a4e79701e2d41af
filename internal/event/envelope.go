package event

import (
	"ArenaLedger/internal/ledger"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateGame
	EventTypeJoinGame
	EventTypeSubmitResult
	EventTypeCancelGame
	EventTypeDepositConfirmed
)

// EventEnvelope wraps every applied operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream (request id)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Authenticated submitter
	Caller ledger.Identity

	// Versioned input timestamp, epoch microseconds (NOT wall-clock)
	Timestamp int64

	// JSON-encoded operation
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound operations implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Caller returns the submitter, empty if the transport left it unset
	Caller() ledger.Identity

	// OccurredAt returns the input timestamp, 0 if unset
	OccurredAt() int64

	// Stamp fills in caller and timestamp left unset by the transport
	Stamp(caller ledger.Identity, ts int64)
}

// Meta carries the fields common to every operation
type Meta struct {
	RequestID uuid.UUID       `json:"request_id"`
	CallerID  ledger.Identity `json:"caller"`
	Timestamp int64           `json:"timestamp_us"`
}

func (m *Meta) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *Meta) Caller() ledger.Identity {
	return m.CallerID
}

func (m *Meta) OccurredAt() int64 {
	return m.Timestamp
}

func (m *Meta) Stamp(caller ledger.Identity, ts int64) {
	if m.CallerID == "" {
		m.CallerID = caller
	}
	if m.Timestamp == 0 {
		m.Timestamp = ts
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeCreateGame:
		return "CreateGame"
	case EventTypeJoinGame:
		return "JoinGame"
	case EventTypeSubmitResult:
		return "SubmitResult"
	case EventTypeCancelGame:
		return "CancelGame"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String
func ParseEventType(s string) EventType {
	for et := EventTypeCreateGame; et <= EventTypeDepositConfirmed; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
