package ingestion

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxIdentityLen bounds identities accepted from any transport. The state
// digest length-prefixes identities with a single byte.
const MaxIdentityLen = 128

// ParseRawEvent converts a raw inbound message into a typed operation.
// The wire form is the operation's JSON (snake_case, request_id required).
// Messages from NATS carry no transport identity, so caller is required too.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et := event.ParseEventType(eventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: unknown event type: %s", errs.ErrInvalidArgument, eventType)
	}

	evt, err := event.Decode(et, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}

	if evt.IdempotencyKey() == uuid.Nil.String() {
		return nil, fmt.Errorf("%w: %s without request_id", errs.ErrInvalidArgument, eventType)
	}
	if err := ValidateIdentity(evt.Caller()); err != nil {
		return nil, fmt.Errorf("caller: %w", err)
	}
	if d, ok := evt.(*event.DepositConfirmed); ok {
		if err := ValidateIdentity(d.Account); err != nil {
			return nil, fmt.Errorf("account: %w", err)
		}
	}
	return evt, nil
}

// ValidateIdentity rejects empty, oversized or non-printable identities.
func ValidateIdentity(id ledger.Identity) error {
	if id == "" {
		return fmt.Errorf("%w: empty identity", errs.ErrInvalidArgument)
	}
	if len(id) > MaxIdentityLen {
		return fmt.Errorf("%w: identity longer than %d bytes", errs.ErrInvalidArgument, MaxIdentityLen)
	}
	if strings.IndexFunc(string(id), func(r rune) bool {
		return !unicode.IsPrint(r) || unicode.IsSpace(r)
	}) >= 0 {
		return fmt.Errorf("%w: identity %q has blank or control characters", errs.ErrInvalidArgument, id)
	}
	return nil
}
