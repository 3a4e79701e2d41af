package event_test

import (
	"ArenaLedger/internal/event"
	"testing"

	"github.com/google/uuid"
)

func TestDecode_RestoresEncodedOperation(t *testing.T) {
	in := &event.SubmitResult{
		Meta:   event.Meta{RequestID: uuid.New(), CallerID: "alice", Timestamp: 42},
		GameID: 7,
		Score1: 5,
		Score2: 3,
	}
	payload, err := event.Encode(in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := event.Decode(event.EventTypeSubmitResult, payload)
	if err != nil {
		t.Fatal(err)
	}
	sr, ok := out.(*event.SubmitResult)
	if !ok {
		t.Fatalf("expected *event.SubmitResult, got %T", out)
	}
	if *sr != *in {
		t.Errorf("got %+v, want %+v", sr, in)
	}
	if sr.IdempotencyKey() != in.RequestID.String() {
		t.Error("idempotency key should be the request id")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte("{}")); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestStamp_KeepsTransportValues(t *testing.T) {
	c := &event.CancelGame{Meta: event.Meta{CallerID: "alice"}}
	c.Stamp("bob", 99)
	if c.Caller() != "alice" || c.OccurredAt() != 99 {
		t.Errorf("got caller=%s ts=%d", c.Caller(), c.OccurredAt())
	}
}

func TestParseEventType(t *testing.T) {
	for et := event.EventTypeCreateGame; et <= event.EventTypeDepositConfirmed; et++ {
		if got := event.ParseEventType(et.String()); got != et {
			t.Errorf("%s: got %s", et, got)
		}
	}
	if event.ParseEventType("TradeFill") != event.EventTypeUnknown {
		t.Error("unknown name should map to EventTypeUnknown")
	}
}
