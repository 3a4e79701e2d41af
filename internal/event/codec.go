package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an operation for the event log
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode restores an operation written by Encode
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeCreateGame:
		evt = &CreateGame{}
	case EventTypeJoinGame:
		evt = &JoinGame{}
	case EventTypeSubmitResult:
		evt = &SubmitResult{}
	case EventTypeCancelGame:
		evt = &CancelGame{}
	case EventTypeDepositConfirmed:
		evt = &DepositConfirmed{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
