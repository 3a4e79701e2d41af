package ingestion

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds arena.events.* notifications
const OutboundStream = "ARENA_EVENTS"

// Publisher is the slice of jetstream.JetStream the outbound publisher needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes match notifications to arena.events.<kind>.
// The notify channel drops on overflow, so delivery is best effort; the event
// log is authoritative.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the JSON body of an outbound notification.
type PublishableEvent struct {
	Sequence     int64              `json:"sequence"`
	Kind         string             `json:"kind"`
	MatchID      uint64             `json:"match_id"`
	RequestID    string             `json:"request_id"`
	Timestamp    int64              `json:"timestamp_us"`
	Notification event.Notification `json:"notification"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Notification == nil {
				continue
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	n := out.Notification
	msg := PublishableEvent{
		Sequence:     out.Envelope.Sequence,
		Kind:         n.Kind(),
		MatchID:      n.MatchID(),
		RequestID:    out.Envelope.IdempotencyKey,
		Timestamp:    out.Envelope.Timestamp,
		Notification: n,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	// The sequence as message id lets JetStream drop republished duplicates.
	_, err = op.js.Publish(ctx, Subject(n), data,
		jetstream.WithMsgID(fmt.Sprintf("arena-%d", out.Envelope.Sequence)))
	return err
}

// Subject returns the outbound subject for a notification
func Subject(n event.Notification) string {
	return "arena.events." + n.Kind()
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"arena.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
