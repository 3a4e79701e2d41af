package ingestion

import (
	"ArenaLedger/internal/event"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// OpsSubjectPrefix is the inbound subject space, one token per operation.
	OpsSubjectPrefix = "arena.ops."

	consumerAckWait    = 30 * time.Second
	consumerMaxDeliver = 5
	streamMaxAge       = 72 * time.Hour
	// JetStream drops a republished Nats-Msg-Id inside this window before
	// the core's own request-id check sees it.
	streamDuplicates = 10 * time.Minute
)

// RawEvent is an inbound message before parsing. Ack once the core has
// decided on it; Nak to have JetStream redeliver.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Delivered uint64
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds one operation subject to its durable consumer.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

var opTokens = []struct {
	token string
	typ   event.EventType
}{
	{"create", event.EventTypeCreateGame},
	{"join", event.EventTypeJoinGame},
	{"submit", event.EventTypeSubmitResult},
	{"cancel", event.EventTypeCancelGame},
	{"deposit", event.EventTypeDepositConfirmed},
}

// DefaultSubjects lists arena.ops.<op> for every operation, on stream.
func DefaultSubjects(stream string) []SubjectConfig {
	subjects := make([]SubjectConfig, 0, len(opTokens))
	for _, op := range opTokens {
		subjects = append(subjects, SubjectConfig{
			Subject:      OpsSubjectPrefix + op.token,
			EventType:    op.typ.String(),
			ConsumerName: "ledger-" + op.token,
			StreamName:   stream,
		})
	}
	return subjects
}

// NATSSubscriber feeds JetStream operation messages into the router channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, eventChan: eventChan, logger: logger}
}

// Subscribe starts one explicit-ack durable consumer per subject.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, sc := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, sc.StreamName, jetstream.ConsumerConfig{
			Durable:       sc.ConsumerName,
			FilterSubject: sc.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       consumerAckWait,
			MaxDeliver:    consumerMaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", sc.ConsumerName, err)
		}

		cc, err := consumer.Consume(ns.handler(ctx, sc.EventType))
		if err != nil {
			return fmt.Errorf("consume %s: %w", sc.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", sc.Subject).Str("consumer", sc.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handler(ctx context.Context, eventType string) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			EventType: eventType,
			Data:      msg.Data(),
			Delivered: 1,
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}
		if md, err := msg.Metadata(); err == nil {
			raw.Delivered = md.NumDelivered
			if md.NumDelivered > 1 {
				ns.logger.Warn().
					Str("subject", raw.Subject).
					Uint64("delivered", md.NumDelivered).
					Uint64("stream_seq", md.Sequence.Stream).
					Msg("redelivered operation")
			}
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	}
}

// Stop halts every consumer; messages in flight are redelivered after
// their ack wait.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Int("consumers", len(ns.consumers)).Msg("NATS subscribers stopped")
}

// EnsureStreams creates or updates the inbound operations stream.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, stream string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{strings.TrimSuffix(OpsSubjectPrefix, ".") + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Duplicates: streamDuplicates,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	return nil
}

// ConnectNATS dials with unlimited reconnects and returns the JetStream API.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("arenaledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("server", c.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
