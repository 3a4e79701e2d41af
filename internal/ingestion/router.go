package ingestion

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Submitter applies one operation on the core goroutine
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Result, error)
}

// Router parses raw inbound messages and submits them to the core.
//
// A message is acked once the core has decided on it, accepted or rejected:
// rejections are deterministic, so redelivery would only be rejected again.
// It is nakked only when the core could not be reached.
type Router struct {
	submitter Submitter
	inputChan <-chan RawEvent
	source    string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRouter(submitter Submitter, inputChan <-chan RawEvent, source string, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		submitter: submitter,
		inputChan: inputChan,
		source:    source,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the input channel is closed.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.inputChan:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Router) handle(ctx context.Context, raw RawEvent) {
	if r.metrics != nil {
		r.metrics.IngestReceived.WithLabelValues(r.source).Inc()
	}

	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IngestParseErrors.WithLabelValues(r.source).Inc()
		}
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		ack(raw)
		return
	}

	_, err = r.submitter.Submit(ctx, evt)
	switch {
	case err == nil:
		ack(raw)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		nak(raw)
	case errs.KindOf(err) == errs.KindUnknown, errs.KindOf(err) == errs.KindUnavailable:
		r.logger.Error().Err(err).Str("request_id", evt.IdempotencyKey()).Uint64("delivered", raw.Delivered).Msg("submit failed")
		nak(raw)
	default:
		r.logger.Debug().Err(err).Str("request_id", evt.IdempotencyKey()).Msg("operation rejected")
		ack(raw)
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
