package persistence

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	retryBackoffMin = 100 * time.Millisecond
	retryBackoffMax = 30 * time.Second
)

// pending accumulates rows for one transaction.
type pending struct {
	events   []EventRow
	journals []JournalRow
}

func (p *pending) add(out core.CoreOutput) {
	rows := NewOutput(out.Envelope, out.Batch)
	p.events = append(p.events, rows.EventRow)
	p.journals = append(p.journals, rows.JournalRows...)
}

func (p *pending) reset() {
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

func (p *pending) lastSequence() int64 {
	return p.events[len(p.events)-1].Sequence
}

// PersistenceWorker writes applied operations to the event log in batches.
// The core blocks on the persist channel, so a slow worker stalls the core
// rather than losing an applied operation.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	persisted    atomic.Int64
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// LastPersisted is the highest sequence committed by this worker, 0 before
// the first flush.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.persisted.Load()
}

// Run flushes when a batch fills or the flush timeout passes. It returns when
// the input channel closes (after a final flush) or ctx ends. A batch that
// cannot be written during shutdown is reported as an error: those sequences
// are missing from the log.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := pw.drain(ctx, batch); err != nil {
				return err
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return pw.drain(context.Background(), batch)
			}
			batch.add(out)
			if len(batch.events) < pw.batchSize {
				continue
			}
			pw.commit(ctx, batch)
			timer.Reset(pw.flushTimeout)

		case <-timer.C:
			pw.commit(ctx, batch)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// commit writes batch with retries and clears it.
func (pw *PersistenceWorker) commit(ctx context.Context, batch *pending) {
	if len(batch.events) == 0 {
		return
	}
	if err := pw.flushWithRetry(ctx, batch); err != nil {
		pw.logger.Error().Err(err).
			Int64("from_sequence", batch.events[0].Sequence).
			Int64("to_sequence", batch.lastSequence()).
			Msg("batch lost")
	}
	batch.reset()
}

func (pw *PersistenceWorker) drain(ctx context.Context, batch *pending) error {
	if len(batch.events) == 0 {
		return nil
	}
	from, to := batch.events[0].Sequence, batch.lastSequence()
	err := pw.flushWithRetry(ctx, batch)
	batch.reset()
	if err != nil {
		return fmt.Errorf("final flush of sequences %d..%d: %w", from, to, err)
	}
	return nil
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Once ctx ends it makes one last attempt on a background context. Constraint
// violations return at once: the same rows would fail forever and block the
// core behind a full persist channel.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := retryBackoffMin
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, retryBackoffMax)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		if permanent(err) {
			pw.countError("constraint")
			return fmt.Errorf("not retryable: %w", err)
		}
		pw.logger.Error().Err(err).Msg("persistence flush")
	}
}

// flush writes the batch's events and journals in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := batch.lastSequence()
	pw.persisted.Store(last)
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// permanent reports integrity constraint violations (SQLSTATE class 23).
func permanent(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}
