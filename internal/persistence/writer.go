package persistence

import (
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Rows that already exist are skipped, so a retried flush is safe.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded operation
	StateHash      []byte
	PrevHash       []byte
	TimestampUs    int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        uint64
	JournalType   string
	TimestampUs   int64
}

// Output is one applied operation as table rows
type Output struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// NewOutput flattens an envelope and its escrow batch into table rows.
func NewOutput(env *event.EventEnvelope, batch *ledger.Batch) Output {
	return Output{
		EventRow:    NewEventRow(env),
		JournalRows: NewJournalRows(batch),
	}
}

func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         string(env.Caller),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		TimestampUs:    env.Timestamp,
	}
}

func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			TimestampUs:   j.Timestamp,
		})
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB returns the underlying handle
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 8
	var sb strings.Builder
	sb.WriteString(`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, payload, state_hash, prev_hash, timestamp_us)
		VALUES `)

	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller,
			e.Payload, e.StateHash, e.PrevHash, e.TimestampUs,
		)
	}
	sb.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	if _, err := ex.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("write event batch (%d rows): %w", len(events), err)
	}
	return nil
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
// Amounts are stored as NUMERIC(20,0) since they may exceed int64.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp_us)
		VALUES `)

	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, fmt.Sprintf("%d", j.Amount),
			j.JournalType, j.TimestampUs,
		)
	}
	sb.WriteString(" ON CONFLICT (journal_id) DO NOTHING")

	if _, err := ex.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("write journal batch (%d rows): %w", len(journals), err)
	}
	return nil
}

// writePlaceholders appends "($n, $n+1, ...)" starting after offset.
func writePlaceholders(sb *strings.Builder, offset, n int) {
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", offset+k)
	}
	sb.WriteByte(')')
}
