package projection_test

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/projection"
	"ArenaLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const owner = ledger.Identity("owner")

// play runs deposits plus one decided and one cancelled match and returns
// everything the core sent to the projection channel.
func play(t *testing.T) []core.CoreOutput {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	c := core.NewEngine(core.Options{
		Owner:          owner,
		Port:           escrow.NewBook(),
		ProjectionChan: out,
		Logger:         zerolog.Nop(),
	})

	m := func(caller ledger.Identity, ts int64) event.Meta {
		return event.Meta{RequestID: uuid.New(), CallerID: caller, Timestamp: ts}
	}
	for _, evt := range []event.Event{
		&event.DepositConfirmed{Meta: m(owner, 1), Account: "alice", Amount: 100},
		&event.DepositConfirmed{Meta: m(owner, 2), Account: "bob", Amount: 100},
		&event.CreateGame{Meta: m("alice", 3), Stake: 30, RoomCode: "r1"},
		&event.JoinGame{Meta: m("bob", 4), GameID: 1},
		&event.SubmitResult{Meta: m("bob", 5), GameID: 1, Score1: 0, Score2: 1},
		&event.CreateGame{Meta: m("alice", 6), Stake: 10, RoomCode: "r2"},
		&event.CancelGame{Meta: m("alice", 7), GameID: 2},
	} {
		if _, err := c.ProcessEvent(context.Background(), evt); err != nil {
			t.Fatalf("%s: %v", evt.EventType(), err)
		}
	}
	close(out)

	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return outputs
}

func project(t *testing.T, db *sql.DB, outputs []core.CoreOutput) {
	t.Helper()
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("projection run: %v", err)
	}
	if w.LastSequence() != int64(len(outputs)) {
		t.Errorf("last sequence: got %d, want %d", w.LastSequence(), len(outputs))
	}
}

func balance(t *testing.T, db *sql.DB, id string) string {
	t.Helper()
	var available string
	err := db.QueryRow(`SELECT available::text FROM projections.balances WHERE identity = $1`, id).Scan(&available)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return available
}

func TestProjectionWorker_Tables(t *testing.T) {
	db := testutil.SetupTestDB(t)
	outputs := play(t)
	project(t, db, outputs)

	var status, winner string
	err := db.QueryRow(`SELECT status, winner FROM projections.matches WHERE match_id = 1`).Scan(&status, &winner)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Completed" || winner != "bob" {
		t.Errorf("match 1: status=%s winner=%s", status, winner)
	}

	err = db.QueryRow(`SELECT status FROM projections.matches WHERE match_id = 2`).Scan(&status)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Cancelled" {
		t.Errorf("match 2: status=%s", status)
	}

	var wins, losses int64
	err = db.QueryRow(`SELECT wins, losses FROM projections.player_stats WHERE identity = 'bob'`).Scan(&wins, &losses)
	if err != nil {
		t.Fatal(err)
	}
	if wins != 1 || losses != 0 {
		t.Errorf("bob stats: wins=%d losses=%d", wins, losses)
	}

	if got := balance(t, db, "alice"); got != "70" {
		t.Errorf("alice balance: got %s, want 70", got)
	}
	if got := balance(t, db, "bob"); got != "130" {
		t.Errorf("bob balance: got %s, want 130", got)
	}

	var watermark int64
	if err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark); err != nil {
		t.Fatal(err)
	}
	if watermark != int64(len(outputs)) {
		t.Errorf("watermark: got %d, want %d", watermark, len(outputs))
	}
}

func TestRebuildProjections_FromJournal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	outputs := play(t)

	writer := persistence.NewEventLogWriter(db)
	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for _, o := range outputs {
		rows := persistence.NewOutput(o.Envelope, o.Batch)
		events = append(events, rows.EventRow)
		journals = append(journals, rows.JournalRows...)
	}
	ctx := context.Background()
	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(`INSERT INTO projections.balances (identity, available, last_sequence) VALUES ('stale', 5, 1)`); err != nil {
		t.Fatal(err)
	}

	if err := projection.RebuildProjections(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := balance(t, db, "alice"); got != "70" {
		t.Errorf("alice balance: got %s, want 70", got)
	}
	if got := balance(t, db, "bob"); got != "130" {
		t.Errorf("bob balance: got %s, want 130", got)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM projections.balances WHERE identity = 'stale'`).Scan(&n)
	if n != 0 {
		t.Error("rebuild kept a stale balance row")
	}
}
