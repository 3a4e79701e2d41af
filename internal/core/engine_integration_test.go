package core_test

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const owner = ledger.Identity("owner")

// --- Test helpers ---

// newTestCore creates an Engine over a fresh escrow book with buffered channels
// and no DB checker.
func newTestCore(t *testing.T) (*core.Engine, *escrow.Book, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	book := escrow.NewBook(escrow.WithClock(func() time.Time { return time.UnixMicro(1_000_000) }))
	c := core.NewEngine(core.Options{
		Owner:       owner,
		Port:        book,
		PersistChan: persistChan,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		Logger:      zerolog.Nop(),
	})
	return c, book, persistChan
}

func meta(caller ledger.Identity, ts int64) event.Meta {
	return event.Meta{RequestID: uuid.New(), CallerID: caller, Timestamp: ts}
}

func mustApply(t *testing.T, c *core.Engine, evt event.Event) *core.Result {
	t.Helper()
	res, err := c.ProcessEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("%s: %v", evt.EventType(), err)
	}
	return res
}

func expectKind(t *testing.T, c *core.Engine, evt event.Event, want error) {
	t.Helper()
	_, err := c.ProcessEvent(context.Background(), evt)
	if !errors.Is(err, want) {
		t.Fatalf("%s: expected %v, got %v", evt.EventType(), want, err)
	}
}

func deposit(t *testing.T, c *core.Engine, id ledger.Identity, amount ledger.Amount) {
	t.Helper()
	mustApply(t, c, &event.DepositConfirmed{Meta: meta(owner, 1), Account: id, Amount: amount})
}

func create(caller ledger.Identity, stake ledger.Amount, room string, ts int64) *event.CreateGame {
	return &event.CreateGame{Meta: meta(caller, ts), Stake: stake, RoomCode: room}
}

func join(caller ledger.Identity, id uint64, ts int64) *event.JoinGame {
	return &event.JoinGame{Meta: meta(caller, ts), GameID: id}
}

func submit(caller ledger.Identity, id uint64, s1, s2 uint8, ts int64) *event.SubmitResult {
	return &event.SubmitResult{Meta: meta(caller, ts), GameID: id, Score1: s1, Score2: s2}
}

func cancel(caller ledger.Identity, id uint64, ts int64) *event.CancelGame {
	return &event.CancelGame{Meta: meta(caller, ts), GameID: id}
}

// drainOutputs collects everything currently buffered on ch.
func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func assertPool(t *testing.T, c *core.Engine, book *escrow.Book, want ledger.Amount) {
	t.Helper()
	if got := c.TotalStakePool(); got != want {
		t.Errorf("pool: got %d, want %d", got, want)
	}
	if got := book.EscrowBalance(); got != want {
		t.Errorf("escrow: got %d, want %d", got, want)
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScenario_FullLifecycle(t *testing.T) {
	c, book, _ := newTestCore(t)
	deposit(t, c, "A", 1000)
	deposit(t, c, "B", 1000)
	deposit(t, c, "C", 1000)

	// Scenario 1: create
	res := mustApply(t, c, create("A", 100, "R1", 1))
	if res.MatchID != 1 {
		t.Fatalf("id: got %d, want 1", res.MatchID)
	}
	m, _ := c.Match(1)
	if m.Status != "Waiting" {
		t.Errorf("status: got %s", m.Status)
	}
	assertPool(t, c, book, 100)

	// Scenario 2: join, then self join fails
	mustApply(t, c, join("B", 1, 2))
	m, _ = c.Match(1)
	if m.Status != "Active" || m.Opponent == nil || *m.Opponent != "B" {
		t.Errorf("after join: %+v", m)
	}
	assertPool(t, c, book, 200)
	expectKind(t, c, join("A", 1, 3), errs.ErrSelfJoin)
	assertPool(t, c, book, 200)

	// Scenario 3: unknown id
	expectKind(t, c, join("C", 99, 4), errs.ErrNotFound)

	// Scenario 4: decisive result
	res = mustApply(t, c, submit("A", 1, 5, 3, 5))
	if res.Outcome.Winner == nil || *res.Outcome.Winner != "A" || res.Outcome.Payout != 200 {
		t.Errorf("outcome: %+v", res.Outcome)
	}
	assertPool(t, c, book, 0)
	if c.BalanceOf("A") != 1100 || c.BalanceOf("B") != 900 {
		t.Errorf("balances: A=%d B=%d", c.BalanceOf("A"), c.BalanceOf("B"))
	}
	a, _ := c.Stats("A")
	if a.GamesPlayed != 1 || a.Wins != 1 || a.TokensWon != 100 || a.Losses != 0 {
		t.Errorf("stats A: %+v", a)
	}
	b, _ := c.Stats("B")
	if b.GamesPlayed != 1 || b.Losses != 1 || b.TokensLost != 100 || b.Wins != 0 {
		t.Errorf("stats B: %+v", b)
	}
}

func TestScenario_DrawRefundsEach(t *testing.T) {
	c, book, _ := newTestCore(t)
	deposit(t, c, "A", 500)
	deposit(t, c, "B", 500)

	mustApply(t, c, create("A", 10, "warmup", 1))
	mustApply(t, c, create("A", 50, "R2", 2))
	mustApply(t, c, join("B", 2, 3))
	assertPool(t, c, book, 110)

	res := mustApply(t, c, submit("B", 2, 4, 4, 4))
	if res.Outcome.Winner != nil {
		t.Errorf("draw should have no winner, got %s", *res.Outcome.Winner)
	}
	if len(res.Outcome.Payouts) != 2 || res.Outcome.Payouts[0].Amount != 50 || res.Outcome.Payouts[1].Amount != 50 {
		t.Errorf("payouts: %+v", res.Outcome.Payouts)
	}
	assertPool(t, c, book, 10)

	if c.BalanceOf("A") != 490 || c.BalanceOf("B") != 500 {
		t.Errorf("balances: A=%d B=%d", c.BalanceOf("A"), c.BalanceOf("B"))
	}
	for _, id := range []ledger.Identity{"A", "B"} {
		s, _ := c.Stats(id)
		if s.GamesPlayed != 1 || s.Wins != 0 || s.Losses != 0 || s.TokensWon != 0 || s.TokensLost != 0 {
			t.Errorf("stats %s: %+v", id, s)
		}
	}
}

// ============================================================================
// Idempotence, authorization, atomicity
// ============================================================================

func TestIdempotence_SecondTransitionFails(t *testing.T) {
	c, book, _ := newTestCore(t)
	deposit(t, c, "A", 500)
	deposit(t, c, "B", 500)

	mustApply(t, c, create("A", 100, "", 1))
	mustApply(t, c, cancel("A", 1, 2))
	expectKind(t, c, cancel("A", 1, 3), errs.ErrInvalidState)
	if c.BalanceOf("A") != 500 {
		t.Errorf("A refunded twice: %d", c.BalanceOf("A"))
	}

	mustApply(t, c, create("A", 100, "", 4))
	mustApply(t, c, join("B", 2, 5))
	mustApply(t, c, submit("A", 2, 1, 0, 6))
	expectKind(t, c, submit("B", 2, 0, 1, 7), errs.ErrInvalidState)

	if c.BalanceOf("A") != 600 || c.BalanceOf("B") != 400 {
		t.Errorf("balances: A=%d B=%d", c.BalanceOf("A"), c.BalanceOf("B"))
	}
	s, _ := c.Stats("A")
	if s.GamesPlayed != 1 {
		t.Errorf("stats applied twice: %+v", s)
	}
	assertPool(t, c, book, 0)
}

func TestIdempotence_DuplicateRequestID(t *testing.T) {
	c, _, persist := newTestCore(t)
	deposit(t, c, "A", 500)

	evt := create("A", 100, "", 1)
	mustApply(t, c, evt)
	drainOutputs(persist)

	again := *evt
	expectKind(t, c, &again, errs.ErrDuplicate)
	if c.NextMatchID() != 2 {
		t.Errorf("duplicate created a match: next id %d", c.NextMatchID())
	}
	if len(drainOutputs(persist)) != 0 {
		t.Error("duplicate emitted an output")
	}
}

func TestAuthorization(t *testing.T) {
	c, book, _ := newTestCore(t)
	deposit(t, c, "A", 500)
	deposit(t, c, "B", 500)
	mustApply(t, c, create("A", 100, "", 1))

	expectKind(t, c, cancel("B", 1, 2), errs.ErrNotAuthorized)
	m, _ := c.Match(1)
	if m.Status != "Waiting" {
		t.Errorf("unauthorized cancel changed status to %s", m.Status)
	}

	mustApply(t, c, join("B", 1, 3))
	expectKind(t, c, submit("C", 1, 1, 0, 4), errs.ErrNotAuthorized)
	expectKind(t, c, cancel("A", 1, 5), errs.ErrInvalidState)

	// Deposits are owner-only.
	expectKind(t, c, &event.DepositConfirmed{Meta: meta("A", 6), Account: "A", Amount: 1}, errs.ErrNotAuthorized)

	// No caller at all.
	expectKind(t, c, create("", 10, "", 7), errs.ErrNotAuthorized)
	assertPool(t, c, book, 200)
}

func TestCallerFromContext(t *testing.T) {
	c, _, _ := newTestCore(t)
	deposit(t, c, "A", 100)

	ctx := escrow.WithCaller(context.Background(), "A")
	evt := &event.CreateGame{Meta: event.Meta{RequestID: uuid.New()}, Stake: 10}
	res, err := c.ProcessEvent(ctx, evt)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := c.Match(res.MatchID)
	if m.Creator != "A" {
		t.Errorf("creator: got %s", m.Creator)
	}
	if m.CreatedAt != 1_000_000 {
		t.Errorf("created at should come from the port clock, got %d", m.CreatedAt)
	}
}

func TestInsufficientFunds_LeavesStateUntouched(t *testing.T) {
	c, book, persist := newTestCore(t)
	deposit(t, c, "A", 100)
	deposit(t, c, "B", 40)
	drainOutputs(persist)

	expectKind(t, c, create("A", 101, "", 1), errs.ErrInsufficientFunds)
	if c.NextMatchID() != 1 {
		t.Error("failed create consumed an id")
	}

	mustApply(t, c, create("A", 50, "", 2))
	seq := c.GetSequence()
	hash := c.GetStateHash()

	expectKind(t, c, join("B", 1, 3), errs.ErrInsufficientFunds)
	m, _ := c.Match(1)
	if m.Status != "Waiting" || m.Opponent != nil {
		t.Errorf("failed join mutated match: %+v", m)
	}
	if c.BalanceOf("B") != 40 {
		t.Errorf("failed join moved funds: %d", c.BalanceOf("B"))
	}
	if c.GetSequence() != seq || c.GetStateHash() != hash {
		t.Error("failed join advanced sequence or hash")
	}
	assertPool(t, c, book, 50)
}

func TestInvalidStake(t *testing.T) {
	c, _, _ := newTestCore(t)
	deposit(t, c, "A", 100)
	expectKind(t, c, create("A", 0, "", 1), errs.ErrInvalidArgument)
}

// ============================================================================
// Queries, pool invariant, outputs
// ============================================================================

func TestOpenMatches_AscendingAndWaitingOnly(t *testing.T) {
	c, _, _ := newTestCore(t)
	deposit(t, c, "A", 1000)
	deposit(t, c, "B", 1000)

	for i := 0; i < 5; i++ {
		mustApply(t, c, create("A", 10, "", int64(i+1)))
	}
	mustApply(t, c, join("B", 2, 10))
	mustApply(t, c, cancel("A", 4, 11))

	open := c.OpenMatches()
	want := []uint64{1, 3, 5}
	if len(open) != len(want) {
		t.Fatalf("open: got %d matches, want %d", len(open), len(want))
	}
	for i, m := range open {
		if m.ID != want[i] || m.Status != "Waiting" {
			t.Errorf("open[%d]: got id %d status %s", i, m.ID, m.Status)
		}
	}

	mine := c.MatchesFor("B")
	if len(mine) != 1 || mine[0].ID != 2 {
		t.Errorf("matches for B: %+v", mine)
	}
}

func TestPoolInvariant_Mixed(t *testing.T) {
	c, book, _ := newTestCore(t)
	deposit(t, c, "A", 10_000)
	deposit(t, c, "B", 10_000)

	mustApply(t, c, create("A", 100, "", 1)) // 1 waiting
	mustApply(t, c, create("A", 200, "", 2)) // 2 active
	mustApply(t, c, join("B", 2, 3))
	mustApply(t, c, create("B", 300, "", 4)) // 3 cancelled
	mustApply(t, c, cancel("B", 3, 5))
	mustApply(t, c, create("B", 400, "", 6)) // 4 completed
	mustApply(t, c, join("A", 4, 7))
	mustApply(t, c, submit("A", 4, 2, 9, 8))

	// 100 waiting + 2 x 200 active
	assertPool(t, c, book, 500)
	if err := book.Validator().ValidateConservation(); err != nil {
		t.Error(err)
	}
}

func TestOutputs_CarryNotificationsAndHashChain(t *testing.T) {
	c, _, persist := newTestCore(t)
	deposit(t, c, "A", 100)
	deposit(t, c, "B", 100)
	mustApply(t, c, create("A", 10, "R", 1))
	mustApply(t, c, join("B", 1, 2))
	mustApply(t, c, submit("B", 1, 0, 3, 3))

	outputs := drainOutputs(persist)
	if len(outputs) != 5 {
		t.Fatalf("outputs: got %d, want 5", len(outputs))
	}

	prev := core.GenesisHash()
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Errorf("output %d: broken hash chain", i)
		}
		if core.ChainLink(prev, o.Envelope.Sequence, o.StateDelta) != o.Envelope.StateHash {
			t.Errorf("output %d: state hash does not link", i)
		}
		prev = o.Envelope.StateHash
	}

	created, ok := outputs[2].Notification.(*event.GameCreated)
	if !ok || created.ID != 1 || created.Stake != 10 || created.RoomCode != "R" {
		t.Errorf("create notification: %#v", outputs[2].Notification)
	}
	completed, ok := outputs[4].Notification.(*event.GameCompleted)
	if !ok || completed.Winner == nil || *completed.Winner != "B" {
		t.Errorf("complete notification: %#v", outputs[4].Notification)
	}
	if outputs[4].Stats["B"].Wins != 1 {
		t.Errorf("output stats: %+v", outputs[4].Stats)
	}
}

// ============================================================================
// Snapshot & replay
// ============================================================================

func TestSnapshotRestore_AndReplay(t *testing.T) {
	c, _, persist := newTestCore(t)
	deposit(t, c, "A", 100)
	deposit(t, c, "B", 100)
	mustApply(t, c, create("A", 10, "", 1))
	snap := c.CreateSnapshotState()
	drainOutputs(persist)

	mustApply(t, c, join("B", 1, 2))
	mustApply(t, c, submit("A", 1, 1, 0, 3))
	tail := drainOutputs(persist)

	restored, _, _ := newTestCore(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, o := range tail {
		if err := restored.Replay(context.Background(), o.Envelope); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("replayed state hash differs")
	}
	if restored.BalanceOf("A") != 110 || restored.TotalStakePool() != 0 {
		t.Errorf("replayed state: A=%d pool=%d", restored.BalanceOf("A"), restored.TotalStakePool())
	}

	// An applied sequence cannot be replayed twice.
	if err := restored.Replay(context.Background(), tail[0].Envelope); err == nil {
		t.Error("replaying an old sequence should fail")
	}
}

func TestSnapshotRestore_RejectsPoolWithoutMatches(t *testing.T) {
	c, _, _ := newTestCore(t)
	deposit(t, c, "A", 100)
	mustApply(t, c, create("A", 10, "", 1))

	// Escrow and pool still agree at 10; only the per-match recompute sees
	// that nothing holds the stake.
	snap := c.CreateSnapshotState()
	snap.Matches = nil

	restored, _, _ := newTestCore(t)
	err := restored.RestoreFromSnapshot(snap)
	if err == nil {
		t.Fatal("restore should reject a pool no live match accounts for")
	}
}

func TestDedupLookupFailureRejectsWithoutMovingFunds(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	db := &stubDB{seen: map[string]bool{}}
	c := core.NewEngine(core.Options{
		Owner:       owner,
		Port:        escrow.NewBook(),
		PersistChan: persistChan,
		DBChecker:   db,
		Logger:      zerolog.Nop(),
	})
	deposit(t, c, "A", 100)
	drainOutputs(persistChan)
	seq := c.GetSequence()

	db.err = errors.New("connection refused")
	evt := create("A", 10, "R", 2)
	expectKind(t, c, evt, errs.ErrUnavailable)

	if c.BalanceOf("A") != 100 || c.TotalStakePool() != 0 || c.NextMatchID() != 1 {
		t.Errorf("state moved: balance=%d pool=%d next=%d", c.BalanceOf("A"), c.TotalStakePool(), c.NextMatchID())
	}
	if c.GetSequence() != seq || len(drainOutputs(persistChan)) != 0 {
		t.Error("rejected request reached the log")
	}

	// The same request applies once the lookup works again.
	db.err = nil
	mustApply(t, c, evt)
	if c.BalanceOf("A") != 90 || c.TotalStakePool() != 10 {
		t.Errorf("after retry: balance=%d pool=%d", c.BalanceOf("A"), c.TotalStakePool())
	}
}
