package settlement_test

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/settlement"
	"ArenaLedger/internal/state"
	"errors"
	"testing"
)

func activeMatch(t *testing.T, stake ledger.Amount) (*state.MatchRegistry, *state.StatsAggregator, *settlement.Engine) {
	t.Helper()
	r := state.NewMatchRegistry("owner")
	sa := state.NewStatsAggregator()
	if _, err := r.Create("alice", stake, "R1", 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Join(1, "bob", 2); err != nil {
		t.Fatal(err)
	}
	return r, sa, settlement.NewEngine(r, sa)
}

func TestResolveWinner(t *testing.T) {
	bob := ledger.Identity("bob")
	m := &state.Match{Creator: "alice", Opponent: &bob}

	tests := []struct {
		s1, s2 uint8
		want   string
	}{
		{5, 3, "alice"},
		{3, 5, "bob"},
		{4, 4, ""},
		{0, 0, ""},
	}
	for _, tc := range tests {
		w := settlement.ResolveWinner(m, tc.s1, tc.s2)
		got := ""
		if w != nil {
			got = string(*w)
		}
		if got != tc.want {
			t.Errorf("%d-%d: got %q, want %q", tc.s1, tc.s2, got, tc.want)
		}
	}
}

func TestPrepare_Decisive(t *testing.T) {
	_, _, e := activeMatch(t, 100)

	plan, err := e.Prepare(1, "alice", 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Winner == nil || *plan.Winner != "alice" {
		t.Fatalf("winner: got %v", plan.Winner)
	}
	if len(plan.Payouts) != 1 || plan.Payouts[0].Amount != 200 || plan.Total() != 200 {
		t.Errorf("payouts: got %+v", plan.Payouts)
	}
}

func TestPrepare_DrawRefundsBoth(t *testing.T) {
	_, _, e := activeMatch(t, 50)

	plan, err := e.Prepare(1, "bob", 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Winner != nil {
		t.Fatal("draw should have no winner")
	}
	if len(plan.Payouts) != 2 || plan.Payouts[0].Amount != 50 || plan.Payouts[1].Amount != 50 {
		t.Errorf("payouts: got %+v", plan.Payouts)
	}

	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	batch, err := plan.Journal(gen, "ref", 1)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Total(ledger.JournalTypeRefund) != 100 || len(batch.Journals) != 2 {
		t.Errorf("refund batch: %+v", batch)
	}
}

func TestPrepare_Errors(t *testing.T) {
	r, _, e := activeMatch(t, 100)
	if _, err := r.Create("carol", 10, "", 3); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		id     uint64
		caller ledger.Identity
		want   error
	}{
		{"unknown", 99, "alice", errs.ErrNotFound},
		{"waiting", 2, "carol", errs.ErrInvalidState},
		{"outsider", 1, "mallory", errs.ErrNotAuthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Prepare(tc.id, tc.caller, 1, 0); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSettle_UpdatesRegistryAndStats(t *testing.T) {
	r, sa, e := activeMatch(t, 100)

	plan, err := e.Prepare(1, "bob", 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Settle(plan, 9)
	if err != nil {
		t.Fatal(err)
	}

	if out.Winner == nil || *out.Winner != "bob" || out.Payout != 200 {
		t.Errorf("outcome: %+v", out)
	}
	m := r.Get(1)
	if m.Status != state.StatusCompleted || *m.EndedAt != 9 {
		t.Errorf("match: %+v", m)
	}
	if r.TotalStakePool() != 0 {
		t.Errorf("pool: got %d", r.TotalStakePool())
	}
	if sa.Get("bob").Wins != 1 || sa.Get("alice").Losses != 1 {
		t.Error("stats not recorded")
	}

	if _, err := e.Prepare(1, "bob", 1, 7); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("resubmit: expected ErrInvalidState, got %v", err)
	}
}
