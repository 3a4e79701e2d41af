package ledger_test

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"errors"
	"testing"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey("alice")

	path := key.AccountPath()
	if path != "user:alice:available" {
		t.Errorf("got %q, want %q", path, "user:alice:available")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	if path := ledger.EscrowAccountKey().AccountPath(); path != "system:escrow" {
		t.Errorf("got %q, want %q", path, "system:escrow")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.ExternalDepositsKey()
	if path := key.AccountPath(); path != "external:deposits" {
		t.Errorf("got %q, want %q", path, "external:deposits")
	}
	if !key.IsExternal() {
		t.Error("deposits account should be external")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey("0xabc:def"),
		ledger.EscrowAccountKey(),
		ledger.ExternalDepositsKey(),
	}
	for _, key := range keys {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", key.AccountPath(), err)
		}
		if got != key {
			t.Errorf("parse %q: got %+v, want %+v", key.AccountPath(), got, key)
		}
	}
}

func TestParseAccountPath_Unknown(t *testing.T) {
	for _, path := range []string{"", "user::available", "system:insurance", "user:bob:locked"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

func TestAccountFor_NilIsEscrow(t *testing.T) {
	if ledger.AccountFor(nil) != ledger.EscrowAccountKey() {
		t.Error("nil endpoint should map to escrow")
	}
	bob := ledger.Identity("bob")
	if ledger.AccountFor(&bob) != ledger.NewUserAccountKey("bob") {
		t.Error("identity endpoint should map to user account")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_Validate_Empty(t *testing.T) {
	b := &ledger.Batch{}
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_Validate_ZeroAmount(t *testing.T) {
	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	b, err := gen.GeneratePayout("ref", "alice", 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	b.Journals[0].Amount = 0
	if err := b.Validate(); err == nil {
		t.Error("zero amount journal should fail validation")
	}
}

func TestBatch_Validate_SameAccount(t *testing.T) {
	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	b, _ := gen.GeneratePayout("ref", "alice", 10, 1)
	b.Journals[0].CreditAccount = b.Journals[0].DebitAccount
	if err := b.Validate(); err == nil {
		t.Error("same debit and credit account should fail validation")
	}
}

func TestBatch_Total(t *testing.T) {
	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	b, _ := gen.GenerateRefund("ref", 50, 1, "alice", "bob")
	if got := b.Total(ledger.JournalTypeRefund); got != 100 {
		t.Errorf("refund total: got %d, want 100", got)
	}
	if got := b.Total(ledger.JournalTypePayout); got != 0 {
		t.Errorf("payout total: got %d, want 0", got)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func deposit(t *testing.T, bt *ledger.BalanceTracker, gen *ledger.JournalGenerator, id ledger.Identity, amount ledger.Amount) {
	t.Helper()
	b, err := gen.GenerateDeposit("dep-"+string(id), id, amount, 1)
	if err != nil {
		t.Fatalf("generate deposit: %v", err)
	}
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
}

func TestBalanceTracker_Deposit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)

	deposit(t, bt, gen, "alice", 1000)

	if got := bt.GetUserBalance("alice"); got != 1000 {
		t.Errorf("alice balance: got %d, want 1000", got)
	}
	if got := bt.TotalIssued(); got != 1000 {
		t.Errorf("issued: got %d, want 1000", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestBalanceTracker_StakeAndPayout(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	deposit(t, bt, gen, "alice", 100)
	deposit(t, bt, gen, "bob", 100)

	for _, id := range []ledger.Identity{"alice", "bob"} {
		b, err := gen.GenerateStakeLock("stake-"+string(id), id, 100, 2)
		if err != nil {
			t.Fatalf("stake lock: %v", err)
		}
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply stake lock: %v", err)
		}
	}
	if got := bt.GetEscrowBalance(); got != 200 {
		t.Fatalf("escrow: got %d, want 200", got)
	}

	b, _ := gen.GeneratePayout("settle", "alice", 200, 3)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply payout: %v", err)
	}

	if got := bt.GetUserBalance("alice"); got != 200 {
		t.Errorf("alice: got %d, want 200", got)
	}
	if got := bt.GetUserBalance("bob"); got != 0 {
		t.Errorf("bob: got %d, want 0", got)
	}
	if got := bt.GetEscrowBalance(); got != 0 {
		t.Errorf("escrow: got %d, want 0", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestBalanceTracker_BatchIsAllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	deposit(t, bt, gen, "alice", 100)
	b, _ := gen.GenerateStakeLock("stake", "alice", 100, 2)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	// Escrow holds 100, refund asks for 2 x 60: the second leg must fail
	// and the first must not be applied.
	refund, _ := gen.GenerateRefund("refund", 60, 3, "alice", "bob")
	err := bt.ApplyBatch(refund)
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if got := bt.GetEscrowBalance(); got != 100 {
		t.Errorf("escrow after failed batch: got %d, want 100", got)
	}
	if got := bt.GetUserBalance("alice"); got != 0 {
		t.Errorf("alice after failed batch: got %d, want 0", got)
	}
}

func TestBalanceTracker_RejectsPayoutToExternal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	deposit(t, bt, gen, "alice", 100)

	b, _ := gen.GenerateTransfer("t", nil, nil, 1, 1)
	if b != nil {
		t.Fatal("escrow to escrow transfer should not generate a batch")
	}

	// Escrow is empty, so the credit side would also fail; the leg shape
	// must be reported first.
	bad, _ := gen.GeneratePayout("p", "alice", 10, 1)
	bad.Journals[0].DebitAccount = ledger.ExternalDepositsKey()
	if err := bt.ApplyBatch(bad); !errors.Is(err, errs.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
	if got := bt.GetUserBalance("alice"); got != 100 {
		t.Errorf("alice after rejected batch: got %d, want 100", got)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	deposit(t, bt, gen, "alice", 70)
	deposit(t, bt, gen, "bob", 30)

	restored := ledger.NewBalanceTracker()
	for k, v := range bt.Snapshot() {
		restored.SetBalance(k, v)
	}

	if restored.GetUserBalance("alice") != 70 || restored.GetUserBalance("bob") != 30 {
		t.Error("user balances not restored")
	}
	if restored.TotalIssued() != 100 {
		t.Errorf("issued: got %d, want 100", restored.TotalIssued())
	}
	if err := ledger.NewInvariantValidator(restored).ValidateConservation(); err != nil {
		t.Errorf("conservation after restore: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_StakeLockInsufficientFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1, bt)
	deposit(t, bt, gen, "alice", 50)

	seq := gen.Sequence()
	_, err := gen.GenerateStakeLock("stake", "alice", 51, 2)
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if gen.Sequence() != seq {
		t.Error("rejected stake lock must not advance the sequence")
	}
}

func TestGenerator_DepositZeroRejected(t *testing.T) {
	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	if _, err := gen.GenerateDeposit("d", "alice", 0, 1); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestGenerator_SequenceAdvances(t *testing.T) {
	gen := ledger.NewJournalGenerator(10, ledger.NewBalanceTracker())

	b1, _ := gen.GenerateDeposit("a", "alice", 1, 1)
	b2, _ := gen.GenerateRefund("b", 1, 1, "alice", "bob")

	if b1.Sequence != 10 || b2.Sequence != 11 {
		t.Errorf("sequences: got %d, %d, want 10, 11", b1.Sequence, b2.Sequence)
	}
	for _, j := range b2.Journals {
		if j.BatchID != b2.BatchID || j.Sequence != 11 {
			t.Error("journal does not carry its batch id and sequence")
		}
	}
	if gen.Sequence() != 12 {
		t.Errorf("next sequence: got %d, want 12", gen.Sequence())
	}
}

func TestGenerator_TransferTypes(t *testing.T) {
	gen := ledger.NewJournalGenerator(1, ledger.NewBalanceTracker())
	alice := ledger.Identity("alice")

	in, _ := gen.GenerateTransfer("in", &alice, nil, 5, 1)
	if in.Journals[0].JournalType != ledger.JournalTypeStakeLock {
		t.Errorf("into escrow: got %s", in.Journals[0].JournalType)
	}
	if in.Journals[0].DebitAccount != ledger.EscrowAccountKey() {
		t.Error("into escrow should debit escrow")
	}

	out, _ := gen.GenerateTransfer("out", nil, &alice, 5, 1)
	if out.Journals[0].JournalType != ledger.JournalTypePayout {
		t.Errorf("out of escrow: got %s", out.Journals[0].JournalType)
	}
}
