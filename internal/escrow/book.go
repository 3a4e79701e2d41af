package escrow

import (
	"ArenaLedger/internal/ledger"
	"context"
	"time"
)

// Book is the in-process escrow ledger. It implements Committer over a
// double-entry balance tracker.
//
// Not thread-safe: owned by the core goroutine.
type Book struct {
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	transfers *ledger.JournalGenerator
	clock     func() time.Time
}

type BookOption func(*Book)

// WithClock overrides the wall clock Now reads from.
func WithClock(clock func() time.Time) BookOption {
	return func(b *Book) { b.clock = clock }
}

func NewBook(opts ...BookOption) *Book {
	tracker := ledger.NewBalanceTracker()
	b := &Book{
		tracker:   tracker,
		validator: ledger.NewInvariantValidator(tracker),
		transfers: ledger.NewJournalGenerator(0, tracker),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) BalanceOf(id ledger.Identity) ledger.Amount {
	return b.tracker.GetUserBalance(id)
}

// EscrowBalance returns what the ledger currently holds on behalf of matches.
func (b *Book) EscrowBalance() ledger.Amount {
	return b.tracker.GetEscrowBalance()
}

func (b *Book) Transfer(ctx context.Context, from, to *ledger.Identity, amount ledger.Amount) error {
	batch, err := b.transfers.GenerateTransfer("direct", from, to, amount, b.Now())
	if err != nil {
		return err
	}
	return b.tracker.ApplyBatch(batch)
}

func (b *Book) Commit(_ context.Context, batch *ledger.Batch) error {
	return b.tracker.ApplyBatch(batch)
}

func (b *Book) CallerIdentity(ctx context.Context) (ledger.Identity, bool) {
	return CallerFrom(ctx)
}

// Now returns epoch microseconds.
func (b *Book) Now() int64 {
	return b.clock().UnixMicro()
}

// Validator exposes the invariant checks over the book's balances.
func (b *Book) Validator() *ledger.InvariantValidator {
	return b.validator
}

// Snapshot returns every account balance keyed by account path.
func (b *Book) Snapshot() map[string]ledger.Amount {
	out := make(map[string]ledger.Amount)
	for k, v := range b.tracker.Snapshot() {
		out[k.AccountPath()] = v
	}
	return out
}

// Restore replaces balances from a Snapshot.
func (b *Book) Restore(balances map[string]ledger.Amount) error {
	tracker := ledger.NewBalanceTracker()
	for path, v := range balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return err
		}
		tracker.SetBalance(key, v)
	}
	b.tracker = tracker
	b.validator = ledger.NewInvariantValidator(tracker)
	b.transfers = ledger.NewJournalGenerator(0, tracker)
	return nil
}
