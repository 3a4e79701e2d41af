package escrow

import (
	"ArenaLedger/internal/ledger"
	"context"
)

// Port is the host boundary the core moves funds through.
// A nil endpoint in Transfer is the escrow account held by the ledger.
type Port interface {
	BalanceOf(id ledger.Identity) ledger.Amount
	Transfer(ctx context.Context, from, to *ledger.Identity, amount ledger.Amount) error
	CallerIdentity(ctx context.Context) (ledger.Identity, bool)
	Now() int64
}

// Committer is a Port able to apply a multi-leg batch in one step.
type Committer interface {
	Port
	Commit(ctx context.Context, batch *ledger.Batch) error
}

type callerKey struct{}

// WithCaller attaches the authenticated caller to ctx.
func WithCaller(ctx context.Context, id ledger.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFrom returns the caller attached by WithCaller. An empty identity
// counts as absent.
func CallerFrom(ctx context.Context) (ledger.Identity, bool) {
	id, ok := ctx.Value(callerKey{}).(ledger.Identity)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
