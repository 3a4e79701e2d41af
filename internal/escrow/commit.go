package escrow

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"context"
	"fmt"
)

// CommitBatch applies every leg of batch through port, or none of them.
//
// Ports implementing Committer apply the batch natively. Otherwise legs are
// issued as individual transfers and the ones already applied are reversed
// if a later leg fails.
func CommitBatch(ctx context.Context, port Port, batch *ledger.Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvariantViolation, err)
	}
	if c, ok := port.(Committer); ok {
		return c.Commit(ctx, batch)
	}

	type leg struct {
		from, to *ledger.Identity
		amount   ledger.Amount
	}
	legs := make([]leg, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		from, err := endpoint(j.CreditAccount)
		if err != nil {
			return err
		}
		to, err := endpoint(j.DebitAccount)
		if err != nil {
			return err
		}
		legs = append(legs, leg{from: from, to: to, amount: j.Amount})
	}

	for i, l := range legs {
		if err := port.Transfer(ctx, l.from, l.to, l.amount); err != nil {
			for k := i - 1; k >= 0; k-- {
				if rerr := port.Transfer(ctx, legs[k].to, legs[k].from, legs[k].amount); rerr != nil {
					panic(fmt.Sprintf("FATAL: batch %s: reversing leg %d failed: %v", batch.BatchID, k, rerr))
				}
			}
			return err
		}
	}
	return nil
}

func endpoint(key ledger.AccountKey) (*ledger.Identity, error) {
	switch key.Scope {
	case ledger.AccountScopeUser:
		id := key.Owner
		return &id, nil
	case ledger.AccountScopeSystem:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s cannot be reached through a plain transfer port",
		errs.ErrInvariantViolation, key.AccountPath())
}
