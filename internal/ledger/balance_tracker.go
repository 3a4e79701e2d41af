package ledger

import (
	"ArenaLedger/internal/errs"
	"fmt"
	"math"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe; only accessed from the single-threaded core.
type BalanceTracker struct {
	balances map[AccountKey]Amount

	// issued counts what external accounts have paid into the ledger
	issued map[AccountKey]Amount
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]Amount),
		issued:   make(map[AccountKey]Amount),
	}
}

// ApplyBatch applies all journals in a batch, or none of them.
// Every credit is checked against a staged copy of the touched balances
// before anything is written, so a failing leg leaves the tracker untouched.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: invalid batch: %v", errs.ErrInvariantViolation, err)
	}

	for _, j := range batch.Journals {
		if j.DebitAccount.IsExternal() {
			return fmt.Errorf("%w: journal %s pays out to external account", errs.ErrInvariantViolation, j.JournalID)
		}
	}

	staged := make(map[AccountKey]Amount)
	stagedIssued := make(map[AccountKey]Amount)
	get := func(key AccountKey) Amount {
		if v, ok := staged[key]; ok {
			return v
		}
		return bt.balances[key]
	}
	getIssued := func(key AccountKey) Amount {
		if v, ok := stagedIssued[key]; ok {
			return v
		}
		return bt.issued[key]
	}

	for _, j := range batch.Journals {
		if j.CreditAccount.IsExternal() {
			issued := getIssued(j.CreditAccount)
			if issued > math.MaxUint64-j.Amount {
				return fmt.Errorf("%w: issuance overflow on %s", errs.ErrInvariantViolation, j.CreditAccount.AccountPath())
			}
			stagedIssued[j.CreditAccount] = issued + j.Amount
		} else {
			have := get(j.CreditAccount)
			if have < j.Amount {
				return fmt.Errorf("%w: %s has %d, needs %d",
					errs.ErrInsufficientFunds, j.CreditAccount.AccountPath(), have, j.Amount)
			}
			staged[j.CreditAccount] = have - j.Amount
		}

		to := get(j.DebitAccount)
		if to > math.MaxUint64-j.Amount {
			return fmt.Errorf("%w: balance overflow on %s", errs.ErrInvariantViolation, j.DebitAccount.AccountPath())
		}
		staged[j.DebitAccount] = to + j.Amount
	}

	for key, v := range staged {
		bt.balances[key] = v
	}
	for key, v := range stagedIssued {
		bt.issued[key] = v
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) Amount {
	return bt.balances[key]
}

// GetUserBalance returns a participant's spendable balance
func (bt *BalanceTracker) GetUserBalance(id Identity) Amount {
	return bt.balances[NewUserAccountKey(id)]
}

// BalanceOf implements BalanceReader
func (bt *BalanceTracker) BalanceOf(id Identity) Amount {
	return bt.GetUserBalance(id)
}

// GetEscrowBalance returns the funds currently held in escrow
func (bt *BalanceTracker) GetEscrowBalance() Amount {
	return bt.balances[EscrowAccountKey()]
}

// TotalIssued returns everything ever paid in from external accounts
func (bt *BalanceTracker) TotalIssued() Amount {
	var sum Amount
	for _, v := range bt.issued {
		sum += v
	}
	return sum
}

// ComputeGlobalBalance sums all internal account balances.
// Funds are conserved, so this always equals TotalIssued.
func (bt *BalanceTracker) ComputeGlobalBalance() Amount {
	var sum Amount
	for _, v := range bt.balances {
		sum += v
	}
	return sum
}

// SetBalance overwrites an account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, amount Amount) {
	if key.IsExternal() {
		bt.issued[key] = amount
		return
	}
	bt.balances[key] = amount
}

// Snapshot returns a copy of all balances, external issuance included
func (bt *BalanceTracker) Snapshot() map[AccountKey]Amount {
	snapshot := make(map[AccountKey]Amount, len(bt.balances)+len(bt.issued))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	for k, v := range bt.issued {
		snapshot[k] = v
	}
	return snapshot
}
