package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateEscrowCoversPool verifies the escrow account holds exactly the
// stake pool the registry accounts for.
func (v *InvariantValidator) ValidateEscrowCoversPool(pool Amount) error {
	escrow := v.tracker.GetEscrowBalance()
	if escrow != pool {
		return fmt.Errorf("escrow balance %d does not match stake pool %d", escrow, pool)
	}
	return nil
}

// ValidateConservation verifies no funds were created or destroyed
func (v *InvariantValidator) ValidateConservation() error {
	held := v.tracker.ComputeGlobalBalance()
	issued := v.tracker.TotalIssued()
	if held != issued {
		return fmt.Errorf("ledger holds %d but %d was issued", held, issued)
	}
	return nil
}
