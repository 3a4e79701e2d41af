package ledger

import (
	"ArenaLedger/internal/errs"
	"fmt"

	"github.com/google/uuid"
)

// BalanceReader exposes spendable balances for pre-checks
type BalanceReader interface {
	BalanceOf(id Identity) Amount
}

// JournalGenerator creates journal batches for escrow movements
type JournalGenerator struct {
	sequence int64
	balances BalanceReader // for pre-checks
}

func NewJournalGenerator(startSequence int64, balances BalanceReader) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		balances: balances,
	}
}

// SetSequence realigns the generator after a snapshot restore
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// Sequence returns the sequence the next batch will carry
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, legs int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) addLeg(b *Batch, debit, credit AccountKey, amount Amount, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit credits a participant from outside the ledger.
// Moves funds: external:deposits → user:available
func (jg *JournalGenerator) GenerateDeposit(eventRef string, to Identity, amount Amount, timestamp int64) (*Batch, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidArgument)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addLeg(batch, NewUserAccountKey(to), ExternalDepositsKey(), amount, JournalTypeDeposit)
	jg.sequence++

	return batch, nil
}

// GenerateStakeLock escrows a participant's stake.
// Pre-check: participant must hold the stake.
// Moves funds: user:available → system:escrow
func (jg *JournalGenerator) GenerateStakeLock(eventRef string, from Identity, stake Amount, timestamp int64) (*Batch, error) {
	if have := jg.balances.BalanceOf(from); have < stake {
		return nil, fmt.Errorf("%w: %s has %d, stake is %d", errs.ErrInsufficientFunds, from, have, stake)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addLeg(batch, EscrowAccountKey(), NewUserAccountKey(from), stake, JournalTypeStakeLock)
	jg.sequence++

	return batch, nil
}

// GeneratePayout releases a whole pot to the winner.
// Moves funds: system:escrow → user:available
func (jg *JournalGenerator) GeneratePayout(eventRef string, winner Identity, pot Amount, timestamp int64) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addLeg(batch, NewUserAccountKey(winner), EscrowAccountKey(), pot, JournalTypePayout)
	jg.sequence++

	return batch, nil
}

// GenerateRefund returns escrowed stakes to one or more participants in a
// single batch, e.g. the creator on cancel or both sides on a draw.
// Moves funds: system:escrow → user:available (per participant)
func (jg *JournalGenerator) GenerateRefund(eventRef string, stake Amount, timestamp int64, to ...Identity) (*Batch, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: refund without recipients", errs.ErrInvariantViolation)
	}

	batch := jg.newBatch(eventRef, timestamp, len(to))
	for _, id := range to {
		jg.addLeg(batch, NewUserAccountKey(id), EscrowAccountKey(), stake, JournalTypeRefund)
	}
	jg.sequence++

	return batch, nil
}

// GenerateTransfer builds a single-leg transfer between two endpoints, where a
// nil endpoint is the escrow account.
func (jg *JournalGenerator) GenerateTransfer(eventRef string, from, to *Identity, amount Amount, timestamp int64) (*Batch, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", errs.ErrInvalidArgument)
	}
	credit, debit := AccountFor(from), AccountFor(to)
	if credit == debit {
		return nil, fmt.Errorf("%w: transfer to same account %s", errs.ErrInvalidArgument, credit.AccountPath())
	}

	jt := JournalTypeTransfer
	switch {
	case to == nil:
		jt = JournalTypeStakeLock
	case from == nil:
		jt = JournalTypePayout
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addLeg(batch, debit, credit, amount, jt)
	jg.sequence++

	return batch, nil
}
