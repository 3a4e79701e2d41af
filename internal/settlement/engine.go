package settlement

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/state"
	"fmt"
)

// Payout is one release of escrowed funds to a participant
type Payout struct {
	To     ledger.Identity
	Amount ledger.Amount
}

// Plan is a validated result submission that has not been applied yet
type Plan struct {
	MatchID uint64
	Stake   ledger.Amount
	Score1  uint8
	Score2  uint8
	Winner  *ledger.Identity // nil on a draw
	Payouts []Payout
}

// Total is everything the plan releases from escrow
func (p *Plan) Total() ledger.Amount {
	var sum ledger.Amount
	for _, po := range p.Payouts {
		sum += po.Amount
	}
	return sum
}

// Journal builds the escrow batch that carries out the plan.
// Decisive: one payout leg. Draw: one refund leg per participant.
func (p *Plan) Journal(gen *ledger.JournalGenerator, eventRef string, timestamp int64) (*ledger.Batch, error) {
	if p.Winner != nil {
		return gen.GeneratePayout(eventRef, *p.Winner, p.Total(), timestamp)
	}
	to := make([]ledger.Identity, 0, len(p.Payouts))
	for _, po := range p.Payouts {
		to = append(to, po.To)
	}
	return gen.GenerateRefund(eventRef, p.Stake, timestamp, to...)
}

// Outcome is the result of a settled match
type Outcome struct {
	MatchID uint64
	Winner  *ledger.Identity
	Payout  ledger.Amount // total released from escrow
	Score1  uint8
	Score2  uint8
	Payouts []Payout
}

// Engine settles Active matches
type Engine struct {
	registry *state.MatchRegistry
	stats    *state.StatsAggregator
}

func NewEngine(registry *state.MatchRegistry, stats *state.StatsAggregator) *Engine {
	return &Engine{
		registry: registry,
		stats:    stats,
	}
}

// ResolveWinner returns the creator if score1 is higher, the opponent if
// score2 is higher, nil on a draw.
func ResolveWinner(m *state.Match, score1, score2 uint8) *ledger.Identity {
	var w ledger.Identity
	switch {
	case score1 > score2:
		w = m.Creator
	case score2 > score1:
		if m.Opponent == nil {
			return nil
		}
		w = *m.Opponent
	default:
		return nil
	}
	return &w
}

// Prepare validates a result submission and plans the payout.
// Nothing is mutated.
func (e *Engine) Prepare(id uint64, caller ledger.Identity, score1, score2 uint8) (*Plan, error) {
	m := e.registry.Get(id)
	if m == nil {
		return nil, fmt.Errorf("%w: match %d", errs.ErrNotFound, id)
	}
	if m.Status != state.StatusActive || m.Opponent == nil {
		return nil, fmt.Errorf("%w: match %d is %s", errs.ErrInvalidState, id, m.Status)
	}
	if !m.IsParticipant(caller) {
		return nil, fmt.Errorf("%w: %s is not a participant of match %d", errs.ErrNotAuthorized, caller, id)
	}

	plan := &Plan{
		MatchID: id,
		Stake:   m.Stake,
		Score1:  score1,
		Score2:  score2,
		Winner:  ResolveWinner(m, score1, score2),
	}
	if plan.Winner != nil {
		plan.Payouts = []Payout{{To: *plan.Winner, Amount: m.Pot()}}
	} else {
		plan.Payouts = []Payout{
			{To: m.Creator, Amount: m.Stake},
			{To: *m.Opponent, Amount: m.Stake},
		}
	}
	return plan, nil
}

// Settle applies a prepared plan: the match is Completed, its pot leaves
// the pool and both records are updated.
func (e *Engine) Settle(plan *Plan, now int64) (*Outcome, error) {
	m, err := e.registry.Complete(plan.MatchID, plan.Score1, plan.Score2, plan.Winner, now)
	if err != nil {
		return nil, err
	}
	if err := e.stats.RecordSettlement(m); err != nil {
		return nil, err
	}

	return &Outcome{
		MatchID: plan.MatchID,
		Winner:  m.Winner,
		Payout:  plan.Total(),
		Score1:  plan.Score1,
		Score2:  plan.Score2,
		Payouts: plan.Payouts,
	}, nil
}
