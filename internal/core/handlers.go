package core

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/state"
	"fmt"
	"sort"
)

// handleCreateGame escrows the creator's stake and opens a Waiting match.
// Journal: user:available → system:escrow (stake)
func (c *Engine) handleCreateGame(evt *event.CreateGame) (*applied, error) {
	if err := c.registry.CheckCreate(evt.Stake); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateStakeLock(evt.IdempotencyKey(), evt.Caller(), evt.Stake, evt.OccurredAt())
	if err != nil {
		return nil, err
	}

	return &applied{
		batch: batch,
		apply: func() (Result, event.Notification, *state.Match, error) {
			id, err := c.registry.Create(evt.Caller(), evt.Stake, evt.RoomCode, evt.OccurredAt())
			if err != nil {
				return Result{}, nil, nil, err
			}
			n := &event.GameCreated{ID: id, Creator: evt.Caller(), Stake: evt.Stake, RoomCode: evt.RoomCode}
			return Result{MatchID: id}, n, c.registry.Get(id).Clone(), nil
		},
	}, nil
}

// handleJoinGame escrows a matching stake from the caller and starts the match.
// Journal: user:available → system:escrow (stake)
func (c *Engine) handleJoinGame(evt *event.JoinGame) (*applied, error) {
	m, err := c.registry.CheckJoin(evt.GameID, evt.Caller())
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateStakeLock(evt.IdempotencyKey(), evt.Caller(), m.Stake, evt.OccurredAt())
	if err != nil {
		return nil, err
	}

	return &applied{
		batch: batch,
		apply: func() (Result, event.Notification, *state.Match, error) {
			if err := c.registry.Join(evt.GameID, evt.Caller(), evt.OccurredAt()); err != nil {
				return Result{}, nil, nil, err
			}
			n := &event.GameJoined{ID: evt.GameID, Opponent: evt.Caller()}
			return Result{MatchID: evt.GameID}, n, c.registry.Get(evt.GameID).Clone(), nil
		},
	}, nil
}

// handleSubmitResult settles an Active match.
// Journal (decisive): system:escrow → winner (pot)
// Journal (draw):     system:escrow → each participant (stake)
func (c *Engine) handleSubmitResult(evt *event.SubmitResult) (*applied, error) {
	plan, err := c.settlement.Prepare(evt.GameID, evt.Caller(), evt.Score1, evt.Score2)
	if err != nil {
		return nil, err
	}

	batch, err := plan.Journal(c.journalGen, evt.IdempotencyKey(), evt.OccurredAt())
	if err != nil {
		return nil, err
	}

	return &applied{
		batch: batch,
		apply: func() (Result, event.Notification, *state.Match, error) {
			outcome, err := c.settlement.Settle(plan, evt.OccurredAt())
			if err != nil {
				return Result{}, nil, nil, err
			}
			if c.metrics != nil {
				if outcome.Winner == nil {
					c.metrics.Settlements.WithLabelValues("draw").Inc()
					c.metrics.TokensReleased.WithLabelValues("refund").Add(float64(outcome.Payout))
				} else {
					c.metrics.Settlements.WithLabelValues("decisive").Inc()
					c.metrics.TokensReleased.WithLabelValues("payout").Add(float64(outcome.Payout))
				}
			}
			n := &event.GameCompleted{ID: evt.GameID, Winner: outcome.Winner, Score1: evt.Score1, Score2: evt.Score2}
			return Result{MatchID: evt.GameID, Outcome: outcome}, n, c.registry.Get(evt.GameID).Clone(), nil
		},
	}, nil
}

// handleCancelGame refunds the creator of a Waiting match.
// Journal: system:escrow → creator (stake)
func (c *Engine) handleCancelGame(evt *event.CancelGame) (*applied, error) {
	m, err := c.registry.CheckCancel(evt.GameID, evt.Caller())
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateRefund(evt.IdempotencyKey(), m.Stake, evt.OccurredAt(), m.Creator)
	if err != nil {
		return nil, err
	}

	return &applied{
		batch: batch,
		apply: func() (Result, event.Notification, *state.Match, error) {
			refund, err := c.registry.Cancel(evt.GameID, evt.Caller(), evt.OccurredAt())
			if err != nil {
				return Result{}, nil, nil, err
			}
			if c.metrics != nil {
				c.metrics.TokensReleased.WithLabelValues("cancel").Add(float64(refund))
			}
			n := &event.GameCancelled{ID: evt.GameID}
			return Result{MatchID: evt.GameID, Refund: refund}, n, c.registry.Get(evt.GameID).Clone(), nil
		},
	}, nil
}

// handleDepositConfirmed credits a participant from outside the ledger.
// Only the owner may confirm deposits.
// Journal: external:deposits → user:available (amount)
func (c *Engine) handleDepositConfirmed(evt *event.DepositConfirmed) (*applied, error) {
	if evt.Caller() != c.registry.Owner() {
		return nil, fmt.Errorf("%w: deposits are confirmed by the owner", errs.ErrNotAuthorized)
	}
	if evt.Account == "" {
		return nil, fmt.Errorf("%w: deposit without account", errs.ErrInvalidArgument)
	}

	batch, err := c.journalGen.GenerateDeposit(evt.IdempotencyKey(), evt.Account, evt.Amount, evt.OccurredAt())
	if err != nil {
		return nil, err
	}

	return &applied{
		batch: batch,
		apply: func() (Result, event.Notification, *state.Match, error) {
			return Result{Balance: c.port.BalanceOf(evt.Account)}, nil, nil, nil
		},
	}, nil
}

// participants returns the identities whose records an operation touched,
// sorted.
func (c *Engine) participants(evt event.Event, m *state.Match) []ledger.Identity {
	var ids []ledger.Identity
	switch {
	case m != nil:
		ids = append(ids, m.Creator)
		if m.Opponent != nil {
			ids = append(ids, *m.Opponent)
		}
	default:
		if d, ok := evt.(*event.DepositConfirmed); ok {
			ids = append(ids, d.Account)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// statsFor returns the updated records of a settled match's participants
func (c *Engine) statsFor(ids []ledger.Identity, m *state.Match) map[ledger.Identity]state.PlayerStats {
	if m == nil || m.Status != state.StatusCompleted {
		return nil
	}
	out := make(map[ledger.Identity]state.PlayerStats, len(ids))
	for _, id := range ids {
		out[id] = c.stats.Get(id)
	}
	return out
}

// computeStateDigest creates canonical bytes for the state hash: global
// counters, the touched match, balances of touched accounts and the records
// of the touched participants.
func (c *Engine) computeStateDigest(batch *ledger.Batch, m *state.Match, ids []ledger.Identity) []byte {
	digest := make([]byte, 0, 256)

	digest = appendUint64LE(digest, c.registry.NextMatchID())
	digest = appendUint64LE(digest, c.registry.TotalStakePool())

	if m != nil {
		digest = append(digest, m.CanonicalBytes()...)
	}

	// Collect all affected accounts
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint64LE(digest, c.balanceOfAccount(key))
	}

	for _, id := range ids {
		ps := c.stats.Get(id)
		digest = append(digest, byte(len(id)))
		digest = append(digest, id...)
		digest = append(digest, ps.CanonicalBytes()...)
	}

	return digest
}

func (c *Engine) balanceOfAccount(key ledger.AccountKey) ledger.Amount {
	switch key.Scope {
	case ledger.AccountScopeUser:
		return c.port.BalanceOf(key.Owner)
	case ledger.AccountScopeSystem:
		if er, ok := c.port.(EscrowReader); ok {
			return er.EscrowBalance()
		}
	}
	return 0
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
