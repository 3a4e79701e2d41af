package state

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"fmt"
	"math"
	"sort"
)

// MaxStake keeps the pot of a match representable
const MaxStake = ledger.Amount(math.MaxUint64 / 2)

// UnderflowFunc observes a saturated pool subtraction
type UnderflowFunc func(pool, amount ledger.Amount)

// MatchRegistry owns match records, the id counter and the stake pool.
//
// Every mutating method has a Check counterpart with identical preconditions
// and no side effects. The core runs the check before escrowing funds so the
// mutation that follows cannot fail.
type MatchRegistry struct {
	matches map[uint64]*Match
	nextID  uint64
	pool    ledger.Amount
	owner   ledger.Identity
	index   *QueryIndex

	onUnderflow UnderflowFunc
}

func NewMatchRegistry(owner ledger.Identity) *MatchRegistry {
	r := &MatchRegistry{
		matches: make(map[uint64]*Match),
		nextID:  1,
		owner:   owner,
	}
	r.index = newQueryIndex(r.Get)
	return r
}

// OnUnderflow installs the observer for saturated pool releases
func (r *MatchRegistry) OnUnderflow(fn UnderflowFunc) {
	r.onUnderflow = fn
}

func (r *MatchRegistry) Get(id uint64) *Match {
	return r.matches[id]
}

func (r *MatchRegistry) NextMatchID() uint64 {
	return r.nextID
}

func (r *MatchRegistry) TotalStakePool() ledger.Amount {
	return r.pool
}

func (r *MatchRegistry) Owner() ledger.Identity {
	return r.owner
}

func (r *MatchRegistry) Index() *QueryIndex {
	return r.index
}

// ExpectedPool recomputes the pool from live matches. Returns false if the
// sum does not fit an Amount.
func (r *MatchRegistry) ExpectedPool() (ledger.Amount, bool) {
	return r.index.sumEscrowed()
}

func (r *MatchRegistry) lookup(id uint64) (*Match, error) {
	m := r.matches[id]
	if m == nil {
		return nil, fmt.Errorf("%w: match %d", errs.ErrNotFound, id)
	}
	return m, nil
}

func (r *MatchRegistry) reserve(amount ledger.Amount) error {
	if r.pool > math.MaxUint64-amount {
		return fmt.Errorf("%w: stake pool overflow (%d + %d)", errs.ErrInvariantViolation, r.pool, amount)
	}
	return nil
}

// release subtracts from the pool, clamping at zero
func (r *MatchRegistry) release(amount ledger.Amount) {
	if amount > r.pool {
		if r.onUnderflow != nil {
			r.onUnderflow(r.pool, amount)
		}
		r.pool = 0
		return
	}
	r.pool -= amount
}

func (r *MatchRegistry) transition(m *Match, to Status) {
	if !m.Status.CanTransitionTo(to) {
		panic(fmt.Sprintf("FATAL: match %d: illegal transition %s -> %s", m.ID, m.Status, to))
	}
	from := m.Status
	m.Status = to
	r.index.move(m.ID, from, to)
}

// CheckCreate validates a new match's stake
func (r *MatchRegistry) CheckCreate(stake ledger.Amount) error {
	if stake == 0 {
		return fmt.Errorf("%w: stake must be positive", errs.ErrInvalidArgument)
	}
	if stake > MaxStake {
		return fmt.Errorf("%w: stake %d exceeds %d", errs.ErrInvalidArgument, stake, MaxStake)
	}
	return r.reserve(stake)
}

// Create inserts a Waiting match under the next id. The creator's stake is
// expected to be in escrow already.
func (r *MatchRegistry) Create(creator ledger.Identity, stake ledger.Amount, roomCode string, now int64) (uint64, error) {
	if err := r.CheckCreate(stake); err != nil {
		return 0, err
	}

	id := r.nextID
	r.nextID++

	m := &Match{
		ID:        id,
		Creator:   creator,
		Stake:     stake,
		Status:    StatusWaiting,
		CreatedAt: now,
		RoomCode:  roomCode,
	}
	r.matches[id] = m
	r.index.insert(m)
	r.pool += stake

	return id, nil
}

// CheckJoin validates opponent joining match id
func (r *MatchRegistry) CheckJoin(id uint64, opponent ledger.Identity) (*Match, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	// Self-join is reported in every status, including after the match started.
	if opponent == m.Creator {
		return nil, fmt.Errorf("%w: %s created match %d", errs.ErrSelfJoin, opponent, id)
	}
	if m.Status != StatusWaiting || m.Opponent != nil {
		return nil, fmt.Errorf("%w: match %d is %s", errs.ErrInvalidState, id, m.Status)
	}
	if err := r.reserve(m.Stake); err != nil {
		return nil, err
	}
	return m, nil
}

// Join admits the opponent and starts the match
func (r *MatchRegistry) Join(id uint64, opponent ledger.Identity, now int64) error {
	m, err := r.CheckJoin(id, opponent)
	if err != nil {
		return err
	}

	opp := opponent
	started := now
	m.Opponent = &opp
	m.StartedAt = &started
	r.transition(m, StatusActive)
	r.index.addParticipant(id, opponent)
	r.pool += m.Stake

	return nil
}

// CheckCancel validates caller cancelling match id
func (r *MatchRegistry) CheckCancel(id uint64, caller ledger.Identity) (*Match, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusWaiting {
		return nil, fmt.Errorf("%w: match %d is %s", errs.ErrInvalidState, id, m.Status)
	}
	if caller != m.Creator {
		return nil, fmt.Errorf("%w: only the creator can cancel match %d", errs.ErrNotAuthorized, id)
	}
	return m, nil
}

// Cancel closes a Waiting match and returns the creator's refund
func (r *MatchRegistry) Cancel(id uint64, caller ledger.Identity, now int64) (ledger.Amount, error) {
	m, err := r.CheckCancel(id, caller)
	if err != nil {
		return 0, err
	}

	ended := now
	m.EndedAt = &ended
	r.transition(m, StatusCancelled)
	r.release(m.Stake)

	return m.Stake, nil
}

// Complete records the result of an Active match and releases its pot.
// Callers validate participation first; Complete only enforces the status.
func (r *MatchRegistry) Complete(id uint64, score1, score2 uint8, winner *ledger.Identity, now int64) (*Match, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusActive {
		return nil, fmt.Errorf("%w: match %d is %s", errs.ErrInvalidState, id, m.Status)
	}

	ended := now
	m.Score1 = score1
	m.Score2 = score2
	m.Winner = cloneIdentity(winner)
	m.EndedAt = &ended
	r.transition(m, StatusCompleted)
	r.release(m.Pot())

	return m, nil
}

// Matches returns every match ascending by id (snapshots)
func (r *MatchRegistry) Matches() []*Match {
	out := make([]*Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces registry contents from a snapshot and rebuilds the indices
func (r *MatchRegistry) Restore(matches []*Match, nextID uint64, pool ledger.Amount) error {
	if nextID == 0 {
		return fmt.Errorf("%w: next match id must start at 1", errs.ErrInvalidArgument)
	}
	r.matches = make(map[uint64]*Match, len(matches))
	r.index = newQueryIndex(r.Get)
	for _, m := range matches {
		if m.ID == 0 || m.ID >= nextID {
			return fmt.Errorf("%w: match id %d outside 1..%d", errs.ErrInvalidArgument, m.ID, nextID-1)
		}
		c := m.Clone()
		r.matches[c.ID] = c
		r.index.insert(c)
	}
	r.nextID = nextID
	r.pool = pool
	return nil
}
