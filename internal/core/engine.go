package core

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/settlement"
	"ArenaLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLRUCapacity bounds the in-memory idempotency tier
const DefaultLRUCapacity = 1_000_000

// EscrowReader is implemented by ports that expose the escrow account
// balance. When available the core checks it against the stake pool after
// every operation.
type EscrowReader interface {
	EscrowBalance() ledger.Amount
}

// Engine is the single-threaded operation processor. It owns the registry,
// the stats and the settlement engine, and is the only writer of all three.
type Engine struct {
	sequence    int64
	hasher      *HashChain
	port        escrow.Port
	journalGen  *ledger.JournalGenerator
	registry    *state.MatchRegistry
	stats       *state.StatsAggregator
	settlement  *settlement.Engine
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	notifyChan     chan<- CoreOutput
}

// Options configures a new Engine. Nil channels are skipped.
type Options struct {
	StartSequence  int64
	Owner          ledger.Identity
	Port           escrow.Port
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	NotifyChan     chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// CoreOutput is everything downstream consumers learn about one applied
// operation.
type CoreOutput struct {
	Envelope     *event.EventEnvelope
	Batch        *ledger.Batch
	Notification event.Notification
	Match        *state.Match // post-operation copy, nil for deposits
	Stats        map[ledger.Identity]state.PlayerStats
	StateDelta   []byte
}

// Result is what the submitter of an operation gets back
type Result struct {
	Sequence int64
	MatchID  uint64
	Refund   ledger.Amount
	Outcome  *settlement.Outcome
	Balance  ledger.Amount // depositor's balance after a deposit
}

func NewEngine(opts Options) *Engine {
	if opts.StartSequence == 0 {
		opts.StartSequence = 1
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = DefaultLRUCapacity
	}

	registry := state.NewMatchRegistry(opts.Owner)
	stats := state.NewStatsAggregator()

	c := &Engine{
		sequence:       opts.StartSequence,
		hasher:         NewHashChain(),
		port:           opts.Port,
		journalGen:     ledger.NewJournalGenerator(opts.StartSequence, opts.Port),
		registry:       registry,
		stats:          stats,
		settlement:     settlement.NewEngine(registry, stats),
		idempotency:    NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics),
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		notifyChan:     opts.NotifyChan,
	}
	registry.OnUnderflow(c.poolUnderflow)
	return c
}

func (c *Engine) poolUnderflow(pool, amount ledger.Amount) {
	c.logger.Error().
		Uint64("pool", pool).
		Uint64("release", amount).
		Str("kind", errs.KindInvariantViolation.String()).
		Msg("stake pool release exceeds pool, clamped to zero")
	if c.metrics != nil {
		c.metrics.PoolUnderflows.Inc()
	}
}

// applied is a validated operation whose escrow batch has been built but not
// committed. apply must not fail once the batch is in.
type applied struct {
	batch *ledger.Batch
	apply func() (Result, event.Notification, *state.Match, error)
}

// ProcessEvent is the main processing pipeline.
//
// Rejections return an error wrapping an errs sentinel and leave every piece
// of state untouched. Once the escrow batch commits, the remaining steps
// cannot fail; a failure there is a bug and panics.
func (c *Engine) ProcessEvent(ctx context.Context, evt event.Event) (*Result, error) {
	return c.process(ctx, evt, true)
}

func (c *Engine) process(ctx context.Context, evt event.Event, emit bool) (*Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Fill in caller and timestamp left unset by the transport
	caller, _ := c.port.CallerIdentity(ctx)
	evt.Stamp(caller, c.port.Now())

	// Step 2: Idempotency check (two-tier). Replayed events come from the log
	// and are unique already.
	if emit {
		dup, err := c.idempotency.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			return nil, c.reject(evt, err)
		}
		if dup {
			return nil, c.reject(evt, fmt.Errorf("%w: request %s", errs.ErrDuplicate, idempotencyKey))
		}
	}

	if evt.Caller() == "" {
		return nil, c.reject(evt, fmt.Errorf("%w: no caller identity", errs.ErrNotAuthorized))
	}

	// Step 3: Validate and plan
	c.journalGen.SetSequence(c.sequence)
	op, err := c.dispatchEvent(evt)
	if err != nil {
		return nil, c.reject(evt, err)
	}

	// Step 4: Commit escrow movement (all legs or none)
	poolBefore := c.registry.TotalStakePool()
	if err := escrow.CommitBatch(ctx, c.port, op.batch); err != nil {
		return nil, c.reject(evt, err)
	}

	// Step 5: Apply state mutation
	result, notification, match, err := op.apply()
	if err != nil {
		panic(fmt.Sprintf("FATAL: %s %s failed after escrow commit: %v", eventType, idempotencyKey, err))
	}

	// Step 6: Post-checks
	if err := c.postCheckInvariants(poolBefore, op.batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: State hash
	hashStart := time.Now()
	participants := c.participants(evt, match)
	stateDigest := c.computeStateDigest(op.batch, match, participants)
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Advance(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:     envelope,
		Batch:        op.batch,
		Notification: notification,
		Match:        match,
		Stats:        c.statsFor(participants, match),
		StateDelta:   stateDigest,
	}
	result.Sequence = c.sequence
	c.sequence++

	// Step 8: Emit outputs
	if emit {
		c.emit(output)
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordApplied(eventType, op.batch, start)

	return &result, nil
}

func (c *Engine) emit(output CoreOutput) {
	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no applied operation is lost.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	// Projections and notifications: non-blocking, drop on full. Projections
	// can be rebuilt from the event log.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
	if c.notifyChan != nil && output.Notification != nil {
		select {
		case c.notifyChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (c *Engine) reject(evt event.Event, err error) error {
	kind := errs.KindOf(err)
	ev := c.logger.Warn()
	if kind == errs.KindInvariantViolation || kind == errs.KindUnknown || kind == errs.KindUnavailable {
		ev = c.logger.Error()
	}
	ev.Err(err).
		Str("event_type", evt.EventType().String()).
		Str("request_id", evt.IdempotencyKey()).
		Str("caller", string(evt.Caller())).
		Str("kind", kind.String()).
		Msg("operation rejected")

	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(evt.EventType().String(), kind.String()).Inc()
	}
	return err
}

func (c *Engine) recordApplied(eventType string, batch *ledger.Batch, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	c.metrics.StakePool.Set(float64(c.registry.TotalStakePool()))
	c.metrics.NextMatchID.Set(float64(c.registry.NextMatchID()))
	for _, s := range []state.Status{state.StatusWaiting, state.StatusActive, state.StatusCompleted, state.StatusCancelled} {
		c.metrics.MatchesByStatus.WithLabelValues(s.String()).Set(float64(c.registry.Index().CountByStatus()[s]))
	}
	if er, ok := c.port.(EscrowReader); ok {
		c.metrics.EscrowBalance.Set(float64(er.EscrowBalance()))
	}
}

// postCheckInvariants checks one write: the pool moved by exactly the escrow
// legs of batch, and the escrow account still holds the pool.
func (c *Engine) postCheckInvariants(poolBefore ledger.Amount, batch *ledger.Batch) error {
	pool := c.registry.TotalStakePool()
	escrowKey := ledger.EscrowAccountKey()

	var in, out ledger.Amount
	for _, j := range batch.Journals {
		if j.DebitAccount == escrowKey {
			in += j.Amount
		}
		if j.CreditAccount == escrowKey {
			out += j.Amount
		}
	}
	if poolBefore+in != pool+out {
		return fmt.Errorf("stake pool moved %d -> %d, escrow legs moved +%d -%d", poolBefore, pool, in, out)
	}
	return c.checkEscrowHeld(pool)
}

// checkPool recomputes the pool from every live match. It walks the whole
// registry, so it runs on restore rather than per write.
func (c *Engine) checkPool() error {
	pool := c.registry.TotalStakePool()
	expected, ok := c.registry.ExpectedPool()
	if !ok {
		return errors.New("recomputed stake pool overflows")
	}
	if expected != pool {
		return fmt.Errorf("stake pool %d, live matches hold %d", pool, expected)
	}
	return c.checkEscrowHeld(pool)
}

func (c *Engine) checkEscrowHeld(pool ledger.Amount) error {
	if er, ok := c.port.(EscrowReader); ok {
		if held := er.EscrowBalance(); held != pool {
			return fmt.Errorf("escrow balance %d does not match stake pool %d", held, pool)
		}
	}
	return nil
}

func (c *Engine) dispatchEvent(evt event.Event) (*applied, error) {
	switch e := evt.(type) {
	case *event.CreateGame:
		return c.handleCreateGame(e)
	case *event.JoinGame:
		return c.handleJoinGame(e)
	case *event.SubmitResult:
		return c.handleSubmitResult(e)
	case *event.CancelGame:
		return c.handleCancelGame(e)
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	default:
		return nil, fmt.Errorf("%w: unknown event type %T", errs.ErrInvalidArgument, evt)
	}
}

// --- Read side. Call only from the goroutine that runs ProcessEvent. ---

func (c *Engine) Match(id uint64) (state.MatchView, bool) {
	m := c.registry.Get(id)
	if m == nil {
		return state.MatchView{}, false
	}
	return m.View(), true
}

func (c *Engine) OpenMatches() []state.MatchView {
	return c.registry.Index().OpenMatches()
}

func (c *Engine) MatchesFor(id ledger.Identity) []state.MatchView {
	return c.registry.Index().MatchesFor(id)
}

// Stats returns the identity's record; found is false if it never settled
// a match, in which case the view holds zeros.
func (c *Engine) Stats(id ledger.Identity) (state.StatsView, bool) {
	ps, found := c.stats.Lookup(id)
	return ps.View(id), found
}

func (c *Engine) TotalStakePool() ledger.Amount {
	return c.registry.TotalStakePool()
}

func (c *Engine) NextMatchID() uint64 {
	return c.registry.NextMatchID()
}

func (c *Engine) Owner() ledger.Identity {
	return c.registry.Owner()
}

func (c *Engine) BalanceOf(id ledger.Identity) ledger.Amount {
	return c.port.BalanceOf(id)
}

// GetSequence returns the sequence the next applied operation will carry.
func (c *Engine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.Tip()
}
