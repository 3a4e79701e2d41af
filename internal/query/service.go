package query

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultHistoryLimit caps journal history pages
const DefaultHistoryLimit = 100

// Viewer runs a read on the core goroutine
type Viewer interface {
	View(ctx context.Context, fn func(*core.Engine)) error
}

// QueryService serves reads. Match, stats and balance queries read the live
// core through the dispatcher, so they are always current. Journal history
// and integrity checks read Postgres and need db.
type QueryService struct {
	core Viewer
	db   *sql.DB
}

// NewQueryService creates the service. db may be nil, in which case the
// SQL-backed queries fail with InvalidState.
func NewQueryService(core Viewer, db *sql.DB) *QueryService {
	return &QueryService{core: core, db: db}
}

// GetMatch returns one match or NotFound.
func (qs *QueryService) GetMatch(ctx context.Context, id uint64) (*MatchResponse, error) {
	var resp MatchResponse
	var found bool
	err := qs.core.View(ctx, func(e *core.Engine) {
		resp.Match, found = e.Match(id)
		resp.AsOfSequence = asOf(e)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: match %d", errs.ErrNotFound, id)
	}
	return &resp, nil
}

// GetOpenMatches returns Waiting matches in ascending id order.
func (qs *QueryService) GetOpenMatches(ctx context.Context) (*MatchListResponse, error) {
	var resp MatchListResponse
	err := qs.core.View(ctx, func(e *core.Engine) {
		resp.Matches = e.OpenMatches()
		resp.AsOfSequence = asOf(e)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMatchesFor returns every match id took part in, ascending id order.
func (qs *QueryService) GetMatchesFor(ctx context.Context, id ledger.Identity) (*MatchListResponse, error) {
	var resp MatchListResponse
	err := qs.core.View(ctx, func(e *core.Engine) {
		resp.Matches = e.MatchesFor(id)
		resp.AsOfSequence = asOf(e)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStats returns a participant's record with its derived win rate.
func (qs *QueryService) GetStats(ctx context.Context, id ledger.Identity) (*StatsResponse, error) {
	var resp StatsResponse
	err := qs.core.View(ctx, func(e *core.Engine) {
		resp.Stats, resp.Found = e.Stats(id)
		resp.AsOfSequence = asOf(e)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBalance returns the identity's available balance in the escrow book.
func (qs *QueryService) GetBalance(ctx context.Context, id ledger.Identity) (*BalanceResponse, error) {
	resp := BalanceResponse{Identity: string(id)}
	err := qs.core.View(ctx, func(e *core.Engine) {
		resp.Available = e.BalanceOf(id)
		resp.AsOfSequence = asOf(e)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSummary returns owner, next match id, stake pool and chain tip.
func (qs *QueryService) GetSummary(ctx context.Context) (*LedgerSummary, error) {
	var resp LedgerSummary
	err := qs.core.View(ctx, func(e *core.Engine) {
		hash := e.GetStateHash()
		resp = LedgerSummary{
			Owner:          string(e.Owner()),
			NextMatchID:    e.NextMatchID(),
			TotalStakePool: e.TotalStakePool(),
			StateHash:      hex.EncodeToString(hash[:]),
			AsOfSequence:   asOf(e),
		}
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJournalHistory returns journal entries touching id, newest first.
// beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	id ledger.Identity,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("%w: journal history needs the event log", errs.ErrInvalidState)
	}
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	account := ledger.NewUserAccountKey(id).AccountPath()
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0, limit)
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the logged hash chain and compares the escrow held
// according to the journal with the stake the match projection says is live.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("%w: integrity check needs the event log", errs.ErrInvalidState)
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	escrow := ledger.EscrowAccountKey().AccountPath()
	err = qs.db.QueryRowContext(ctx, `
		SELECT
			(COALESCE(SUM(amount) FILTER (WHERE debit_account = $1), 0)
			 - COALESCE(SUM(amount) FILTER (WHERE credit_account = $1), 0))::text
		FROM event_log.journal
	`, escrow).Scan(&report.JournalEscrow)
	if err != nil {
		return nil, fmt.Errorf("journal escrow: %w", err)
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE status WHEN $1 THEN stake WHEN $2 THEN 2 * stake ELSE 0 END), 0)::text
		FROM projections.matches
	`, state.StatusWaiting.String(), state.StatusActive.String()).Scan(&report.ProjectedEscrow)
	if err != nil {
		return nil, fmt.Errorf("projected escrow: %w", err)
	}

	var logged, projected sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&logged); err != nil {
		return nil, err
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&projected)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	report.ProjectionLagged = logged.Int64 != projected.Int64

	escrowAgrees := strings.TrimSpace(report.JournalEscrow) == strings.TrimSpace(report.ProjectedEscrow)
	report.IsHealthy = len(report.HashChainBreaks) == 0 && (escrowAgrees || report.ProjectionLagged)
	return report, nil
}

// asOf is the sequence of the last applied operation
func asOf(e *core.Engine) int64 {
	return e.GetSequence() - 1
}
