package projection

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker keeps the projections schema in step with the core for
// SQL consumers. The projection channel drops on overflow, so these tables
// may lag; RebuildProjections restores them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("sql").Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionSequence.WithLabelValues("sql").Set(float64(seq))
			}
		}
	}
}

// LastSequence returns the last sequence this worker projected
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Match != nil {
		if err := upsertMatch(ctx, tx, output.Match, seq); err != nil {
			return fmt.Errorf("match projection: %w", err)
		}
	}

	ids := make([]ledger.Identity, 0, len(output.Stats))
	for id := range output.Stats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := upsertStats(ctx, tx, id, output.Stats[id], seq); err != nil {
			return fmt.Errorf("stats projection: %w", err)
		}
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyBalanceDelta(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertMatch(ctx context.Context, tx *sql.Tx, m *state.Match, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.matches
			(match_id, creator, opponent, stake, status, winner, score1, score2, room_code,
			 created_at_us, started_at_us, ended_at_us, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (match_id) DO UPDATE SET
			opponent = EXCLUDED.opponent,
			status = EXCLUDED.status,
			winner = EXCLUDED.winner,
			score1 = EXCLUDED.score1,
			score2 = EXCLUDED.score2,
			started_at_us = EXCLUDED.started_at_us,
			ended_at_us = EXCLUDED.ended_at_us,
			last_sequence = EXCLUDED.last_sequence
	`,
		int64(m.ID), string(m.Creator), nullIdentity(m.Opponent), numeric(m.Stake),
		m.Status.String(), nullIdentity(m.Winner), int16(m.Score1), int16(m.Score2), m.RoomCode,
		m.CreatedAt, nullInt64(m.StartedAt), nullInt64(m.EndedAt), seq,
	)
	return err
}

func upsertStats(ctx context.Context, tx *sql.Tx, id ledger.Identity, ps state.PlayerStats, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.player_stats
			(identity, games_played, wins, losses, tokens_won, tokens_lost, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity) DO UPDATE SET
			games_played = EXCLUDED.games_played,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			tokens_won = EXCLUDED.tokens_won,
			tokens_lost = EXCLUDED.tokens_lost,
			last_sequence = EXCLUDED.last_sequence
	`,
		string(id), int64(ps.GamesPlayed), int64(ps.Wins), int64(ps.Losses),
		numeric(ps.TokensWon), numeric(ps.TokensLost), seq,
	)
	return err
}

// applyBalanceDelta moves a journal into the user balance projection.
// Debit increases, credit decreases; non-user accounts are not projected.
func applyBalanceDelta(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	if j.DebitAccount.Scope == ledger.AccountScopeUser {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (identity, available, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity)
			DO UPDATE SET available = projections.balances.available + $2, last_sequence = $3
		`, string(j.DebitAccount.Owner), numeric(j.Amount), seq); err != nil {
			return err
		}
	}
	if j.CreditAccount.Scope == ledger.AccountScopeUser {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.balances
			SET available = available - $2, last_sequence = $3
			WHERE identity = $1
		`, string(j.CreditAccount.Owner), numeric(j.Amount), seq); err != nil {
			return err
		}
	}
	return nil
}

// RebuildProjections rebuilds the balance projection from the journal and
// clears the match and stats tables so a replay can repopulate them.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.matches`,
		`TRUNCATE projections.player_stats`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (identity, available, last_sequence)
		SELECT substring(account FROM 6 FOR length(account) - 15), SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) legs
		WHERE account LIKE 'user:%'
		GROUP BY account
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}

func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullIdentity(id *ledger.Identity) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
