package persistence

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A warm restart loads the latest verified snapshot and replays the events
// logged after it.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                                 `json:"sequence"`
	StateHash       []byte                                `json:"state_hash"`
	Owner           ledger.Identity                       `json:"owner"`
	NextMatchID     uint64                                `json:"next_match_id"`
	StakePool       ledger.Amount                         `json:"stake_pool,string"`
	Matches         []*state.Match                        `json:"matches"`
	Stats           map[ledger.Identity]state.PlayerStats `json:"stats"`
	Balances        map[string]ledger.Amount              `json:"balances,omitempty"`
	IdempotencyKeys []string                              `json:"idempotency_keys"`
	CreatedAt       time.Time                             `json:"created_at"`
}

// FromCoreSnapshot converts the core's in-memory snapshot for storage.
func FromCoreSnapshot(s *core.SnapshotState, now time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       s.StateHash[:],
		Owner:           s.Owner,
		NextMatchID:     s.NextMatchID,
		StakePool:       s.StakePool,
		Matches:         s.Matches,
		Stats:           s.Stats,
		Balances:        s.Balances,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       now,
	}
}

// CoreState converts a stored snapshot back into the core's form.
func (d *SnapshotData) CoreState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Owner:           d.Owner,
		NextMatchID:     d.NextMatchID,
		StakePool:       d.StakePool,
		Matches:         d.Matches,
		Stats:           d.Stats,
		Balances:        d.Balances,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It stays unverified until MarkVerified.
// Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its state hash was checked
// against the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog checks the snapshot hash against the logged event at the
// same sequence and marks it verified when they agree.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *SnapshotData) (bool, error) {
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, snap.Sequence).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(logged) != string(snap.StateHash) {
		return false, nil
	}
	return true, sm.MarkVerified(ctx, snap.Sequence)
}

// LoadEventsFrom loads up to limit logged events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, timestamp_us
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.EventEnvelope
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Caller,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		events = append(events, env)
	}
	return events, rows.Err()
}

// Envelope converts a logged row back into the envelope the core replays.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown event type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash column", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Caller:         ledger.Identity(r.Caller),
		Timestamp:      r.TimestampUs,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// GetLatestSequence returns the highest sequence in the event log, 0 when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
