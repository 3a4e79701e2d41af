package query

import "ArenaLedger/internal/state"

// MatchResponse wraps a match with the sequence it reflects.
type MatchResponse struct {
	Match        state.MatchView `json:"match"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// MatchListResponse is an ordered list of matches.
type MatchListResponse struct {
	Matches      []state.MatchView `json:"matches"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// StatsResponse is a participant's record. Found is false for identities
// that never settled a match; the counters are then zero.
type StatsResponse struct {
	Stats        state.StatsView `json:"stats"`
	Found        bool            `json:"found"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// BalanceResponse is a participant's spendable balance in the escrow book.
type BalanceResponse struct {
	Identity     string `json:"identity"`
	Available    uint64 `json:"available,string"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LedgerSummary holds the registry-wide counters.
type LedgerSummary struct {
	Owner          string `json:"owner"`
	NextMatchID    uint64 `json:"next_match_id"`
	TotalStakePool uint64 `json:"total_stake_pool,string"`
	StateHash      string `json:"state_hash"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// Escrow held according to the journal vs. stake escrowed by live
	// matches according to the projection
	JournalEscrow    string `json:"journal_escrow"`
	ProjectedEscrow  string `json:"projected_escrow"`
	ProjectionLagged bool   `json:"projection_lagged"`
}
