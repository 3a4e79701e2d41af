package state

import (
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/ledger"
	"fmt"
	"sort"
)

// PlayerStats is a participant's cumulative record
type PlayerStats struct {
	GamesPlayed uint64
	Wins        uint64
	Losses      uint64
	TokensWon   ledger.Amount
	TokensLost  ledger.Amount
}

// CanonicalBytes returns deterministic serialization for hashing
func (ps *PlayerStats) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = appendUint64LE(buf, ps.GamesPlayed)
	buf = appendUint64LE(buf, ps.Wins)
	buf = appendUint64LE(buf, ps.Losses)
	buf = appendUint64LE(buf, ps.TokensWon)
	buf = appendUint64LE(buf, ps.TokensLost)
	return buf
}

// StatsView is the read-only shape served to clients
type StatsView struct {
	Identity    string  `json:"identity"`
	GamesPlayed uint64  `json:"games_played"`
	Wins        uint64  `json:"wins"`
	Losses      uint64  `json:"losses"`
	TokensWon   uint64  `json:"tokens_won,string"`
	TokensLost  uint64  `json:"tokens_lost,string"`
	WinRate     float64 `json:"win_rate"`
}

func (ps PlayerStats) View(id ledger.Identity) StatsView {
	var rate float64
	if ps.GamesPlayed > 0 {
		rate = float64(ps.Wins) / float64(ps.GamesPlayed)
	}
	return StatsView{
		Identity:    string(id),
		GamesPlayed: ps.GamesPlayed,
		Wins:        ps.Wins,
		Losses:      ps.Losses,
		TokensWon:   ps.TokensWon,
		TokensLost:  ps.TokensLost,
		WinRate:     rate,
	}
}

// StatsAggregator derives per-participant records from settled matches
type StatsAggregator struct {
	stats map[ledger.Identity]*PlayerStats
}

func NewStatsAggregator() *StatsAggregator {
	return &StatsAggregator{
		stats: make(map[ledger.Identity]*PlayerStats),
	}
}

func (sa *StatsAggregator) getOrCreate(id ledger.Identity) *PlayerStats {
	ps := sa.stats[id]
	if ps == nil {
		ps = &PlayerStats{}
		sa.stats[id] = ps
	}
	return ps
}

// CheckSettlement validates that m can be recorded
func (sa *StatsAggregator) CheckSettlement(m *Match) error {
	if m.Opponent == nil || m.Status != StatusCompleted {
		return fmt.Errorf("%w: match %d is %s without a settled opponent",
			errs.ErrInvariantViolation, m.ID, m.Status)
	}
	return nil
}

// RecordSettlement updates both participants of a Completed match.
// A draw only counts the game.
func (sa *StatsAggregator) RecordSettlement(m *Match) error {
	if err := sa.CheckSettlement(m); err != nil {
		return err
	}

	for _, id := range []ledger.Identity{m.Creator, *m.Opponent} {
		ps := sa.getOrCreate(id)
		ps.GamesPlayed++

		switch {
		case m.Winner == nil:
		case *m.Winner == id:
			ps.Wins++
			ps.TokensWon += m.Stake
		default:
			ps.Losses++
			ps.TokensLost += m.Stake
		}
	}
	return nil
}

// Get returns the record for id; never-seen identities yield zero values
func (sa *StatsAggregator) Get(id ledger.Identity) PlayerStats {
	if ps := sa.stats[id]; ps != nil {
		return *ps
	}
	return PlayerStats{}
}

// Lookup is Get that also reports whether the identity has settled a match
func (sa *StatsAggregator) Lookup(id ledger.Identity) (PlayerStats, bool) {
	ps := sa.stats[id]
	if ps == nil {
		return PlayerStats{}, false
	}
	return *ps, true
}

// Identities returns every tracked identity in sorted order
func (sa *StatsAggregator) Identities() []ledger.Identity {
	out := make([]ledger.Identity, 0, len(sa.stats))
	for id := range sa.stats {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore replaces all records (snapshot restore only)
func (sa *StatsAggregator) Restore(records map[ledger.Identity]PlayerStats) {
	sa.stats = make(map[ledger.Identity]*PlayerStats, len(records))
	for id, ps := range records {
		c := ps
		sa.stats[id] = &c
	}
}
