package state

import (
	"ArenaLedger/internal/ledger"

	"github.com/tidwall/btree"
)

type idSet = btree.Map[uint64, struct{}]

// QueryIndex keeps ordered secondary indices over the registry, by status
// and by participant, updated on every transition. Ids iterate ascending.
type QueryIndex struct {
	lookup        func(id uint64) *Match
	byStatus      map[Status]*idSet
	byParticipant map[ledger.Identity]*idSet
}

func newQueryIndex(lookup func(id uint64) *Match) *QueryIndex {
	return &QueryIndex{
		lookup:        lookup,
		byStatus:      make(map[Status]*idSet),
		byParticipant: make(map[ledger.Identity]*idSet),
	}
}

func (qi *QueryIndex) statusSet(s Status) *idSet {
	ids := qi.byStatus[s]
	if ids == nil {
		ids = btree.NewMap[uint64, struct{}](32)
		qi.byStatus[s] = ids
	}
	return ids
}

func (qi *QueryIndex) addParticipant(id uint64, who ledger.Identity) {
	ids := qi.byParticipant[who]
	if ids == nil {
		ids = btree.NewMap[uint64, struct{}](32)
		qi.byParticipant[who] = ids
	}
	ids.Set(id, struct{}{})
}

// insert registers a new match under its status and participants
func (qi *QueryIndex) insert(m *Match) {
	qi.statusSet(m.Status).Set(m.ID, struct{}{})
	qi.addParticipant(m.ID, m.Creator)
	if m.Opponent != nil {
		qi.addParticipant(m.ID, *m.Opponent)
	}
}

// move re-files a match after a status transition
func (qi *QueryIndex) move(id uint64, from, to Status) {
	if ids := qi.byStatus[from]; ids != nil {
		ids.Delete(id)
	}
	qi.statusSet(to).Set(id, struct{}{})
}

func (qi *QueryIndex) collect(ids *idSet) []MatchView {
	if ids == nil {
		return []MatchView{}
	}
	out := make([]MatchView, 0, ids.Len())
	ids.Scan(func(id uint64, _ struct{}) bool {
		if m := qi.lookup(id); m != nil {
			out = append(out, m.View())
		}
		return true
	})
	return out
}

// OpenMatches returns every Waiting match, ascending by id
func (qi *QueryIndex) OpenMatches() []MatchView {
	return qi.collect(qi.byStatus[StatusWaiting])
}

// MatchesWithStatus returns every match in status s, ascending by id
func (qi *QueryIndex) MatchesWithStatus(s Status) []MatchView {
	return qi.collect(qi.byStatus[s])
}

// MatchesFor returns every match the identity created or joined, ascending by id
func (qi *QueryIndex) MatchesFor(id ledger.Identity) []MatchView {
	return qi.collect(qi.byParticipant[id])
}

// CountByStatus returns the number of matches per status
func (qi *QueryIndex) CountByStatus() map[Status]int {
	out := make(map[Status]int, len(qi.byStatus))
	for s, ids := range qi.byStatus {
		out[s] = ids.Len()
	}
	return out
}

// sumEscrowed adds up what Waiting and Active matches hold in escrow
func (qi *QueryIndex) sumEscrowed() (ledger.Amount, bool) {
	var sum ledger.Amount
	ok := true
	for _, s := range []Status{StatusWaiting, StatusActive} {
		ids := qi.byStatus[s]
		if ids == nil {
			continue
		}
		ids.Scan(func(id uint64, _ struct{}) bool {
			m := qi.lookup(id)
			if m == nil {
				ok = false
				return false
			}
			e := m.Escrowed()
			if sum > ^ledger.Amount(0)-e {
				ok = false
				return false
			}
			sum += e
			return true
		})
	}
	return sum, ok
}

// ScanOpenMatches is the unindexed form of OpenMatches: a walk over ids
// 1..nextMatchId. Kept as the reference the indices are checked against.
func ScanOpenMatches(r *MatchRegistry) []MatchView {
	return scan(r, func(m *Match) bool { return m.Status == StatusWaiting })
}

// ScanMatchesFor is the unindexed form of MatchesFor.
func ScanMatchesFor(r *MatchRegistry, id ledger.Identity) []MatchView {
	return scan(r, func(m *Match) bool { return m.IsParticipant(id) })
}

func scan(r *MatchRegistry, keep func(*Match) bool) []MatchView {
	out := []MatchView{}
	for id := uint64(1); id < r.NextMatchID(); id++ {
		if m := r.Get(id); m != nil && keep(m) {
			out = append(out, m.View())
		}
	}
	return out
}
