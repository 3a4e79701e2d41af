package state

import (
	"ArenaLedger/internal/ledger"
)

// Status is the lifecycle state of a match
type Status int32

const (
	StatusWaiting Status = iota
	StatusActive
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusActive:
		return "Active"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{StatusWaiting, StatusActive, StatusCompleted, StatusCancelled} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition exists
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo validates state transitions
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusWaiting: {
			StatusActive,
			StatusCancelled,
		},
		StatusActive: {
			StatusCompleted,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Match is one staked contest between two identities
type Match struct {
	ID        uint64
	Creator   ledger.Identity
	Opponent  *ledger.Identity // nil until joined
	Stake     ledger.Amount    // per participant
	Status    Status
	Winner    *ledger.Identity // nil unless Completed with a decisive result
	CreatedAt int64
	StartedAt *int64
	EndedAt   *int64
	Score1    uint8
	Score2    uint8
	RoomCode  string
}

// Pot is what both participants have escrowed together
func (m *Match) Pot() ledger.Amount {
	return 2 * m.Stake
}

// Escrowed is what the ledger currently holds for this match
func (m *Match) Escrowed() ledger.Amount {
	switch m.Status {
	case StatusWaiting:
		return m.Stake
	case StatusActive:
		return m.Pot()
	default:
		return 0
	}
}

// IsParticipant reports whether id is the creator or the opponent
func (m *Match) IsParticipant(id ledger.Identity) bool {
	return id == m.Creator || (m.Opponent != nil && *m.Opponent == id)
}

// Clone returns a deep copy safe to hand outside the core goroutine
func (m *Match) Clone() *Match {
	c := *m
	c.Opponent = cloneIdentity(m.Opponent)
	c.Winner = cloneIdentity(m.Winner)
	c.StartedAt = cloneInt64(m.StartedAt)
	c.EndedAt = cloneInt64(m.EndedAt)
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *Match) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendUint64LE(buf, m.ID)
	buf = appendString(buf, string(m.Creator))
	buf = appendOptString(buf, (*string)(m.Opponent))
	buf = appendUint64LE(buf, m.Stake)
	buf = append(buf, byte(m.Status))
	buf = appendOptString(buf, (*string)(m.Winner))
	buf = appendUint64LE(buf, uint64(m.CreatedAt))
	buf = appendOptInt64(buf, m.StartedAt)
	buf = appendOptInt64(buf, m.EndedAt)
	buf = append(buf, m.Score1, m.Score2)
	buf = appendString(buf, m.RoomCode)

	return buf
}

// MatchView is the read-only shape served to clients
type MatchView struct {
	ID        uint64  `json:"id"`
	Creator   string  `json:"creator"`
	Opponent  *string `json:"opponent,omitempty"`
	Stake     uint64  `json:"stake,string"`
	Pot       uint64  `json:"pot,string"`
	Status    string  `json:"status"`
	Winner    *string `json:"winner,omitempty"`
	CreatedAt int64   `json:"created_at"`
	StartedAt *int64  `json:"started_at,omitempty"`
	EndedAt   *int64  `json:"ended_at,omitempty"`
	Score1    uint8   `json:"score1"`
	Score2    uint8   `json:"score2"`
	RoomCode  string  `json:"room_code"`
}

func (m *Match) View() MatchView {
	return MatchView{
		ID:        m.ID,
		Creator:   string(m.Creator),
		Opponent:  (*string)(cloneIdentity(m.Opponent)),
		Stake:     m.Stake,
		Pot:       m.Pot(),
		Status:    m.Status.String(),
		Winner:    (*string)(cloneIdentity(m.Winner)),
		CreatedAt: m.CreatedAt,
		StartedAt: cloneInt64(m.StartedAt),
		EndedAt:   cloneInt64(m.EndedAt),
		Score1:    m.Score1,
		Score2:    m.Score2,
		RoomCode:  m.RoomCode,
	}
}

func cloneIdentity(id *ledger.Identity) *ledger.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
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

// appendString writes a 4-byte length prefix then the bytes
func appendString(buf []byte, s string) []byte {
	n := uint32(len(s))
	buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return append(buf, s...)
}

func appendOptString(buf []byte, s *string) []byte {
	if s == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendString(buf, *s)
}

func appendOptInt64(buf []byte, v *int64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendUint64LE(buf, uint64(*v))
}
