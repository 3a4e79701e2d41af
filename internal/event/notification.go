package event

import "ArenaLedger/internal/ledger"

// Notification is an informational, fire-and-forget message emitted after an
// operation is applied.
type Notification interface {
	// Kind names the notification, e.g. "game_created"
	Kind() string
	MatchID() uint64
}

type GameCreated struct {
	ID       uint64          `json:"id"`
	Creator  ledger.Identity `json:"creator"`
	Stake    ledger.Amount   `json:"stake,string"`
	RoomCode string          `json:"room_code"`
}

func (n *GameCreated) Kind() string    { return "game_created" }
func (n *GameCreated) MatchID() uint64 { return n.ID }

type GameJoined struct {
	ID       uint64          `json:"id"`
	Opponent ledger.Identity `json:"opponent"`
}

func (n *GameJoined) Kind() string    { return "game_joined" }
func (n *GameJoined) MatchID() uint64 { return n.ID }

type GameCompleted struct {
	ID     uint64           `json:"id"`
	Winner *ledger.Identity `json:"winner,omitempty"`
	Score1 uint8            `json:"score1"`
	Score2 uint8            `json:"score2"`
}

func (n *GameCompleted) Kind() string    { return "game_completed" }
func (n *GameCompleted) MatchID() uint64 { return n.ID }

type GameCancelled struct {
	ID uint64 `json:"id"`
}

func (n *GameCancelled) Kind() string    { return "game_cancelled" }
func (n *GameCancelled) MatchID() uint64 { return n.ID }
