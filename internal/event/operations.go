package event

import "ArenaLedger/internal/ledger"

// CreateGame opens a match and escrows the creator's stake.
// Idempotency key: request_id.
type CreateGame struct {
	Meta
	Stake    ledger.Amount `json:"stake"`
	RoomCode string        `json:"room_code"`
}

func (c *CreateGame) EventType() EventType {
	return EventTypeCreateGame
}

// JoinGame admits the caller as opponent against a matching stake
type JoinGame struct {
	Meta
	GameID uint64 `json:"game_id"`
}

func (j *JoinGame) EventType() EventType {
	return EventTypeJoinGame
}

// SubmitResult records the final score of an Active match
type SubmitResult struct {
	Meta
	GameID uint64 `json:"game_id"`
	Score1 uint8  `json:"score1"`
	Score2 uint8  `json:"score2"`
}

func (s *SubmitResult) EventType() EventType {
	return EventTypeSubmitResult
}

// CancelGame closes a Waiting match and refunds its creator
type CancelGame struct {
	Meta
	GameID uint64 `json:"game_id"`
}

func (c *CancelGame) EventType() EventType {
	return EventTypeCancelGame
}

// DepositConfirmed credits a participant with funds received outside the
// ledger. Only the owner may submit it.
type DepositConfirmed struct {
	Meta
	Account ledger.Identity `json:"account"`
	Amount  ledger.Amount   `json:"amount"`
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}
