package ingestion

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/event"
	"ArenaLedger/internal/ledger"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CommandService turns request/response calls (gRPC, HTTP) into operations.
// The caller identity travels in ctx (escrow.WithCaller); the core stamps it.
// An empty requestID gets a fresh one, so such calls are not retry-safe.
type CommandService struct {
	submitter Submitter
}

func NewCommandService(submitter Submitter) *CommandService {
	return &CommandService{submitter: submitter}
}

func (s *CommandService) CreateGame(ctx context.Context, requestID string, stake ledger.Amount, roomCode string) (*core.Result, error) {
	meta, err := newMeta(requestID)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, &event.CreateGame{Meta: meta, Stake: stake, RoomCode: roomCode})
}

func (s *CommandService) JoinGame(ctx context.Context, requestID string, gameID uint64) (*core.Result, error) {
	meta, err := newMeta(requestID)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, &event.JoinGame{Meta: meta, GameID: gameID})
}

func (s *CommandService) SubmitResult(ctx context.Context, requestID string, gameID uint64, score1, score2 uint8) (*core.Result, error) {
	meta, err := newMeta(requestID)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, &event.SubmitResult{Meta: meta, GameID: gameID, Score1: score1, Score2: score2})
}

func (s *CommandService) CancelGame(ctx context.Context, requestID string, gameID uint64) (*core.Result, error) {
	meta, err := newMeta(requestID)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, &event.CancelGame{Meta: meta, GameID: gameID})
}

// ConfirmDeposit credits account. The core only accepts it from the owner.
func (s *CommandService) ConfirmDeposit(ctx context.Context, requestID string, account ledger.Identity, amount ledger.Amount) (*core.Result, error) {
	if err := ValidateIdentity(account); err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	meta, err := newMeta(requestID)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, &event.DepositConfirmed{Meta: meta, Account: account, Amount: amount})
}

func newMeta(requestID string) (event.Meta, error) {
	if requestID == "" {
		return event.Meta{RequestID: uuid.New()}, nil
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		return event.Meta{}, fmt.Errorf("%w: request_id: %v", errs.ErrInvalidArgument, err)
	}
	if id == uuid.Nil {
		return event.Meta{}, fmt.Errorf("%w: nil request_id", errs.ErrInvalidArgument)
	}
	return event.Meta{RequestID: id}, nil
}
