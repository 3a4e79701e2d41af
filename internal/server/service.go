package server

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/errs"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/internal/query"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Wire types
// ============================================================================

type Empty struct{}

type CreateGameRequest struct {
	RequestID string `json:"request_id"`
	Stake     uint64 `json:"stake"`
	RoomCode  string `json:"room_code"`
}

type GameRequest struct {
	RequestID string `json:"request_id"`
	GameID    uint64 `json:"game_id"`
}

type SubmitResultRequest struct {
	RequestID string `json:"request_id"`
	GameID    uint64 `json:"game_id"`
	Score1    uint8  `json:"score1"`
	Score2    uint8  `json:"score2"`
}

type DepositRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Amount    uint64 `json:"amount"`
}

// CommandResponse reports an applied operation.
type CommandResponse struct {
	Sequence int64   `json:"sequence"`
	MatchID  uint64  `json:"match_id,omitempty"`
	Refund   uint64  `json:"refund,string,omitempty"`
	Payout   uint64  `json:"payout,string,omitempty"`
	Winner   *string `json:"winner,omitempty"`
	Balance  uint64  `json:"balance,string,omitempty"`
}

type MatchRequest struct {
	ID uint64 `json:"id"`
}

type IdentityRequest struct {
	Identity string `json:"identity"`
}

type HistoryRequest struct {
	Identity       string `json:"identity"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalHistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type EventLogInfo struct {
	LastSequence int64  `json:"last_sequence"`
	Uptime       string `json:"uptime"`
}

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

// ============================================================================
// Service
// ============================================================================

// SnapshotTaker captures the live core and persists it. It returns the
// sequence the snapshot covers and its encoded size.
type SnapshotTaker func(ctx context.Context) (int64, int, error)

// Service implements arenaledger.v1.ArenaLedger. The gRPC handlers and the
// HTTP gateway both call it; neither does any work of its own.
type Service struct {
	commands  *ingestion.CommandService
	queries   *query.QueryService
	db        *sql.DB
	snapMgr   *persistence.SnapshotManager
	snapshot  SnapshotTaker
	owner     ledger.Identity
	startTime time.Time
	logger    zerolog.Logger
}

// NewService builds the service from deps. Nil DB and SnapshotMgr disable the
// SQL-backed calls.
func NewService(deps *ServerDeps) *Service {
	start := deps.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	return &Service{
		commands:  deps.Commands,
		queries:   deps.Queries,
		db:        deps.DB,
		snapMgr:   deps.SnapshotMgr,
		snapshot:  deps.TakeSnapshot,
		owner:     deps.Owner,
		startTime: start,
		logger:    deps.Logger,
	}
}

// --- Operations ---

func (s *Service) CreateGame(ctx context.Context, req *CreateGameRequest) (*CommandResponse, error) {
	res, err := s.commands.CreateGame(ctx, req.RequestID, ledger.Amount(req.Stake), req.RoomCode)
	return commandResponse(res, err)
}

func (s *Service) JoinGame(ctx context.Context, req *GameRequest) (*CommandResponse, error) {
	res, err := s.commands.JoinGame(ctx, req.RequestID, req.GameID)
	return commandResponse(res, err)
}

func (s *Service) SubmitResult(ctx context.Context, req *SubmitResultRequest) (*CommandResponse, error) {
	res, err := s.commands.SubmitResult(ctx, req.RequestID, req.GameID, req.Score1, req.Score2)
	return commandResponse(res, err)
}

func (s *Service) CancelGame(ctx context.Context, req *GameRequest) (*CommandResponse, error) {
	res, err := s.commands.CancelGame(ctx, req.RequestID, req.GameID)
	return commandResponse(res, err)
}

func (s *Service) ConfirmDeposit(ctx context.Context, req *DepositRequest) (*CommandResponse, error) {
	res, err := s.commands.ConfirmDeposit(ctx, req.RequestID, ledger.Identity(req.Account), ledger.Amount(req.Amount))
	return commandResponse(res, err)
}

func commandResponse(res *core.Result, err error) (*CommandResponse, error) {
	if err != nil {
		return nil, err
	}
	resp := &CommandResponse{
		Sequence: res.Sequence,
		MatchID:  res.MatchID,
		Refund:   uint64(res.Refund),
		Balance:  uint64(res.Balance),
	}
	if res.Outcome != nil {
		resp.Payout = uint64(res.Outcome.Payout)
		if res.Outcome.Winner != nil {
			w := string(*res.Outcome.Winner)
			resp.Winner = &w
		}
	}
	return resp, nil
}

// --- Queries ---

func (s *Service) GetMatch(ctx context.Context, req *MatchRequest) (*query.MatchResponse, error) {
	return s.queries.GetMatch(ctx, req.ID)
}

func (s *Service) ListOpenMatches(ctx context.Context, _ *Empty) (*query.MatchListResponse, error) {
	return s.queries.GetOpenMatches(ctx)
}

func (s *Service) ListMatchesFor(ctx context.Context, req *IdentityRequest) (*query.MatchListResponse, error) {
	id, err := identity(req.Identity)
	if err != nil {
		return nil, err
	}
	return s.queries.GetMatchesFor(ctx, id)
}

func (s *Service) GetStats(ctx context.Context, req *IdentityRequest) (*query.StatsResponse, error) {
	id, err := identity(req.Identity)
	if err != nil {
		return nil, err
	}
	return s.queries.GetStats(ctx, id)
}

func (s *Service) GetBalance(ctx context.Context, req *IdentityRequest) (*query.BalanceResponse, error) {
	id, err := identity(req.Identity)
	if err != nil {
		return nil, err
	}
	return s.queries.GetBalance(ctx, id)
}

func (s *Service) GetSummary(ctx context.Context, _ *Empty) (*query.LedgerSummary, error) {
	return s.queries.GetSummary(ctx)
}

func (s *Service) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalHistoryResponse, error) {
	id, err := identity(req.Identity)
	if err != nil {
		return nil, err
	}
	entries, err := s.queries.GetJournalHistory(ctx, id, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalHistoryResponse{Entries: entries}, nil
}

// --- Admin ---

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.queries.VerifyIntegrity(ctx)
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	if s.snapMgr == nil {
		return nil, fmt.Errorf("%w: no event log configured", errs.ErrInvalidState)
	}
	seq, err := s.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	return &EventLogInfo{
		LastSequence: seq,
		Uptime:       time.Since(s.startTime).Truncate(time.Second).String(),
	}, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if err := s.requireOwner(ctx); err != nil {
		return nil, err
	}
	if s.snapshot == nil {
		return nil, fmt.Errorf("%w: snapshots are not configured", errs.ErrInvalidState)
	}
	seq, size, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("seq", seq).Int("bytes", size).Msg("snapshot taken on request")
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if err := s.requireOwner(ctx); err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, fmt.Errorf("%w: no database configured", errs.ErrInvalidState)
	}
	if err := rebuildProjections(ctx, s.db, s.logger); err != nil {
		return nil, err
	}
	return &RebuildResponse{Rebuilt: true}, nil
}

func (s *Service) requireOwner(ctx context.Context) error {
	caller, ok := escrow.CallerFrom(ctx)
	if !ok || caller != s.owner {
		return fmt.Errorf("%w: admin call requires the owner", errs.ErrNotAuthorized)
	}
	return nil
}

func identity(raw string) (ledger.Identity, error) {
	id := ledger.Identity(raw)
	if err := ingestion.ValidateIdentity(id); err != nil {
		return "", err
	}
	return id, nil
}
