package server

import (
	"ArenaLedger/internal/query"
	"context"

	"google.golang.org/grpc"
)

// ArenaLedgerServer is the server API for arenaledger.v1.ArenaLedger.
type ArenaLedgerServer interface {
	CreateGame(context.Context, *CreateGameRequest) (*CommandResponse, error)
	JoinGame(context.Context, *GameRequest) (*CommandResponse, error)
	SubmitResult(context.Context, *SubmitResultRequest) (*CommandResponse, error)
	CancelGame(context.Context, *GameRequest) (*CommandResponse, error)
	ConfirmDeposit(context.Context, *DepositRequest) (*CommandResponse, error)

	GetMatch(context.Context, *MatchRequest) (*query.MatchResponse, error)
	ListOpenMatches(context.Context, *Empty) (*query.MatchListResponse, error)
	ListMatchesFor(context.Context, *IdentityRequest) (*query.MatchListResponse, error)
	GetStats(context.Context, *IdentityRequest) (*query.StatsResponse, error)
	GetBalance(context.Context, *IdentityRequest) (*query.BalanceResponse, error)
	GetSummary(context.Context, *Empty) (*query.LedgerSummary, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalHistoryResponse, error)

	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfo, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
}

// RegisterArenaLedgerServer registers srv on s.
func RegisterArenaLedgerServer(s grpc.ServiceRegistrar, srv ArenaLedgerServer) {
	s.RegisterService(&ArenaLedgerServiceDesc, srv)
}

// ArenaLedgerServiceDesc describes the service for grpc.ServiceRegistrar.
var ArenaLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArenaLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateGame", ArenaLedgerServer.CreateGame),
		unary("JoinGame", ArenaLedgerServer.JoinGame),
		unary("SubmitResult", ArenaLedgerServer.SubmitResult),
		unary("CancelGame", ArenaLedgerServer.CancelGame),
		unary("ConfirmDeposit", ArenaLedgerServer.ConfirmDeposit),
		unary("GetMatch", ArenaLedgerServer.GetMatch),
		unary("ListOpenMatches", ArenaLedgerServer.ListOpenMatches),
		unary("ListMatchesFor", ArenaLedgerServer.ListMatchesFor),
		unary("GetStats", ArenaLedgerServer.GetStats),
		unary("GetBalance", ArenaLedgerServer.GetBalance),
		unary("GetSummary", ArenaLedgerServer.GetSummary),
		unary("ListJournals", ArenaLedgerServer.ListJournals),
		unary("VerifyIntegrity", ArenaLedgerServer.VerifyIntegrity),
		unary("GetEventLogInfo", ArenaLedgerServer.GetEventLogInfo),
		unary("TakeSnapshot", ArenaLedgerServer.TakeSnapshot),
		unary("RebuildProjections", ArenaLedgerServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arenaledger/v1/arenaledger.json",
}

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ArenaLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ArenaLedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ArenaLedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
