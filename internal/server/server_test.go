package server_test

import (
	"ArenaLedger/internal/core"
	"ArenaLedger/internal/dispatch"
	"ArenaLedger/internal/escrow"
	"ArenaLedger/internal/ingestion"
	"ArenaLedger/internal/ledger"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/query"
	"ArenaLedger/internal/server"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const owner = ledger.Identity("owner")

func newDeps(t *testing.T) *server.ServerDeps {
	t.Helper()
	engine := core.NewEngine(core.Options{Owner: owner, Port: escrow.NewBook(), Logger: zerolog.Nop()})
	d := dispatch.New(engine, 16, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &server.ServerDeps{
		Commands: ingestion.NewCommandService(d),
		Queries:  query.NewQueryService(d, nil),
		Owner:    owner,
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		Logger:   zerolog.Nop(),
	}
}

// ============================================================================
// HTTP gateway
// ============================================================================

type gateway struct {
	t   *testing.T
	srv *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	deps := newDeps(t)
	mux, err := server.NewGateway(server.NewService(deps), deps.Metrics)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &gateway{t: t, srv: srv}
}

func (g *gateway) do(method, path, caller, body string, out any) int {
	g.t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	if err != nil {
		g.t.Fatal(err)
	}
	if caller != "" {
		req.Header.Set("X-Arena-Caller", caller)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		g.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			g.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestGateway_MatchLifecycle(t *testing.T) {
	g := newGateway(t)

	for _, acct := range []string{"alice", "bob"} {
		if code := g.do("POST", "/v1/deposits", "owner", `{"account":"`+acct+`","amount":100}`, nil); code != http.StatusOK {
			t.Fatalf("deposit %s: status %d", acct, code)
		}
	}

	var created server.CommandResponse
	if code := g.do("POST", "/v1/games", "alice", `{"stake":25,"room_code":"r1"}`, &created); code != http.StatusOK {
		t.Fatalf("create: status %d", code)
	}
	if created.MatchID != 1 {
		t.Fatalf("create: match id %d, want 1", created.MatchID)
	}

	if code := g.do("POST", "/v1/games/1/join", "bob", "", nil); code != http.StatusOK {
		t.Fatalf("join: status %d", code)
	}

	var settled server.CommandResponse
	if code := g.do("POST", "/v1/games/1/result", "bob", `{"score1":0,"score2":2}`, &settled); code != http.StatusOK {
		t.Fatalf("result: status %d", code)
	}
	if settled.Winner == nil || *settled.Winner != "bob" || settled.Payout != 50 {
		t.Errorf("settlement: %+v", settled)
	}

	var m query.MatchResponse
	if code := g.do("GET", "/v1/matches/1", "", "", &m); code != http.StatusOK {
		t.Fatalf("get match: status %d", code)
	}
	if m.Match.Status != "Completed" {
		t.Errorf("status: got %s", m.Match.Status)
	}

	var stats query.StatsResponse
	g.do("GET", "/v1/players/bob/stats", "", "", &stats)
	if stats.Stats.Wins != 1 || stats.Stats.TokensWon != 25 {
		t.Errorf("bob stats: %+v", stats.Stats)
	}

	var bal query.BalanceResponse
	g.do("GET", "/v1/players/alice/balance", "", "", &bal)
	if bal.Available != 75 {
		t.Errorf("alice balance: got %d, want 75", bal.Available)
	}

	var summary query.LedgerSummary
	g.do("GET", "/v1/summary", "", "", &summary)
	if summary.NextMatchID != 2 || summary.TotalStakePool != 0 || summary.Owner != "owner" {
		t.Errorf("summary: %+v", summary)
	}
}

func TestGateway_ErrorStatuses(t *testing.T) {
	g := newGateway(t)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   string
		want   int
	}{
		{"missing match", "GET", "/v1/matches/42", "", "", http.StatusNotFound},
		{"bad match id", "GET", "/v1/matches/abc", "", "", http.StatusBadRequest},
		{"anonymous create", "POST", "/v1/games", "", `{"stake":1}`, http.StatusForbidden},
		{"bad caller", "POST", "/v1/games", "a b", `{"stake":1}`, http.StatusBadRequest},
		{"zero stake", "POST", "/v1/games", "alice", `{"stake":0}`, http.StatusBadRequest},
		{"unfunded stake", "POST", "/v1/games", "alice", `{"stake":5}`, http.StatusBadRequest},
		{"deposit by non-owner", "POST", "/v1/deposits", "alice", `{"account":"alice","amount":5}`, http.StatusForbidden},
		{"unknown field", "POST", "/v1/games", "alice", `{"stake":1,"bogus":true}`, http.StatusBadRequest},
		{"journals without db", "GET", "/v1/players/alice/journals", "", "", http.StatusBadRequest},
		{"snapshot by non-owner", "POST", "/v1/admin/snapshot", "alice", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.do(tt.method, tt.path, tt.caller, tt.body, nil); got != tt.want {
				t.Errorf("status: got %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, deps *server.ServerDeps) *grpc.ClientConn {
	t.Helper()
	health := observability.NewHealthChecker()
	deps.HealthChecker = health

	s := server.NewGRPCServer("", "", deps)
	lis := bufconn.Listen(1 << 20)
	go s.Server().Serve(lis)
	t.Cleanup(s.Server().Stop)
	health.SetReady(true)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in, out any) error {
	return conn.Invoke(ctx, server.FullMethod(method), in, out, grpc.CallContentSubtype("json"))
}

func asCaller(id string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), server.CallerHeader, id)
}

func TestGRPC_OperationsAndQueries(t *testing.T) {
	conn := dialBufconn(t, newDeps(t))

	var resp server.CommandResponse
	err := invoke(asCaller("owner"), conn, "ConfirmDeposit", &server.DepositRequest{Account: "carol", Amount: 30}, &resp)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if resp.Balance != 30 {
		t.Errorf("deposit balance: got %d, want 30", resp.Balance)
	}

	if err := invoke(asCaller("carol"), conn, "CreateGame", &server.CreateGameRequest{Stake: 10}, &resp); err != nil {
		t.Fatalf("create: %v", err)
	}

	var open query.MatchListResponse
	if err := invoke(context.Background(), conn, "ListOpenMatches", &server.Empty{}, &open); err != nil {
		t.Fatal(err)
	}
	if len(open.Matches) != 1 || open.Matches[0].Creator != "carol" {
		t.Errorf("open matches: %+v", open.Matches)
	}

	err = invoke(asCaller("carol"), conn, "JoinGame", &server.GameRequest{GameID: 1}, &resp)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("self join: got %v, want FailedPrecondition", err)
	}

	err = invoke(context.Background(), conn, "GetMatch", &server.MatchRequest{ID: 7}, &query.MatchResponse{})
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing match: got %v, want NotFound", err)
	}
}

func TestGRPC_DuplicateRequestID(t *testing.T) {
	conn := dialBufconn(t, newDeps(t))
	const rid = "3f0c2a4e-9d3b-4f5e-8a71-2c6d9e0b1a22"
	req := &server.DepositRequest{RequestID: rid, Account: "dave", Amount: 5}

	var resp server.CommandResponse
	if err := invoke(asCaller("owner"), conn, "ConfirmDeposit", req, &resp); err != nil {
		t.Fatal(err)
	}
	err := invoke(asCaller("owner"), conn, "ConfirmDeposit", req, &resp)
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("replayed request: got %v, want AlreadyExists", err)
	}
}

func TestGRPC_Health(t *testing.T) {
	conn := dialBufconn(t, newDeps(t))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health: got %s, want SERVING", resp.Status)
	}
}
