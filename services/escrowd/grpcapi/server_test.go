package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"skillchain/core/state"
	"skillchain/crypto"
	"skillchain/native/escrow"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/auth"
	"skillchain/storage"
)

const testSecret = "grpc-test-secret-0123456789"

func identity(b byte) [20]byte {
	var id [20]byte
	id[0] = b
	id[19] = b
	return id
}

type rpcHarness struct {
	t    *testing.T
	conn *grpc.ClientConn
}

func newRPCHarness(t *testing.T) *rpcHarness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	verifier, err := auth.NewVerifier(auth.Config{HMACSecret: testSecret})
	require.NoError(t, err)
	srv := New(Config{Service: api.NewService(escrow.NewEngine(manager), manager), Verifier: verifier})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rpcHarness{t: t, conn: conn}
}

func (h *rpcHarness) call(who [20]byte, method string, in map[string]any, scopes ...string) (*structpb.Struct, error) {
	h.t.Helper()
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeEscrow}
	}
	token, err := auth.Issue(testSecret, who, auth.IssueOptions{Scopes: scopes})
	require.NoError(h.t, err)
	req, err := structpb.NewStruct(in)
	require.NoError(h.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	out := &structpb.Struct{}
	if err := h.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *rpcHarness) mustCall(who [20]byte, method string, in map[string]any, scopes ...string) *structpb.Struct {
	h.t.Helper()
	out, err := h.call(who, method, in, scopes...)
	require.NoError(h.t, err)
	return out
}

func field(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func TestRPCLifecycle(t *testing.T) {
	h := newRPCHarness(t)
	payer, payee, arbiter := identity(1), identity(2), identity(3)

	h.mustCall(identity(9), "Credit", map[string]any{"identity": crypto.FormatIdentity(payer), "amount": "1000"},
		auth.ScopeEscrow, auth.ScopeLedgerAdmin)

	created := h.mustCall(payer, "Create", map[string]any{
		"payee":   crypto.FormatIdentity(payee),
		"arbiter": crypto.FormatIdentity(arbiter),
		"milestones": []any{
			map[string]any{"amount": "300", "description": "design"},
			map[string]any{"amount": "200"},
		},
	})
	id := field(created, "id")
	require.Equal(t, "1", id)

	funded := h.mustCall(payer, "Fund", map[string]any{"id": id, "amount": "500"})
	require.Equal(t, "funded", field(funded, "status"))

	h.mustCall(payer, "ReleaseMilestone", map[string]any{"id": id, "milestoneId": "0"})
	disputed := h.mustCall(payee, "RequestCancel", map[string]any{"id": id})
	require.Equal(t, "disputed", field(disputed, "status"))

	resolved := h.mustCall(arbiter, "ResolveDispute", map[string]any{"id": id, "payeeShare": "50", "payerRefund": "150"})
	require.Equal(t, "cancelled", field(resolved, "status"))

	view := h.mustCall(payee, "Get", map[string]any{"id": id})
	require.Equal(t, "500", field(view, "deposited"))
	require.Equal(t, "300", field(view, "released"))

	ms := h.mustCall(payee, "Milestones", map[string]any{"id": id})
	require.Len(t, ms.GetFields()["milestones"].GetListValue().GetValues(), 2)

	list := h.mustCall(payee, "List", map[string]any{"identity": crypto.FormatIdentity(payer), "role": "payer"})
	require.Len(t, list.GetFields()["escrows"].GetListValue().GetValues(), 1)

	bal := h.mustCall(payee, "Balance", map[string]any{"identity": crypto.FormatIdentity(payee)})
	require.Equal(t, "350", field(bal, "balance"))
}

func TestRPCStatusMapping(t *testing.T) {
	h := newRPCHarness(t)
	payer, payee := identity(1), identity(2)
	created := h.mustCall(payer, "Create", map[string]any{
		"payee":      crypto.FormatIdentity(payee),
		"milestones": []any{map[string]any{"amount": "10"}},
	})
	id := field(created, "id")

	cases := []struct {
		name   string
		who    [20]byte
		method string
		in     map[string]any
		scopes []string
		code   codes.Code
		reason string
	}{
		{"missing escrow", payer, "Get", map[string]any{"id": "42"}, nil, codes.NotFound, "escrow_not_found"},
		{"fund missing escrow", payer, "Fund", map[string]any{"id": "42", "amount": "10"}, nil, codes.NotFound, "escrow_not_found"},
		{"stranger funds", identity(7), "Fund", map[string]any{"id": id, "amount": "10"}, nil, codes.PermissionDenied, "unauthorized"},
		{"release before funding", payer, "ReleaseMilestone", map[string]any{"id": id, "milestoneId": "0"}, nil, codes.FailedPrecondition, "invalid_status"},
		{"underfunded", payer, "Fund", map[string]any{"id": id, "amount": "1"}, nil, codes.InvalidArgument, "insufficient_funds"},
		{"no arbiter", payer, "ResolveDispute", map[string]any{"id": id, "payeeShare": "0", "payerRefund": "0"}, nil, codes.FailedPrecondition, "no_arbiter"},
		{"malformed id", payer, "Get", map[string]any{"id": "x"}, nil, codes.InvalidArgument, ""},
		{"unknown field", payer, "Get", map[string]any{"id": id, "extra": true}, nil, codes.InvalidArgument, ""},
		{"missing scope", payer, "Get", map[string]any{"id": id}, []string{"other"}, codes.PermissionDenied, ""},
		{"credit without admin", payer, "Credit", map[string]any{"identity": crypto.FormatIdentity(payer), "amount": "1"}, nil, codes.PermissionDenied, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.call(tc.who, tc.method, tc.in, tc.scopes...)
			st, _ := status.FromError(err)
			require.Equal(t, tc.code, st.Code(), "err=%v", err)
			require.Equal(t, tc.reason, ReasonFromStatus(st), "err=%v", err)
		})
	}
}

func TestRPCRequiresToken(t *testing.T) {
	h := newRPCHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.conn.Invoke(ctx, "/"+ServiceName+"/Get", &structpb.Struct{}, &structpb.Struct{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestHTTPStatusProjection(t *testing.T) {
	require.Equal(t, 200, httpStatus(codes.OK))
	require.Equal(t, 409, httpStatus(codes.FailedPrecondition))
	require.Equal(t, 500, httpStatus(codes.Unknown))
}
