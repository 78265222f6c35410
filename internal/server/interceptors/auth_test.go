package interceptors

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/security"
	"acad-system/backend/internal/tenant"
)

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	return f.revoked[sessionID], nil
}

func issueAccess(t *testing.T, tokens *security.TokenProvider) string {
	t.Helper()
	pair, err := tokens.IssuePair(security.Subject{SessionID: "session-1", UserID: "user-1", WebsiteID: "essays", Role: "client"})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	return pair.AccessToken
}

func bearerCtx(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func runAuth(t *testing.T, ctx context.Context, rev RevocationChecker, method string, public map[string]bool) (context.Context, error) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	var seen context.Context
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = ctx
		return "success", nil
	}
	_, err = AuthUnary(tokens, rev, public)(ctx, "request", &grpc.UnaryServerInfo{FullMethod: method}, handler)
	return seen, err
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error", want)
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error is not a gRPC status: %v", err)
	}
	if st.Code() != want {
		t.Errorf("status code = %v, want %v", st.Code(), want)
	}
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	ctx, err := runAuth(t, context.Background(), nil, "/test.Service/Public", map[string]bool{"/test.Service/Public": true})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if _, ok := GetUserID(ctx); ok {
		t.Error("public call without token should carry no identity")
	}
}

func TestAuthUnary_ProtectedMethod_NoToken(t *testing.T) {
	_, err := runAuth(t, context.Background(), nil, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unauthenticated)
}

func TestAuthUnary_ProtectedMethod_InvalidToken(t *testing.T) {
	_, err := runAuth(t, bearerCtx("not-a-jwt"), nil, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unauthenticated)
}

func TestAuthUnary_ProtectedMethod_ValidToken(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	ctx, err := runAuth(t, bearerCtx(issueAccess(t, tokens)), &fakeRevocations{}, "/test.Service/Protected", nil)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if uid, _ := GetUserID(ctx); uid != "user-1" {
		t.Errorf("user_id = %q, want user-1", uid)
	}
	if wid, _ := GetWebsiteID(ctx); wid != "essays" {
		t.Errorf("website_id = %q, want essays", wid)
	}
	if sid, _ := GetSessionID(ctx); sid != "session-1" {
		t.Errorf("session_id = %q, want session-1", sid)
	}
	if r, _ := GetRole(ctx); r != "client" {
		t.Errorf("role = %q, want client", r)
	}
}

func TestAuthUnary_RevokedSession(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	rev := &fakeRevocations{revoked: map[string]bool{"session-1": true}}
	_, err := runAuth(t, bearerCtx(issueAccess(t, tokens)), rev, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unauthenticated)
}

func TestAuthUnary_RevocationStoreDown_FailsClosed(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	rev := &fakeRevocations{err: errors.New("redis down")}
	_, err := runAuth(t, bearerCtx(issueAccess(t, tokens)), rev, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unavailable)
}

func TestAuthUnary_RefreshTokenRejectedAsAccess(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	pair, err := tokens.IssuePair(security.Subject{SessionID: "s", UserID: "u", WebsiteID: "w"})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	_, err = runAuth(t, bearerCtx(pair.RefreshToken), nil, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unauthenticated)
}

func TestAuthUnary_TokenForOtherWebsite(t *testing.T) {
	tokens, _ := security.NewTestTokenProvider()
	ctx := tenant.WithWebsite(bearerCtx(issueAccess(t, tokens)), tenant.Website{ID: "thesis", Active: true})
	_, err := runAuth(t, ctx, nil, "/test.Service/Protected", nil)
	wantCode(t, err, codes.Unauthenticated)
}
