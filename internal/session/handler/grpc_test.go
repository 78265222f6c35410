package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/platform/role"
	policydomain "acad-system/backend/internal/policy/domain"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/session/domain"
	sessionservice "acad-system/backend/internal/session/service"
	userdomain "acad-system/backend/internal/user/domain"
)

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	lastAll  struct{ userID, websiteID, exclude string }
}

func (m *memSessions) ListSessions(ctx context.Context, userID, websiteID string, activeOnly bool) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.WebsiteID != websiteID {
			continue
		}
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memSessions) RevokeOwned(ctx context.Context, actor *userdomain.User, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (s.UserID != actor.ID && !actor.Role.CanManageAccounts()) {
		return false, sessionservice.ErrSessionNotFound
	}
	if !s.IsActive {
		return false, nil
	}
	now := time.Now()
	s.IsActive, s.RevokedAt = false, &now
	return true, nil
}

func (m *memSessions) RevokeAll(ctx context.Context, userID, websiteID, excludeSessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAll.userID, m.lastAll.websiteID, m.lastAll.exclude = userID, websiteID, excludeSessionID
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID && s.WebsiteID == websiteID && id != excludeSessionID && s.IsActive {
			s.IsActive = false
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memPolicies struct {
	mu       sync.Mutex
	policies map[string]*policydomain.SessionLimitPolicy
}

func (m *memPolicies) GetPolicy(ctx context.Context, userID, websiteID string) (*policydomain.SessionLimitPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[userID+"/"+websiteID]; ok {
		return p, nil
	}
	p := &policydomain.SessionLimitPolicy{UserID: userID, WebsiteID: websiteID, MaxConcurrentSessions: 5, RevokeOldestOnLimit: true}
	m.policies[userID+"/"+websiteID] = p
	return p, nil
}

func (m *memPolicies) UpdatePolicy(ctx context.Context, actor *userdomain.User, p *policydomain.SessionLimitPolicy) (*policydomain.SessionLimitPolicy, error) {
	if actor.ID != p.UserID && !actor.Role.CanManageSessionPolicy() {
		return nil, sessionservice.ErrNotPermitted
	}
	if p.MaxConcurrentSessions < 0 {
		return nil, sessionservice.ErrInvalidPolicy
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.UserID+"/"+p.WebsiteID] = p
	return p, nil
}

type memUsers map[string]*userdomain.User

func (m memUsers) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	return m[id], nil
}

func fixture() (*Server, *memSessions) {
	future := time.Now().Add(time.Hour)
	sessions := &memSessions{sessions: map[string]*domain.Session{
		"s-1": {ID: "s-1", UserID: "u-1", WebsiteID: "w1", IsActive: true, ExpiresAt: future},
		"s-2": {ID: "s-2", UserID: "u-1", WebsiteID: "w1", IsActive: true, ExpiresAt: future},
		"s-3": {ID: "s-3", UserID: "u-2", WebsiteID: "w1", IsActive: true, ExpiresAt: future},
	}}
	users := memUsers{
		"u-1":   {ID: "u-1", Role: role.Client, IsActive: true},
		"u-2":   {ID: "u-2", Role: role.Writer, IsActive: true},
		"admin": {ID: "admin", Role: role.Admin, IsActive: true},
	}
	policies := &memPolicies{policies: map[string]*policydomain.SessionLimitPolicy{}}
	return NewServer(sessions, policies, users, nil), sessions
}

func as(userID, sessionID string) context.Context {
	return interceptors.WithIdentity(context.Background(), userID, "w1", sessionID)
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if status.Code(err) != want {
		t.Fatalf("code = %v, want %v (err %v)", status.Code(err), want, err)
	}
}

func TestListSessions_MarksCurrent(t *testing.T) {
	srv, _ := fixture()
	resp, err := srv.ListSessions(as("u-1", "s-2"), &ListSessionsRequest{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(resp.Sessions))
	}
	for _, s := range resp.Sessions {
		if s.Current != (s.ID == "s-2") {
			t.Errorf("session %s current = %v", s.ID, s.Current)
		}
		if !s.Active {
			t.Errorf("session %s should be active", s.ID)
		}
	}
}

func TestListSessions_OtherUserNeedsAdmin(t *testing.T) {
	srv, _ := fixture()
	_, err := srv.ListSessions(as("u-1", "s-1"), &ListSessionsRequest{UserID: "u-2"})
	wantCode(t, err, codes.PermissionDenied)

	resp, err := srv.ListSessions(as("admin", "s-9"), &ListSessionsRequest{UserID: "u-2"})
	if err != nil {
		t.Fatalf("ListSessions as admin: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "s-3" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

func TestRevokeSession_Idempotent(t *testing.T) {
	srv, _ := fixture()
	ctx := as("u-1", "s-1")

	resp, err := srv.RevokeSession(ctx, &RevokeSessionRequest{SessionID: "s-2"})
	if err != nil || !resp.Revoked {
		t.Fatalf("first revoke: resp=%+v err=%v", resp, err)
	}
	resp, err = srv.RevokeSession(ctx, &RevokeSessionRequest{SessionID: "s-2"})
	if err != nil || resp.Revoked {
		t.Fatalf("second revoke: resp=%+v err=%v", resp, err)
	}
	_, err = srv.RevokeSession(ctx, &RevokeSessionRequest{SessionID: "s-3"})
	wantCode(t, err, codes.NotFound)
	_, err = srv.RevokeSession(ctx, &RevokeSessionRequest{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestRevokeAllSessions_KeepCurrent(t *testing.T) {
	srv, sessions := fixture()
	resp, err := srv.RevokeAllSessions(as("u-1", "s-1"), &RevokeAllSessionsRequest{KeepCurrent: true})
	if err != nil {
		t.Fatalf("RevokeAllSessions: %v", err)
	}
	if len(resp.RevokedSessionIDs) != 1 || resp.RevokedSessionIDs[0] != "s-2" {
		t.Errorf("revoked = %v, want [s-2]", resp.RevokedSessionIDs)
	}
	if !sessions.sessions["s-1"].IsActive {
		t.Error("current session must survive keep_current")
	}

	// An admin's own session id is never excluded from another user's revocation.
	if _, err := srv.RevokeAllSessions(as("admin", "s-3"), &RevokeAllSessionsRequest{UserID: "u-2", KeepCurrent: true}); err != nil {
		t.Fatalf("RevokeAllSessions as admin: %v", err)
	}
	if sessions.lastAll.exclude != "" || sessions.lastAll.userID != "u-2" {
		t.Errorf("RevokeAll args = %+v", sessions.lastAll)
	}
}

func TestSessionLimitPolicy(t *testing.T) {
	srv, _ := fixture()
	p, err := srv.GetSessionLimitPolicy(as("u-1", "s-1"), &GetSessionLimitPolicyRequest{})
	if err != nil {
		t.Fatalf("GetSessionLimitPolicy: %v", err)
	}
	if p.MaxConcurrentSessions != 5 || !p.RevokeOldestOnLimit || p.Unlimited {
		t.Errorf("default policy = %+v", p)
	}

	p, err = srv.UpdateSessionLimitPolicy(as("u-1", "s-1"), &UpdateSessionLimitPolicyRequest{MaxConcurrentSessions: 0})
	if err != nil {
		t.Fatalf("UpdateSessionLimitPolicy: %v", err)
	}
	if !p.Unlimited {
		t.Error("max 0 should read as unlimited")
	}

	_, err = srv.UpdateSessionLimitPolicy(as("u-1", "s-1"), &UpdateSessionLimitPolicyRequest{UserID: "u-2", MaxConcurrentSessions: 1})
	wantCode(t, err, codes.PermissionDenied)
	_, err = srv.UpdateSessionLimitPolicy(as("u-1", "s-1"), &UpdateSessionLimitPolicyRequest{MaxConcurrentSessions: -1})
	wantCode(t, err, codes.InvalidArgument)
	_, err = srv.GetSessionLimitPolicy(as("u-1", "s-1"), &GetSessionLimitPolicyRequest{UserID: "u-2"})
	wantCode(t, err, codes.PermissionDenied)

	if _, err := srv.GetSessionLimitPolicy(as("admin", "s-9"), &GetSessionLimitPolicyRequest{UserID: "u-2"}); err != nil {
		t.Fatalf("admin GetSessionLimitPolicy: %v", err)
	}
}

func TestUnauthenticated(t *testing.T) {
	srv, _ := fixture()
	_, err := srv.ListSessions(context.Background(), &ListSessionsRequest{})
	wantCode(t, err, codes.Unauthenticated)
}
