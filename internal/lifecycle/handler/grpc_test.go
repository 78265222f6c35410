package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/server/interceptors"
	userdomain "acad-system/backend/internal/user/domain"
)

type fakeSuspensions struct{}

func (fakeSuspensions) Suspend(ctx context.Context, u *userdomain.User, websiteID, reason string, until *time.Time) (*suspension.Suspension, error) {
	if until != nil && !until.After(time.Now()) {
		return nil, suspension.ErrInvalidSchedule
	}
	return &suspension.Suspension{UserID: u.ID, WebsiteID: websiteID, IsSuspended: true, Reason: reason, ScheduledReactivation: until}, nil
}

func (fakeSuspensions) Status(ctx context.Context, u *userdomain.User, websiteID string) (*suspension.Suspension, error) {
	return &suspension.Suspension{UserID: u.ID, WebsiteID: websiteID}, nil
}

type fakeDeletions struct {
	mu    sync.Mutex
	delay time.Duration
}

func (f *fakeDeletions) RequestDeletion(ctx context.Context, u *userdomain.User, websiteID, reason string) (*deletion.Request, bool, error) {
	return &deletion.Request{ID: "del-1", UserID: u.ID, Status: deletion.StatusPending}, true, nil
}

func (f *fakeDeletions) ConfirmDeletion(ctx context.Context, actor *userdomain.User, requestID string, delay time.Duration) (*deletion.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = delay
	return &deletion.Request{ID: requestID, Status: deletion.StatusConfirmed}, nil
}

func (f *fakeDeletions) ApproveDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*deletion.Request, error) {
	return &deletion.Request{ID: requestID, Status: deletion.StatusApproved, AdminResponse: response}, nil
}

func (f *fakeDeletions) RejectDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*deletion.Request, error) {
	return nil, lifecycle.ErrWrongState
}

func (f *fakeDeletions) ListRequests(ctx context.Context, admin *userdomain.User, status deletion.Status, limit, offset int) ([]*deletion.Request, error) {
	return []*deletion.Request{{ID: "del-1", Status: status}}, nil
}

type fakeEmailChanges struct{}

func (fakeEmailChanges) RequestEmailChange(ctx context.Context, u *userdomain.User, websiteID, newEmail string, requireOld bool) (*emailchange.Request, error) {
	if !u.Role.CanRequestEmailChange() {
		return nil, lifecycle.ErrNotPermitted
	}
	return &emailchange.Request{ID: "ec-1", UserID: u.ID, NewEmail: newEmail, Status: emailchange.StatusPending,
		RequireOldEmailConfirmation: requireOld}, nil
}

func (fakeEmailChanges) ApproveEmailChange(ctx context.Context, admin *userdomain.User, requestID, reason string) (*emailchange.Request, error) {
	if reason != "" {
		return &emailchange.Request{ID: requestID, Status: emailchange.StatusRejected}, nil
	}
	return &emailchange.Request{ID: requestID, Status: emailchange.StatusAdminApproved}, nil
}

func (fakeEmailChanges) CancelEmailChange(ctx context.Context, u *userdomain.User, requestID string) (*emailchange.Request, error) {
	return nil, lifecycle.ErrRequestNotFound
}

func (fakeEmailChanges) GetRequest(ctx context.Context, actor *userdomain.User, requestID string) (*emailchange.Request, error) {
	return &emailchange.Request{ID: requestID}, nil
}

func (fakeEmailChanges) ListRequests(ctx context.Context, admin *userdomain.User, status emailchange.Status, limit, offset int) ([]*emailchange.Request, error) {
	return nil, nil
}

type fakeLockouts struct {
	mu       sync.Mutex
	unlocked string
}

func (f *fakeLockouts) Lock(ctx context.Context, admin, target *userdomain.User, websiteID string, duration time.Duration, reason string) (time.Time, error) {
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return time.Now().Add(duration), nil
}

func (f *fakeLockouts) Unlock(ctx context.Context, admin, target *userdomain.User, websiteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocked = target.ID
	return nil
}

func (f *fakeLockouts) GetLockoutInfo(ctx context.Context, u *userdomain.User, websiteID string) (lockout.Info, error) {
	return lockout.Info{FailedAttempts: 2, AttemptsRemaining: 3}, nil
}

type memEvents struct {
	events []*auditdomain.SecurityEvent
}

func (m *memEvents) ListByUser(ctx context.Context, userID, websiteID string, limit, offset int) ([]*auditdomain.SecurityEvent, error) {
	var out []*auditdomain.SecurityEvent
	for _, e := range m.events {
		if e.UserID == userID && e.WebsiteID == websiteID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memUsers map[string]*userdomain.User

func (m memUsers) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	return m[id], nil
}

func fixture() (*Server, *fakeDeletions, *fakeLockouts) {
	dels := &fakeDeletions{}
	locks := &fakeLockouts{}
	events := &memEvents{}
	for i := 0; i < 3; i++ {
		events.events = append(events.events, &auditdomain.SecurityEvent{UserID: "u-1", WebsiteID: "w1", EventType: auditdomain.EventLoginFailed})
	}
	users := memUsers{
		"u-1":    {ID: "u-1", Role: role.Client, IsActive: true},
		"writer": {ID: "writer", Role: role.Writer, IsActive: true},
		"admin":  {ID: "admin", Role: role.Admin, IsActive: true},
		"frozen": {ID: "frozen", Role: role.Client, IsActive: false, IsFrozen: true},
	}
	srv := NewServer(Deps{
		Suspensions:  fakeSuspensions{},
		Deletions:    dels,
		EmailChanges: fakeEmailChanges{},
		Lockouts:     locks,
		Events:       events,
		Users:        users,
		ConfirmDelay: 72 * time.Hour,
	})
	return srv, dels, locks
}

func as(userID string) context.Context {
	return interceptors.WithIdentity(context.Background(), userID, "w1", "s-"+userID)
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if status.Code(err) != want {
		t.Fatalf("code = %v, want %v (err %v)", status.Code(err), want, err)
	}
}

func TestSuspend(t *testing.T) {
	srv, _, _ := fixture()
	until := time.Now().Add(48 * time.Hour)
	resp, err := srv.Suspend(as("u-1"), &SuspendRequest{Reason: "break", ReactivateAt: &until})
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !resp.Suspension.IsSuspended || resp.Suspension.WebsiteID != "w1" {
		t.Errorf("suspension = %+v", resp.Suspension)
	}
	past := time.Now().Add(-time.Hour)
	_, err = srv.Suspend(as("u-1"), &SuspendRequest{ReactivateAt: &past})
	wantCode(t, err, codes.InvalidArgument)
}

func TestRequestDeletion(t *testing.T) {
	srv, _, _ := fixture()
	resp, err := srv.RequestDeletion(as("u-1"), &RequestDeletionRequest{Reason: "leaving"})
	if err != nil {
		t.Fatalf("RequestDeletion: %v", err)
	}
	if !resp.Created || resp.Request.Status != deletion.StatusPending {
		t.Errorf("response = %+v", resp)
	}
}

func TestEmailChange_RolesAndApproval(t *testing.T) {
	srv, _, _ := fixture()

	_, err := srv.RequestEmailChange(as("writer"), &RequestEmailChangeRequest{NewEmail: "new@x.com"})
	wantCode(t, err, codes.PermissionDenied)

	resp, err := srv.RequestEmailChange(as("u-1"), &RequestEmailChangeRequest{NewEmail: "new@x.com", RequireOldEmailConfirmation: true})
	if err != nil {
		t.Fatalf("RequestEmailChange: %v", err)
	}
	if !resp.Request.RequireOldEmailConfirmation {
		t.Error("require_old_email_confirmation lost")
	}

	_, err = srv.ApproveEmailChange(as("u-1"), &ApproveEmailChangeRequest{RequestID: "ec-1"})
	wantCode(t, err, codes.PermissionDenied)

	approved, err := srv.ApproveEmailChange(as("admin"), &ApproveEmailChangeRequest{RequestID: "ec-1"})
	if err != nil {
		t.Fatalf("ApproveEmailChange: %v", err)
	}
	if approved.Request.Status != emailchange.StatusAdminApproved {
		t.Errorf("status = %q", approved.Request.Status)
	}
	rejected, err := srv.ApproveEmailChange(as("admin"), &ApproveEmailChangeRequest{RequestID: "ec-1", RejectionReason: "no"})
	if err != nil {
		t.Fatalf("ApproveEmailChange(reject): %v", err)
	}
	if rejected.Request.Status != emailchange.StatusRejected {
		t.Errorf("status = %q", rejected.Request.Status)
	}

	_, err = srv.CancelEmailChange(as("u-1"), &RequestIDRequest{RequestID: "ec-404"})
	wantCode(t, err, codes.NotFound)
}

func TestConfirmDeletion_DefaultDelay(t *testing.T) {
	srv, dels, _ := fixture()

	_, err := srv.ConfirmDeletion(as("u-1"), &ConfirmDeletionRequest{RequestID: "del-1"})
	wantCode(t, err, codes.PermissionDenied)

	if _, err := srv.ConfirmDeletion(as("admin"), &ConfirmDeletionRequest{RequestID: "del-1"}); err != nil {
		t.Fatalf("ConfirmDeletion: %v", err)
	}
	if dels.delay != 72*time.Hour {
		t.Errorf("delay = %v, want 72h", dels.delay)
	}
	if _, err := srv.ConfirmDeletion(as("admin"), &ConfirmDeletionRequest{RequestID: "del-1", DelaySeconds: 60}); err != nil {
		t.Fatalf("ConfirmDeletion: %v", err)
	}
	if dels.delay != time.Minute {
		t.Errorf("delay = %v, want 1m", dels.delay)
	}
}

func TestDecideDeletion(t *testing.T) {
	srv, _, _ := fixture()
	resp, err := srv.ApproveDeletion(as("admin"), &DecideDeletionRequest{RequestID: "del-1", Response: "ok"})
	if err != nil {
		t.Fatalf("ApproveDeletion: %v", err)
	}
	if resp.Request.Status != deletion.StatusApproved || resp.Request.AdminResponse != "ok" {
		t.Errorf("request = %+v", resp.Request)
	}
	_, err = srv.RejectDeletion(as("admin"), &DecideDeletionRequest{RequestID: "del-1"})
	wantCode(t, err, codes.FailedPrecondition)

	list, err := srv.ListDeletions(as("admin"), &ListRequest{Status: "pending"})
	if err != nil {
		t.Fatalf("ListDeletions: %v", err)
	}
	if len(list.Requests) != 1 || list.Requests[0].Status != deletion.StatusPending {
		t.Errorf("list = %+v", list.Requests)
	}
}

func TestLockAndUnlock(t *testing.T) {
	srv, _, locks := fixture()

	_, err := srv.LockAccount(as("u-1"), &LockAccountRequest{UserID: "writer"})
	wantCode(t, err, codes.PermissionDenied)
	_, err = srv.LockAccount(as("admin"), &LockAccountRequest{})
	wantCode(t, err, codes.InvalidArgument)
	_, err = srv.LockAccount(as("admin"), &LockAccountRequest{UserID: "ghost"})
	wantCode(t, err, codes.NotFound)

	resp, err := srv.LockAccount(as("admin"), &LockAccountRequest{UserID: "writer", DurationSeconds: 3600})
	if err != nil {
		t.Fatalf("LockAccount: %v", err)
	}
	if time.Until(resp.LockedUntil) < 59*time.Minute {
		t.Errorf("locked_until = %v", resp.LockedUntil)
	}

	// Frozen accounts can still be unlocked by an admin.
	if _, err := srv.UnlockAccount(as("admin"), &UserIDRequest{UserID: "frozen"}); err != nil {
		t.Fatalf("UnlockAccount: %v", err)
	}
	if locks.unlocked != "frozen" {
		t.Errorf("unlocked = %q", locks.unlocked)
	}
}

func TestGetLockoutInfo(t *testing.T) {
	srv, _, _ := fixture()
	info, err := srv.GetLockoutInfo(as("u-1"), &UserIDRequest{})
	if err != nil {
		t.Fatalf("GetLockoutInfo: %v", err)
	}
	if info.UserID != "u-1" || info.AttemptsRemaining != 3 {
		t.Errorf("info = %+v", info)
	}
	_, err = srv.GetLockoutInfo(as("u-1"), &UserIDRequest{UserID: "writer"})
	wantCode(t, err, codes.PermissionDenied)
	if _, err := srv.GetLockoutInfo(as("admin"), &UserIDRequest{UserID: "writer"}); err != nil {
		t.Fatalf("GetLockoutInfo as admin: %v", err)
	}
}

func TestListSecurityEvents_Pages(t *testing.T) {
	srv, _, _ := fixture()
	resp, err := srv.ListSecurityEvents(as("u-1"), &ListSecurityEventsRequest{Limit: 2})
	if err != nil {
		t.Fatalf("ListSecurityEvents: %v", err)
	}
	if len(resp.Events) != 2 || resp.NextOffset != 2 {
		t.Fatalf("events=%d next=%d", len(resp.Events), resp.NextOffset)
	}
	resp, err = srv.ListSecurityEvents(as("u-1"), &ListSecurityEventsRequest{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListSecurityEvents: %v", err)
	}
	if len(resp.Events) != 1 || resp.NextOffset != 0 {
		t.Fatalf("events=%d next=%d", len(resp.Events), resp.NextOffset)
	}
	_, err = srv.ListSecurityEvents(as("u-1"), &ListSecurityEventsRequest{UserID: "admin"})
	wantCode(t, err, codes.PermissionDenied)
}
