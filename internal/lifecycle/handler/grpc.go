// Package handler serves AccountService: the self-service lifecycle actions (suspend, delete,
// change email) and the admin side of those workflows plus account locks and the security log.
package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	auditdomain "acad-system/backend/internal/audit/domain"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/platform/rbac"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/server/rpc"
	userdomain "acad-system/backend/internal/user/domain"
)

const ServiceName = "acad.account.v1.AccountService"

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Suspensions interface {
	Suspend(ctx context.Context, u *userdomain.User, websiteID, reason string, until *time.Time) (*suspension.Suspension, error)
	Status(ctx context.Context, u *userdomain.User, websiteID string) (*suspension.Suspension, error)
}

type Deletions interface {
	RequestDeletion(ctx context.Context, u *userdomain.User, websiteID, reason string) (*deletion.Request, bool, error)
	ConfirmDeletion(ctx context.Context, actor *userdomain.User, requestID string, delay time.Duration) (*deletion.Request, error)
	ApproveDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*deletion.Request, error)
	RejectDeletion(ctx context.Context, admin *userdomain.User, requestID, response string) (*deletion.Request, error)
	ListRequests(ctx context.Context, admin *userdomain.User, status deletion.Status, limit, offset int) ([]*deletion.Request, error)
}

type EmailChanges interface {
	RequestEmailChange(ctx context.Context, u *userdomain.User, websiteID, newEmail string, requireOldEmailConfirmation bool) (*emailchange.Request, error)
	ApproveEmailChange(ctx context.Context, admin *userdomain.User, requestID, rejectionReason string) (*emailchange.Request, error)
	CancelEmailChange(ctx context.Context, u *userdomain.User, requestID string) (*emailchange.Request, error)
	GetRequest(ctx context.Context, actor *userdomain.User, requestID string) (*emailchange.Request, error)
	ListRequests(ctx context.Context, admin *userdomain.User, status emailchange.Status, limit, offset int) ([]*emailchange.Request, error)
}

type Lockouts interface {
	Lock(ctx context.Context, admin, target *userdomain.User, websiteID string, duration time.Duration, reason string) (time.Time, error)
	Unlock(ctx context.Context, admin, target *userdomain.User, websiteID string) error
	GetLockoutInfo(ctx context.Context, u *userdomain.User, websiteID string) (lockout.Info, error)
}

// Events reads the security event log.
type Events interface {
	ListByUser(ctx context.Context, userID, websiteID string, limit, offset int) ([]*auditdomain.SecurityEvent, error)
}

// Deps wires the AccountService server.
type Deps struct {
	Suspensions  Suspensions
	Deletions    Deletions
	EmailChanges EmailChanges
	Lockouts     Lockouts
	Events       Events
	Users        rbac.UserGetter
	// ConfirmDelay is used when ConfirmDeletion names no delay.
	ConfirmDelay time.Duration
	Log          *zap.Logger
}

// Server implements AccountService.
type Server struct {
	Deps
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Server{Deps: d}
}

type AccountServiceServer interface {
	Suspend(context.Context, *SuspendRequest) (*SuspensionResponse, error)
	SuspensionStatus(context.Context, *Empty) (*SuspensionResponse, error)
	RequestDeletion(context.Context, *RequestDeletionRequest) (*RequestDeletionResponse, error)
	RequestEmailChange(context.Context, *RequestEmailChangeRequest) (*EmailChangeResponse, error)
	CancelEmailChange(context.Context, *RequestIDRequest) (*EmailChangeResponse, error)
	GetEmailChange(context.Context, *RequestIDRequest) (*EmailChangeResponse, error)

	ApproveEmailChange(context.Context, *ApproveEmailChangeRequest) (*EmailChangeResponse, error)
	ListEmailChanges(context.Context, *ListRequest) (*ListEmailChangesResponse, error)
	ConfirmDeletion(context.Context, *ConfirmDeletionRequest) (*DeletionResponse, error)
	ApproveDeletion(context.Context, *DecideDeletionRequest) (*DeletionResponse, error)
	RejectDeletion(context.Context, *DecideDeletionRequest) (*DeletionResponse, error)
	ListDeletions(context.Context, *ListRequest) (*ListDeletionsResponse, error)
	LockAccount(context.Context, *LockAccountRequest) (*LockAccountResponse, error)
	UnlockAccount(context.Context, *UserIDRequest) (*Empty, error)
	GetLockoutInfo(context.Context, *UserIDRequest) (*LockoutInfo, error)
	ListSecurityEvents(context.Context, *ListSecurityEventsRequest) (*ListSecurityEventsResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccountServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Suspend", AccountServiceServer.Suspend),
		rpc.Unary(ServiceName, "SuspensionStatus", AccountServiceServer.SuspensionStatus),
		rpc.Unary(ServiceName, "RequestDeletion", AccountServiceServer.RequestDeletion),
		rpc.Unary(ServiceName, "RequestEmailChange", AccountServiceServer.RequestEmailChange),
		rpc.Unary(ServiceName, "CancelEmailChange", AccountServiceServer.CancelEmailChange),
		rpc.Unary(ServiceName, "GetEmailChange", AccountServiceServer.GetEmailChange),
		rpc.Unary(ServiceName, "ApproveEmailChange", AccountServiceServer.ApproveEmailChange),
		rpc.Unary(ServiceName, "ListEmailChanges", AccountServiceServer.ListEmailChanges),
		rpc.Unary(ServiceName, "ConfirmDeletion", AccountServiceServer.ConfirmDeletion),
		rpc.Unary(ServiceName, "ApproveDeletion", AccountServiceServer.ApproveDeletion),
		rpc.Unary(ServiceName, "RejectDeletion", AccountServiceServer.RejectDeletion),
		rpc.Unary(ServiceName, "ListDeletions", AccountServiceServer.ListDeletions),
		rpc.Unary(ServiceName, "LockAccount", AccountServiceServer.LockAccount),
		rpc.Unary(ServiceName, "UnlockAccount", AccountServiceServer.UnlockAccount),
		rpc.Unary(ServiceName, "GetLockoutInfo", AccountServiceServer.GetLockoutInfo),
		rpc.Unary(ServiceName, "ListSecurityEvents", AccountServiceServer.ListSecurityEvents),
	},
	Streams: []grpc.StreamDesc{},
}

// AdminMethods are audited when called.
var AdminMethods = rpc.Methods(&ServiceDesc,
	"ApproveEmailChange", "ConfirmDeletion", "ApproveDeletion", "RejectDeletion",
	"LockAccount", "UnlockAccount",
)

func (s *Server) caller(ctx context.Context) (*userdomain.User, string, error) {
	u, err := rbac.RequireUser(ctx, s.Users)
	if err != nil {
		return nil, "", err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	return u, websiteID, nil
}

// targetUser loads the account an admin action is aimed at. Unlike RequireUser it accepts
// deactivated and frozen accounts.
func (s *Server) targetUser(ctx context.Context, userID string) (*userdomain.User, error) {
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id required")
	}
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	if u == nil {
		return nil, status.Error(codes.NotFound, "user not found")
	}
	return u, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, max(offset, 0)
}

// Suspend suspends the caller's own account on this website and signs it out.
func (s *Server) Suspend(ctx context.Context, req *SuspendRequest) (*SuspensionResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	sus, err := s.Suspensions.Suspend(ctx, u, websiteID, req.Reason, req.ReactivateAt)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &SuspensionResponse{Suspension: sus}, nil
}

func (s *Server) SuspensionStatus(ctx context.Context, _ *Empty) (*SuspensionResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	sus, err := s.Suspensions.Status(ctx, u, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &SuspensionResponse{Suspension: sus}, nil
}

// RequestDeletion opens a deletion request for the caller. The undo token goes out by email only.
func (s *Server) RequestDeletion(ctx context.Context, req *RequestDeletionRequest) (*RequestDeletionResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	r, created, err := s.Deletions.RequestDeletion(ctx, u, websiteID, req.Reason)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &RequestDeletionResponse{Request: r, Created: created}, nil
}

func (s *Server) RequestEmailChange(ctx context.Context, req *RequestEmailChangeRequest) (*EmailChangeResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.EmailChanges.RequestEmailChange(ctx, u, websiteID, req.NewEmail, req.RequireOldEmailConfirmation)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &EmailChangeResponse{Request: r}, nil
}

func (s *Server) CancelEmailChange(ctx context.Context, req *RequestIDRequest) (*EmailChangeResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id required")
	}
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.EmailChanges.CancelEmailChange(ctx, u, req.RequestID)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &EmailChangeResponse{Request: r}, nil
}

func (s *Server) GetEmailChange(ctx context.Context, req *RequestIDRequest) (*EmailChangeResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id required")
	}
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.EmailChanges.GetRequest(ctx, u, req.RequestID)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &EmailChangeResponse{Request: r}, nil
}

// ApproveEmailChange approves a pending change, or rejects it when a rejection reason is given.
func (s *Server) ApproveEmailChange(ctx context.Context, req *ApproveEmailChangeRequest) (*EmailChangeResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id required")
	}
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanApproveEmailChange, "email change approval")
	if err != nil {
		return nil, err
	}
	r, err := s.EmailChanges.ApproveEmailChange(ctx, admin, req.RequestID, req.RejectionReason)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &EmailChangeResponse{Request: r}, nil
}

func (s *Server) ListEmailChanges(ctx context.Context, req *ListRequest) (*ListEmailChangesResponse, error) {
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanApproveEmailChange, "email change approval")
	if err != nil {
		return nil, err
	}
	limit, offset := page(req.Limit, req.Offset)
	list, err := s.EmailChanges.ListRequests(ctx, admin, emailchange.Status(req.Status), limit, offset)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &ListEmailChangesResponse{Requests: list}, nil
}

// ConfirmDeletion confirms a pending deletion ahead of the undo window and freezes the account.
func (s *Server) ConfirmDeletion(ctx context.Context, req *ConfirmDeletionRequest) (*DeletionResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id required")
	}
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanManageDeletion, "deletion management")
	if err != nil {
		return nil, err
	}
	delay := time.Duration(req.DelaySeconds) * time.Second
	if delay <= 0 {
		delay = s.ConfirmDelay
	}
	r, err := s.Deletions.ConfirmDeletion(ctx, admin, req.RequestID, delay)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &DeletionResponse{Request: r}, nil
}

func (s *Server) ApproveDeletion(ctx context.Context, req *DecideDeletionRequest) (*DeletionResponse, error) {
	return s.decideDeletion(ctx, req, s.Deletions.ApproveDeletion)
}

func (s *Server) RejectDeletion(ctx context.Context, req *DecideDeletionRequest) (*DeletionResponse, error) {
	return s.decideDeletion(ctx, req, s.Deletions.RejectDeletion)
}

func (s *Server) decideDeletion(ctx context.Context, req *DecideDeletionRequest, decide func(context.Context, *userdomain.User, string, string) (*deletion.Request, error)) (*DeletionResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id required")
	}
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanManageDeletion, "deletion management")
	if err != nil {
		return nil, err
	}
	r, err := decide(ctx, admin, req.RequestID, req.Response)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &DeletionResponse{Request: r}, nil
}

func (s *Server) ListDeletions(ctx context.Context, req *ListRequest) (*ListDeletionsResponse, error) {
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanManageDeletion, "deletion management")
	if err != nil {
		return nil, err
	}
	limit, offset := page(req.Limit, req.Offset)
	list, err := s.Deletions.ListRequests(ctx, admin, deletion.Status(req.Status), limit, offset)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &ListDeletionsResponse{Requests: list}, nil
}

// LockAccount locks another account. A zero duration uses the configured base lockout.
func (s *Server) LockAccount(ctx context.Context, req *LockAccountRequest) (*LockAccountResponse, error) {
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanManageAccounts, "account management")
	if err != nil {
		return nil, err
	}
	target, err := s.targetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	until, err := s.Lockouts.Lock(ctx, admin, target, websiteID, time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &LockAccountResponse{LockedUntil: until}, nil
}

func (s *Server) UnlockAccount(ctx context.Context, req *UserIDRequest) (*Empty, error) {
	admin, err := rbac.RequireCapability(ctx, s.Users, role.Role.CanManageAccounts, "account management")
	if err != nil {
		return nil, err
	}
	target, err := s.targetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	if err := s.Lockouts.Unlock(ctx, admin, target, websiteID); err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	return &Empty{}, nil
}

// GetLockoutInfo reports a user's lockout state. Callers may read their own without privileges.
func (s *Server) GetLockoutInfo(ctx context.Context, req *UserIDRequest) (*LockoutInfo, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	target := u
	if req.UserID != "" && req.UserID != u.ID {
		if !u.Role.CanManageAccounts() {
			return nil, status.Error(codes.PermissionDenied, "account management required")
		}
		if target, err = s.targetUser(ctx, req.UserID); err != nil {
			return nil, err
		}
	}
	info, err := s.Lockouts.GetLockoutInfo(ctx, target, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	opts := make([]string, len(info.UnlockOptions))
	for i, o := range info.UnlockOptions {
		opts[i] = string(o)
	}
	return &LockoutInfo{
		UserID:            target.ID,
		Locked:            info.Locked,
		LockoutUntil:      info.LockoutUntil,
		FailedAttempts:    info.FailedAttempts,
		AttemptsRemaining: info.AttemptsRemaining,
		LockoutCount:      info.LockoutCount,
		UnlockOptions:     opts,
	}, nil
}

// ListSecurityEvents pages through a user's security log on this website, newest first.
func (s *Server) ListSecurityEvents(ctx context.Context, req *ListSecurityEventsRequest) (*ListSecurityEventsResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	userID := u.ID
	if req.UserID != "" && req.UserID != u.ID {
		if !u.Role.CanManageAccounts() {
			return nil, status.Error(codes.PermissionDenied, "account management required")
		}
		userID = req.UserID
	}
	limit, offset := page(req.Limit, req.Offset)
	events, err := s.Events.ListByUser(ctx, userID, websiteID, limit, offset)
	if err != nil {
		return nil, rpc.Error(ctx, s.Log, err)
	}
	next := 0
	if len(events) == limit {
		next = offset + limit
	}
	return &ListSecurityEventsResponse{Events: events, NextOffset: next}, nil
}
