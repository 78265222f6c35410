// Package handler serves MFAService: second-factor enrollment, backup codes and the caller's
// remembered devices.
package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	devicedomain "acad-system/backend/internal/device/domain"
	mfadomain "acad-system/backend/internal/mfa/domain"
	"acad-system/backend/internal/mfa/service"
	"acad-system/backend/internal/platform/rbac"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/server/rpc"
	userdomain "acad-system/backend/internal/user/domain"
)

const ServiceName = "acad.mfa.v1.MFAService"

// Factors is the part of the MFA service the handler calls.
type Factors interface {
	BeginEnrollment(ctx context.Context, u *userdomain.User, websiteID string, method userdomain.MFAMethod, phone string) (*service.Enrollment, error)
	ConfirmEnrollment(ctx context.Context, u *userdomain.User, challengeID, code string) ([]string, error)
	SendDisableCode(ctx context.Context, u *userdomain.User, websiteID string) (*mfadomain.Challenge, error)
	DisableMFA(ctx context.Context, u *userdomain.User, websiteID, code string) error
	RegenerateBackupCodes(ctx context.Context, u *userdomain.User, websiteID string) ([]string, error)
	RemainingBackupCodes(ctx context.Context, userID string) (int, error)
}

// Devices lists and revokes remembered devices.
type Devices interface {
	ListDevices(ctx context.Context, userID, websiteID string) ([]*devicedomain.TrustedDevice, error)
	RevokeDevice(ctx context.Context, u *userdomain.User, websiteID, deviceID string) error
}

// Server implements MFAService.
type Server struct {
	factors Factors
	devices Devices
	users   rbac.UserGetter
	log     *zap.Logger
}

func NewServer(factors Factors, devices Devices, users rbac.UserGetter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{factors: factors, devices: devices, users: users, log: log}
}

type MFAServiceServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	BeginEnrollment(context.Context, *BeginEnrollmentRequest) (*BeginEnrollmentResponse, error)
	ConfirmEnrollment(context.Context, *ConfirmEnrollmentRequest) (*BackupCodesResponse, error)
	SendDisableCode(context.Context, *Empty) (*ChallengeResponse, error)
	DisableMFA(context.Context, *DisableMFARequest) (*Empty, error)
	RegenerateBackupCodes(context.Context, *Empty) (*BackupCodesResponse, error)
	ListDevices(context.Context, *Empty) (*ListDevicesResponse, error)
	RevokeDevice(context.Context, *RevokeDeviceRequest) (*Empty, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MFAServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetStatus", MFAServiceServer.GetStatus),
		rpc.Unary(ServiceName, "BeginEnrollment", MFAServiceServer.BeginEnrollment),
		rpc.Unary(ServiceName, "ConfirmEnrollment", MFAServiceServer.ConfirmEnrollment),
		rpc.Unary(ServiceName, "SendDisableCode", MFAServiceServer.SendDisableCode),
		rpc.Unary(ServiceName, "DisableMFA", MFAServiceServer.DisableMFA),
		rpc.Unary(ServiceName, "RegenerateBackupCodes", MFAServiceServer.RegenerateBackupCodes),
		rpc.Unary(ServiceName, "ListDevices", MFAServiceServer.ListDevices),
		rpc.Unary(ServiceName, "RevokeDevice", MFAServiceServer.RevokeDevice),
	},
	Streams: []grpc.StreamDesc{},
}

func (s *Server) caller(ctx context.Context) (*userdomain.User, string, error) {
	u, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, "", err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	return u, websiteID, nil
}

// GetStatus reports the enrolled method and how many backup codes are left.
func (s *Server) GetStatus(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	out := &StatusResponse{Method: string(userdomain.MFANone)}
	if !u.MFAEnabled() {
		return out, nil
	}
	left, err := s.factors.RemainingBackupCodes(ctx, u.ID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	out.Enabled, out.Method, out.BackupCodesRemaining = true, string(u.MFAMethod), left
	return out, nil
}

// BeginEnrollment starts enrolling a method. For totp the response carries the secret and
// otpauth URI; for email and sms a code is sent.
func (s *Server) BeginEnrollment(ctx context.Context, req *BeginEnrollmentRequest) (*BeginEnrollmentResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	method := userdomain.MFAMethod(req.Method)
	if !method.Valid() || method == userdomain.MFANone {
		return nil, status.Error(codes.InvalidArgument, "method must be totp, email_otp or sms_otp")
	}
	e, err := s.factors.BeginEnrollment(ctx, u, websiteID, method, req.Phone)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &BeginEnrollmentResponse{
		ChallengeID: e.ChallengeID,
		Method:      string(e.Method),
		Secret:      e.Secret,
		URI:         e.URI,
		ExpiresAt:   e.ExpiresAt,
	}, nil
}

// ConfirmEnrollment activates the method and returns the first backup codes. They are shown once.
func (s *Server) ConfirmEnrollment(ctx context.Context, req *ConfirmEnrollmentRequest) (*BackupCodesResponse, error) {
	if req.ChallengeID == "" || req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "challenge_id and code are required")
	}
	u, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := s.factors.ConfirmEnrollment(ctx, u, req.ChallengeID, req.Code)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &BackupCodesResponse{BackupCodes: backup}, nil
}

func (s *Server) SendDisableCode(ctx context.Context, _ *Empty) (*ChallengeResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.factors.SendDisableCode(ctx, u, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &ChallengeResponse{ChallengeID: c.ID, Method: string(c.Method), ExpiresAt: c.ExpiresAt}, nil
}

// DisableMFA turns the second factor off. code is an authenticator code, the emailed or texted
// disable code, or a backup code.
func (s *Server) DisableMFA(ctx context.Context, req *DisableMFARequest) (*Empty, error) {
	if req.Code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.factors.DisableMFA(ctx, u, websiteID, req.Code); err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &Empty{}, nil
}

func (s *Server) RegenerateBackupCodes(ctx context.Context, _ *Empty) (*BackupCodesResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := s.factors.RegenerateBackupCodes(ctx, u, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &BackupCodesResponse{BackupCodes: backup}, nil
}

// ListDevices returns the caller's remembered devices on this website.
func (s *Server) ListDevices(ctx context.Context, _ *Empty) (*ListDevicesResponse, error) {
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.devices.ListDevices(ctx, u.ID, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	now := time.Now()
	out := make([]*Device, len(list))
	for i, d := range list {
		out[i] = &Device{
			ID:         d.ID,
			DeviceName: d.DeviceName,
			UserAgent:  d.UserAgent,
			IP:         d.IP,
			ExpiresAt:  d.ExpiresAt,
			LastUsedAt: d.LastUsedAt,
			RevokedAt:  d.RevokedAt,
			CreatedAt:  d.CreatedAt,
			Active:     d.Active(now),
		}
	}
	return &ListDevicesResponse{Devices: out}, nil
}

// RevokeDevice forgets a remembered device; the next sign-in from it needs the second factor again.
func (s *Server) RevokeDevice(ctx context.Context, req *RevokeDeviceRequest) (*Empty, error) {
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	u, websiteID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.devices.RevokeDevice(ctx, u, websiteID, req.DeviceID); err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &Empty{}, nil
}
