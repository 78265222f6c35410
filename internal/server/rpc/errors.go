package rpc

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	deviceservice "acad-system/backend/internal/device/service"
	identityservice "acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/lifecycle/emailchange"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/magiclink"
	mfaservice "acad-system/backend/internal/mfa/service"
	"acad-system/backend/internal/platform/validation"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/security/blacklist"
	sessionservice "acad-system/backend/internal/session/service"
	"acad-system/backend/internal/tenant"
	userrepo "acad-system/backend/internal/user/repository"
)

// ErrorDomain is the ErrorInfo domain attached to structured errors.
const ErrorDomain = "auth.acad-system"

const (
	ReasonAccountLocked = "ACCOUNT_LOCKED"
	ReasonSessionLimit  = "SESSION_LIMIT"
)

var sentinels = []struct {
	err  error
	code codes.Code
}{
	{identityservice.ErrInvalidCredentials, codes.Unauthenticated},
	{sessionservice.ErrInvalidRefreshToken, codes.Unauthenticated},
	{sessionservice.ErrRefreshTokenReuse, codes.Unauthenticated},
	{mfaservice.ErrInvalidCode, codes.Unauthenticated},
	{magiclink.ErrInvalidLink, codes.Unauthenticated},
	{lifecycle.ErrTokenInvalid, codes.Unauthenticated},
	{security.ErrInvalidToken, codes.Unauthenticated},

	{identityservice.ErrEmailAlreadyRegistered, codes.AlreadyExists},
	{emailchange.ErrEmailTaken, codes.AlreadyExists},

	{identityservice.ErrAccountDisabled, codes.PermissionDenied},
	{identityservice.ErrAccountSuspended, codes.PermissionDenied},
	{identityservice.ErrRoleNotAllowed, codes.PermissionDenied},
	{lifecycle.ErrNotPermitted, codes.PermissionDenied},
	{lockout.ErrNotPermitted, codes.PermissionDenied},
	{sessionservice.ErrNotPermitted, codes.PermissionDenied},

	{lifecycle.ErrWrongState, codes.FailedPrecondition},
	{lifecycle.ErrTokenExpired, codes.FailedPrecondition},
	{mfaservice.ErrChallengeExpired, codes.FailedPrecondition},
	{mfaservice.ErrMFANotEnabled, codes.FailedPrecondition},

	{lifecycle.ErrRequestNotFound, codes.NotFound},
	{mfaservice.ErrChallengeNotFound, codes.NotFound},
	{sessionservice.ErrSessionNotFound, codes.NotFound},
	{deviceservice.ErrDeviceNotFound, codes.NotFound},
	{userrepo.ErrUserNotFound, codes.NotFound},

	{mfaservice.ErrUnsupportedMethod, codes.InvalidArgument},
	{mfaservice.ErrPhoneRequired, codes.InvalidArgument},
	{sessionservice.ErrInvalidPolicy, codes.InvalidArgument},
	{magiclink.ErrInvalidPurpose, codes.InvalidArgument},
	{emailchange.ErrEmailUnchanged, codes.InvalidArgument},
	{suspension.ErrInvalidSchedule, codes.InvalidArgument},
	{tenant.ErrUnknownWebsite, codes.InvalidArgument},

	{blacklist.ErrUnavailable, codes.Unavailable},
}

// Error converts a service error into a gRPC status error. Status errors pass through unchanged.
// Anything unclassified is logged and reported as Internal without its text.
func Error(ctx context.Context, log *zap.Logger, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if ve, ok := validation.As(err); ok {
		return invalidArgument(ve)
	}
	var le *lockout.LockedError
	if errors.As(err, &le) {
		return locked(le)
	}
	var lim *sessionservice.LimitError
	if errors.As(err, &lim) {
		return sessionLimit(lim)
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return status.Error(s.code, s.err.Error())
		}
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	if log != nil {
		log.Error("rpc failed", zap.Error(err))
	}
	return status.Error(codes.Internal, "internal error")
}

func invalidArgument(ve *validation.Error) error {
	br := &errdetails.BadRequest{}
	for _, f := range ve.Fields {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       f.Field,
			Description: f.Message,
		})
	}
	return withDetails(codes.InvalidArgument, ve.Error(), br)
}

func locked(le *lockout.LockedError) error {
	if le.Reason == lockout.ReasonStateUnavailable {
		return status.Error(codes.Unavailable, "sign-in temporarily unavailable, try again later")
	}
	opts := make([]string, len(le.UnlockOptions))
	for i, o := range le.UnlockOptions {
		opts[i] = string(o)
	}
	info := &errdetails.ErrorInfo{
		Reason: ReasonAccountLocked,
		Domain: ErrorDomain,
		Metadata: map[string]string{
			"reason":             string(le.Reason),
			"attempts_remaining": strconv.Itoa(le.AttemptsRemaining),
			"unlock_options":     strings.Join(opts, ","),
		},
	}
	if le.Until == nil {
		return withDetails(codes.PermissionDenied, le.Error(), info)
	}
	info.Metadata["locked_until"] = le.Until.UTC().Format(time.RFC3339)
	retry := &errdetails.RetryInfo{RetryDelay: durationpb.New(max(time.Until(*le.Until), 0))}
	return withDetails(codes.PermissionDenied, le.Error(), info, retry)
}

func sessionLimit(lim *sessionservice.LimitError) error {
	info := &errdetails.ErrorInfo{
		Reason: ReasonSessionLimit,
		Domain: ErrorDomain,
		Metadata: map[string]string{
			"active_sessions": strconv.Itoa(lim.Active),
			"max_sessions":    strconv.Itoa(lim.Max),
		},
	}
	return withDetails(codes.ResourceExhausted, lim.Error(), info)
}

func withDetails(code codes.Code, msg string, details ...protoadapt.MessageV1) error {
	st, err := status.New(code, msg).WithDetails(details...)
	if err != nil {
		return status.Error(code, msg)
	}
	return st.Err()
}
