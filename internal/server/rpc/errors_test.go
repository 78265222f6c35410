package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	identityservice "acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/platform/validation"
	"acad-system/backend/internal/security/blacklist"
	sessionservice "acad-system/backend/internal/session/service"
)

func TestError_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{identityservice.ErrInvalidCredentials, codes.Unauthenticated},
		{fmt.Errorf("login: %w", identityservice.ErrInvalidCredentials), codes.Unauthenticated},
		{identityservice.ErrEmailAlreadyRegistered, codes.AlreadyExists},
		{identityservice.ErrAccountSuspended, codes.PermissionDenied},
		{lifecycle.ErrWrongState, codes.FailedPrecondition},
		{lifecycle.ErrRequestNotFound, codes.NotFound},
		{sessionservice.ErrInvalidPolicy, codes.InvalidArgument},
		{blacklist.ErrUnavailable, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		err := Error(context.Background(), nil, tt.err)
		assert.Equal(t, tt.want, status.Code(err), tt.err.Error())
	}
}

func TestError_PassesStatusThrough(t *testing.T) {
	in := status.Error(codes.Aborted, "busy")
	assert.Equal(t, in, Error(context.Background(), nil, in))
	assert.NoError(t, Error(context.Background(), nil, nil))
}

func TestError_InternalHidesText(t *testing.T) {
	err := Error(context.Background(), nil, errors.New("pq: connection refused on 10.0.0.4"))
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal error", st.Message())
}

func TestError_Validation(t *testing.T) {
	err := Error(context.Background(), nil, validation.Field("email", "must be a valid email"))
	st, _ := status.FromError(err)
	require.Equal(t, codes.InvalidArgument, st.Code())
	require.Len(t, st.Details(), 1)
	br, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	require.Len(t, br.FieldViolations, 1)
	assert.Equal(t, "email", br.FieldViolations[0].Field)
}

func TestError_Locked(t *testing.T) {
	until := time.Now().Add(10 * time.Minute)
	err := Error(context.Background(), nil, &lockout.LockedError{
		Reason:        lockout.ReasonTooManyAttempts,
		Until:         &until,
		UnlockOptions: []lockout.UnlockOption{lockout.UnlockWait, lockout.UnlockEmail},
	})
	st, _ := status.FromError(err)
	require.Equal(t, codes.PermissionDenied, st.Code())

	var info *errdetails.ErrorInfo
	var retry *errdetails.RetryInfo
	for _, d := range st.Details() {
		switch d := d.(type) {
		case *errdetails.ErrorInfo:
			info = d
		case *errdetails.RetryInfo:
			retry = d
		}
	}
	require.NotNil(t, info)
	require.NotNil(t, retry)
	assert.Equal(t, ReasonAccountLocked, info.Reason)
	assert.Equal(t, ErrorDomain, info.Domain)
	assert.Equal(t, "too_many_attempts", info.Metadata["reason"])
	assert.Equal(t, "0", info.Metadata["attempts_remaining"])
	assert.Equal(t, "wait,email_unlock", info.Metadata["unlock_options"])
	assert.Equal(t, until.UTC().Format(time.RFC3339), info.Metadata["locked_until"])
	assert.InDelta(t, (10 * time.Minute).Seconds(), retry.RetryDelay.AsDuration().Seconds(), 5)
}

func TestError_LockoutStateUnavailable(t *testing.T) {
	err := Error(context.Background(), nil, &lockout.LockedError{Reason: lockout.ReasonStateUnavailable})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestError_SessionLimit(t *testing.T) {
	err := Error(context.Background(), nil, fmt.Errorf("login: %w", &sessionservice.LimitError{Active: 3, Max: 3}))
	st, _ := status.FromError(err)
	require.Equal(t, codes.ResourceExhausted, st.Code())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, ReasonSessionLimit, info.Reason)
	assert.Equal(t, "3", info.Metadata["max_sessions"])
}
