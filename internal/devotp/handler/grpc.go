// Package handler implements the dev-only DevService (GetOTP).
package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/devotp"
	"acad-system/backend/internal/server/rpc"
)

const ServiceName = "acad.dev.v1.DevService"

const devOTPNote = "DEV MODE ONLY"

type GetOTPRequest struct {
	// ChallengeID looks up an OTP code.
	ChallengeID string `json:"challenge_id,omitempty"`
	// Event and Email look up a link token, e.g. event "magic_link".
	Event string `json:"event,omitempty"`
	Email string `json:"email,omitempty"`
}

type GetOTPResponse struct {
	OTP  string `json:"otp"`
	Note string `json:"note"`
}

type DevServiceServer interface {
	GetOTP(context.Context, *GetOTPRequest) (*GetOTPResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DevServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetOTP", DevServiceServer.GetOTP),
	},
	Streams: []grpc.StreamDesc{},
}

// PublicMethods need no access token.
var PublicMethods = rpc.Methods(&ServiceDesc)

// Server implements DevService. Only registered when dev OTP is enabled and not production.
type Server struct {
	store devotp.Store
}

// NewServer returns a DevService server that reads secrets from the given store.
func NewServer(store devotp.Store) *Server {
	return &Server{store: store}
}

// GetOTP returns the plain code for challenge_id, or the link token last mailed to email for
// event. Returns NotFound if missing or expired.
func (s *Server) GetOTP(ctx context.Context, req *GetOTPRequest) (*GetOTPResponse, error) {
	var key string
	switch {
	case req.ChallengeID != "":
		key = req.ChallengeID
	case req.Event != "" && req.Email != "":
		key = devotp.TokenKey(req.Event, req.Email)
	default:
		return nil, status.Error(codes.InvalidArgument, "challenge_id or event and email are required")
	}
	secret, ok := s.store.Get(ctx, key)
	if !ok {
		return nil, status.Error(codes.NotFound, "OTP not found or expired")
	}
	return &GetOTPResponse{OTP: secret, Note: devOTPNote}, nil
}
