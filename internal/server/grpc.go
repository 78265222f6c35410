package server

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/audit"
	devotphandler "acad-system/backend/internal/devotp/handler"
	identityhandler "acad-system/backend/internal/identity/handler"
	lifecyclehandler "acad-system/backend/internal/lifecycle/handler"
	mfahandler "acad-system/backend/internal/mfa/handler"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/server/rpc"
	sessionhandler "acad-system/backend/internal/session/handler"
	"acad-system/backend/internal/tenant"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Deps holds the service implementations registered on the server.
type Deps struct {
	Auth     *identityhandler.AuthServer
	Sessions *sessionhandler.Server
	MFA      *mfahandler.Server
	Account  *lifecyclehandler.Server
	// Dev is the dev-only DevService (GetOTP). If nil, DevService is not registered. Set only when
	// dev OTP is enabled and not production.
	Dev *devotphandler.Server
	// Health reports SERVING once the process is ready. If nil, a fresh server is registered.
	Health *health.Server
}

// Options configures the interceptor chain.
type Options struct {
	Tokens      interceptors.AccessValidator
	Revocations interceptors.RevocationChecker
	Tenants     *tenant.Registry
	Recorder    audit.Recorder
	Users       interceptors.UserGetter
	Log         *zap.Logger
}

// RegisterServices registers every gRPC service with the given server.
//
// Service → handler mapping:
//   - AuthService    → internal/identity/handler
//   - SessionService → internal/session/handler
//   - MFAService     → internal/mfa/handler
//   - AccountService → internal/lifecycle/handler
//   - DevService     → internal/devotp/handler
//   - grpc.health.v1 → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	s.RegisterService(&identityhandler.ServiceDesc, deps.Auth)
	s.RegisterService(&sessionhandler.ServiceDesc, deps.Sessions)
	s.RegisterService(&mfahandler.ServiceDesc, deps.MFA)
	s.RegisterService(&lifecyclehandler.ServiceDesc, deps.Account)
	if deps.Dev != nil {
		s.RegisterService(&devotphandler.ServiceDesc, deps.Dev)
	}
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
}

// PublicMethods are served without an access token.
func PublicMethods(devEnabled bool) map[string]bool {
	public := rpc.Merge(identityhandler.PublicMethods, map[string]bool{healthCheckMethod: true})
	if devEnabled {
		public = rpc.Merge(public, devotphandler.PublicMethods)
	}
	return public
}

// AuditedMethods are the admin RPCs recorded by the audit interceptor.
func AuditedMethods() map[string]bool {
	return rpc.Merge(sessionhandler.AdminMethods, lifecyclehandler.AdminMethods)
}

// NewServer builds the gRPC server with the full interceptor chain and registers deps. The chain
// runs recovery, request logging, website resolution, client capture, authentication for
// non-public methods and finally, when a recorder is set, auditing of admin methods.
func NewServer(opts Options, deps Deps) *grpc.Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	unary := []grpc.UnaryServerInterceptor{
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoverFunc(log))),
		logging.UnaryServerInterceptor(InterceptorLogger(log),
			logging.WithLogOnEvents(logging.FinishCall),
		),
		interceptors.TenantUnary(opts.Tenants, map[string]bool{healthCheckMethod: true}),
		interceptors.ClientUnary(),
		interceptors.AuthUnary(opts.Tokens, opts.Revocations, PublicMethods(deps.Dev != nil)),
	}
	if opts.Recorder != nil {
		unary = append(unary, interceptors.AuditUnary(opts.Recorder, opts.Users, AuditedMethods()))
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(recovery.WithRecoveryHandlerContext(recoverFunc(log))),
		),
	)
	RegisterServices(s, deps)
	reflection.Register(s)
	return s
}

func recoverFunc(log *zap.Logger) recovery.RecoveryHandlerFuncContext {
	return func(ctx context.Context, p any) error {
		log.Error("panic in handler",
			zap.String("panic", fmt.Sprint(p)),
			zap.ByteString("stack", debug.Stack()))
		return status.Error(codes.Internal, "internal error")
	}
}

// InterceptorLogger adapts a zap logger to the go-grpc-middleware logging interface.
func InterceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)
		it := logging.Fields(fields).Iterator()
		for it.Next() {
			k, v := it.At()
			f = append(f, zap.Any(k, v))
		}
		ll := l.WithOptions(zap.AddCallerSkip(1)).With(f...)
		switch lvl {
		case logging.LevelDebug:
			ll.Debug(msg)
		case logging.LevelInfo:
			ll.Info(msg)
		case logging.LevelWarn:
			ll.Warn(msg)
		case logging.LevelError:
			ll.Error(msg)
		default:
			ll.Info(msg, zap.Int("level", int(lvl)))
		}
	})
}
