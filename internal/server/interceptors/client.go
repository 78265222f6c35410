package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/tenant"
)

// WebsiteHeader names the metadata key a client uses to pick its website explicitly.
const WebsiteHeader = "x-website"

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

func firstMD(ctx context.Context, key string) string {
	if vals := metadata.ValueFromIncomingContext(ctx, key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// ClientUnary captures the caller's IP and user agent once per request.
func ClientUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ua := firstMD(ctx, "x-user-agent")
		if ua == "" {
			ua = firstMD(ctx, "user-agent")
		}
		return handler(WithClient(ctx, ClientIP(ctx), ua), req)
	}
}

// TenantUnary resolves the website from the x-website header, then the :authority host, then the
// configured default. Methods in skip (health, reflection) bypass resolution.
func TenantUnary(reg *tenant.Registry, skip map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}
		w, err := reg.Resolve(firstMD(ctx, WebsiteHeader), firstMD(ctx, ":authority"))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "unknown website")
		}
		return handler(tenant.WithWebsite(ctx, w), req)
	}
}
