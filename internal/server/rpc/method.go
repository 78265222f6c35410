package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Unary builds the descriptor for one unary method of service. call is a method expression such
// as (*AuthServer).Login; the request is decoded into a fresh *Req and passed through the server's
// interceptor chain.
func Unary[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the "/service/method" name interceptors match on.
func FullMethod(service, name string) string {
	return "/" + service + "/" + name
}

// Methods collects the full method names of desc, e.g. to mark a whole service public.
func Methods(desc *grpc.ServiceDesc, names ...string) map[string]bool {
	out := make(map[string]bool)
	if len(names) == 0 {
		for _, m := range desc.Methods {
			out[FullMethod(desc.ServiceName, m.MethodName)] = true
		}
		return out
	}
	for _, n := range names {
		out[FullMethod(desc.ServiceName, n)] = true
	}
	return out
}

// Merge unions method sets.
func Merge(sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, s := range sets {
		for k, v := range s {
			if v {
				out[k] = true
			}
		}
	}
	return out
}
