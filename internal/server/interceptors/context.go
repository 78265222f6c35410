package interceptors

import "context"

type contextKey struct{ name string }

var (
	userIDKey    = contextKey{"user_id"}
	websiteIDKey = contextKey{"website_id"}
	sessionIDKey = contextKey{"session_id"}
	roleKey      = contextKey{"role"}
	clientIPKey  = contextKey{"client_ip"}
	userAgentKey = contextKey{"user_agent"}
)

// WithIdentity returns a context carrying the authenticated user, website and session.
// Handlers read these via GetUserID, GetWebsiteID, GetSessionID.
func WithIdentity(ctx context.Context, userID, websiteID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, websiteIDKey, websiteID)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return ctx
}

// WithRole records the role claim of the access token. It is a hint for logging only;
// authorization decisions reload the user.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// WithClient stores the caller's IP and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey, ip)
	ctx = context.WithValue(ctx, userAgentKey, userAgent)
	return ctx
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

// GetWebsiteID returns the website the access token was issued for.
func GetWebsiteID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(websiteIDKey).(string)
	return v, ok
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}

func GetRole(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	return v, ok
}

// GetClient returns the IP and user agent stored by WithClient, falling back to the transport peer.
func GetClient(ctx context.Context) (ip, userAgent string) {
	ip, _ = ctx.Value(clientIPKey).(string)
	userAgent, _ = ctx.Value(userAgentKey).(string)
	if ip == "" {
		ip = ClientIP(ctx)
	}
	return ip, userAgent
}
