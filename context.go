package stepup

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. HTTP adapters use it to carry
// the risk-binding origin from the transport layer to engine calls.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// RequestContextFrom collects the values attached by WithClientIP and WithUserAgent.
// Missing values are empty strings, which still hash to a stable fingerprint.
func RequestContextFrom(ctx context.Context) RequestContext {
	return RequestContext{
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}
