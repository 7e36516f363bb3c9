package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/stepup"
)

// CaptureRequestContext attaches the client IP and User-Agent of each request to its
// context so engine calls without an explicit RequestContext, such as RevokeGrant, can
// recover them with stepup.RequestContextFrom.
func CaptureRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := requestContext(r)
		ctx := stepup.WithUserAgent(stepup.WithClientIP(r.Context(), rc.IP), rc.UserAgent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestContextOf returns the fingerprint inputs of r. Values attached by
// CaptureRequestContext win; otherwise the IP comes from RemoteAddr.
//
// X-Forwarded-For is not consulted. Deployments behind a proxy should rewrite RemoteAddr
// first, for example with chi's middleware.RealIP.
func RequestContextOf(r *http.Request) stepup.RequestContext {
	if rc := stepup.RequestContextFrom(r.Context()); rc.IP != "" || rc.UserAgent != "" {
		return rc
	}
	return requestContext(r)
}

func requestContext(r *http.Request) stepup.RequestContext {
	return stepup.RequestContext{
		IP:        clientIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
