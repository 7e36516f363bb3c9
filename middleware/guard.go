package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/stepup"
)

// Identity is the authenticated admin and the raw session token of a request.
type Identity struct {
	AdminID      int64
	SessionToken string
}

// IdentityFunc resolves the Identity of r. It returns false when the request carries none.
type IdentityFunc func(r *http.Request) (Identity, bool)

// Checker is the subset of *stepup.Engine the guards need.
type Checker interface {
	HasGrant(ctx context.Context, adminID int64, sessionToken string, scope stepup.Scope, rc stepup.RequestContext) (bool, error)
	LogDenial(ctx context.Context, adminID int64, sessionToken string, scope stepup.Scope, rc stepup.RequestContext) error
	GetSessionState(ctx context.Context, adminID int64, sessionToken string, rc stepup.RequestContext) (stepup.SessionState, error)
}

type identityContextKey struct{}

// IdentityFromContext returns the Identity a guard accepted.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// RequireStepUp lets the request through only while the session holds a grant for scope.
// A denial is written to the authoritative audit trail before the 403 response, and a
// failed audit write turns the response into 503. A consumed single-use grant is spent
// by this check, so the guarded handler runs at most once per grant.
func RequireStepUp(engine Checker, scope stepup.Scope, identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil || identity == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
			id, ok := identity(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			ctx := r.Context()
			rc := RequestContextOf(r)
			granted, err := engine.HasGrant(ctx, id.AdminID, id.SessionToken, scope, rc)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "step_up_unavailable", "")
				return
			}
			if !granted {
				if err := engine.LogDenial(ctx, id.AdminID, id.SessionToken, scope, rc); err != nil {
					writeError(w, http.StatusServiceUnavailable, "step_up_unavailable", "")
					return
				}
				w.Header().Set("WWW-Authenticate", `StepUp scope="`+scope.String()+`"`)
				writeError(w, http.StatusForbidden, "step_up_required", scope.String())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, identityContextKey{}, id)))
		})
	}
}

// RequireSession lets the request through only while the session state is ACTIVE.
func RequireSession(engine Checker, identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil || identity == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
			id, ok := identity(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			state, err := engine.GetSessionState(r.Context(), id.AdminID, id.SessionToken, RequestContextOf(r))
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "step_up_unavailable", "")
				return
			}
			if state != stepup.SessionActive {
				writeError(w, http.StatusUnauthorized, "step_up_pending", stepup.ScopeLogin.String())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey{}, id)))
		})
	}
}

// HeaderIdentity reads the admin id from header and the session token from an
// "Authorization: Bearer" header. It suits deployments where an upstream proxy has
// already authenticated the admin.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (Identity, bool) {
		adminID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(header)), 10, 64)
		if err != nil || adminID <= 0 {
			return Identity{}, false
		}
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			return Identity{}, false
		}
		return Identity{AdminID: adminID, SessionToken: token}, true
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

type errorBody struct {
	Error string `json:"error"`
	Scope string `json:"scope,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, scope string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Scope: scope})
}
