package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/stepup"
	"github.com/MrEthical07/stepup/middleware"
)

// api exposes the engine to the admin console and to the upstream login service.
type api struct {
	engine   *stepup.Engine
	identity middleware.IdentityFunc
	health   func(ctx context.Context) error
	logger   zerolog.Logger
}

func (a *api) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CaptureRequestContext)

	// Called by the login service once the primary factor succeeded.
	r.Post("/primary", a.withIdentity(a.issuePrimary))
	r.Get("/session", a.withIdentity(a.sessionState))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(a.engine, a.identity))
		r.Post("/verify", a.withIdentity(a.verifyTOTP))
		r.Delete("/grants/{scope}", a.withIdentity(a.revokeGrant))
		r.Get("/check/{scope}", a.check)
		r.Post("/totp/provision", a.withIdentity(a.provisionTOTP))
		r.Post("/totp/enable", a.withIdentity(a.enableTOTP))
	})

	return r
}

func (a *api) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	}
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn().Err(err).Msg("health check failed")
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
		}
	}
	writeJSON(w, status, body)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id middleware.Identity)

func (a *api) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := middleware.IdentityFromContext(r.Context())
		if !ok {
			id, ok = a.identity(r)
		}
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r, id)
	}
}

func (a *api) issuePrimary(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	rc := middleware.RequestContextOf(r)
	if err := a.engine.IssuePrimaryGrant(r.Context(), id.AdminID, id.SessionToken, rc); err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"scope": stepup.ScopeLogin.String()})
}

func (a *api) sessionState(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	state, err := a.engine.GetSessionState(r.Context(), id.AdminID, id.SessionToken, middleware.RequestContextOf(r))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

type verifyRequest struct {
	Scope stepup.Scope `json:"scope"`
	Code  string       `json:"code"`
}

type verifyResponse struct {
	Outcome   string     `json:"outcome"`
	Reason    string     `json:"reason,omitempty"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SingleUse bool       `json:"single_use,omitempty"`
}

func (a *api) verifyTOTP(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}

	result, err := a.engine.VerifyTOTP(r.Context(), id.AdminID, id.SessionToken, req.Scope, req.Code, middleware.RequestContextOf(r))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	resp := verifyResponse{Outcome: result.Outcome.String(), Reason: result.Reason, Scope: req.Scope.String()}
	status := http.StatusOK
	switch result.Outcome {
	case stepup.VerificationSucceeded:
		expires := result.Grant.ExpiresAt
		resp.ExpiresAt = &expires
		resp.SingleUse = result.Grant.SingleUse
	case stepup.VerificationRateLimited:
		status = http.StatusTooManyRequests
	case stepup.VerificationNotEnrolled:
		status = http.StatusConflict
	default:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, resp)
}

func (a *api) revokeGrant(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	scope, err := stepup.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	revoked, err := a.engine.RevokeGrant(r.Context(), id.AdminID, id.SessionToken, scope)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

// check is a forward-auth endpoint: 204 while the session holds a grant for the scope.
func (a *api) check(w http.ResponseWriter, r *http.Request) {
	scope, err := stepup.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	guard := middleware.RequireStepUp(a.engine, scope, a.identity)
	guard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, r)
}

type provisionRequest struct {
	AccountName string `json:"account_name"`
}

func (a *api) provisionTOTP(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	var req provisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
			return
		}
	}
	prov, err := a.engine.ProvisionTOTP(r.Context(), id.AdminID, req.AccountName)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": prov.Secret, "uri": prov.URI})
}

type enableRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

func (a *api) enableTOTP(w http.ResponseWriter, r *http.Request, id middleware.Identity) {
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
		return
	}
	enabled, err := a.engine.EnableTOTP(r.Context(), id.AdminID, id.SessionToken, req.Secret, req.Code, middleware.RequestContextOf(r))
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	if !enabled {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_code"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stepup.ErrInvalidScope),
		errors.Is(err, stepup.ErrScopeReserved),
		errors.Is(err, stepup.ErrEmptyTOTPSecret),
		errors.Is(err, stepup.ErrInvalidAdmin),
		errors.Is(err, stepup.ErrEmptySessionToken):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, stepup.ErrTOTPAlreadyEnrolled):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "totp_already_enrolled"})
	case errors.Is(err, stepup.ErrTOTPEnrollmentUnsupported),
		errors.Is(err, stepup.ErrTOTPProvisioningUnsupported):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: err.Error()})
	default:
		a.logger.Error().Err(err).Msg("step-up request failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "step_up_unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
