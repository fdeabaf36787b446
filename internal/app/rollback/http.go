package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/boardflow/backend/internal/app/board"
	"github.com/boardflow/backend/internal/app/identity"
	platformauth "github.com/boardflow/backend/internal/platform/auth"
	"github.com/boardflow/backend/internal/platform/metrics"
)

var rollbackRequests = metrics.NewCounterVec(metrics.Opts{
	Name: "rollback_requests_total",
	Help: "Rollback requests by mode and outcome.",
}, []string{"mode", "outcome"})

func init() {
	metrics.Default.MustRegister(rollbackRequests)
}

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/orgs", h.handleListOrgs)
		authR.Post("/api/v1/orgs", h.handleCreateOrg)
		authR.Delete("/api/v1/orgs/{orgID}", h.handleDeleteOrg)
		authR.Post("/api/v1/orgs/{orgID}/members", h.handleAddMember)
		authR.Patch("/api/v1/orgs/{orgID}/members/role", h.handleUpdateMemberRole)
		authR.Patch("/api/v1/orgs/{orgID}/agent", h.handleSetAgentEnabled)

		authR.Post("/api/v1/rollback/by-match", h.handleRollbackByMatch)
		authR.Post("/api/v1/rollback/session/{sessionID}", h.handleRollbackSession)
		authR.Post("/api/v1/rollback/{activityID}", h.handleRollbackActivity)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createOrgRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type setAgentEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type rollbackResponse struct {
	Success              bool   `json:"success"`
	RolledBackActivityID string `json:"rolledBackActivityId"`
	Description          string `json:"description"`
}

type sessionRollbackResponse struct {
	Success         bool                    `json:"success"`
	SessionID       string                  `json:"sessionId"`
	RolledBackCount int                     `json:"rolledBackCount"`
	Details         []SessionRollbackDetail `json:"details"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	orgs, err := h.Identity.ListOrganizations(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, orgs)
}

func (h *Handler) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	org, err := h.Identity.CreateOrganization(r.Context(), claims.Subject, req.Name)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidOrgName) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, org)
}

func (h *Handler) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	claims := claimsFromContext(r.Context())
	if err := h.Identity.DeleteOrganization(r.Context(), claims.Subject, orgID); err != nil {
		h.writeIdentityError(w, err, "organization not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if err := h.Identity.AddMemberByUsername(r.Context(), claims.Subject, orgID, req.Username, req.Role); err != nil {
		h.writeIdentityError(w, err, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if err := h.Identity.UpdateMemberRoleByUsername(r.Context(), claims.Subject, orgID, req.Username, req.Role); err != nil {
		h.writeIdentityError(w, err, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetAgentEnabled(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var req setAgentEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	if err := h.Identity.SetAgentEnabled(r.Context(), claims.Subject, orgID, req.Enabled); err != nil {
		h.writeIdentityError(w, err, "organization not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRollbackActivity(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	actor := Actor{UserID: claims.Subject, Username: claims.Username}

	result, err := h.Service.RollbackActivity(r.Context(), actor, chi.URLParam(r, "activityID"))
	if err != nil {
		rollbackRequests.WithLabelValues("single", outcomeLabel(err)).Inc()
		h.writeRollbackError(w, err)
		return
	}
	rollbackRequests.WithLabelValues("single", "success").Inc()
	h.writeJSON(w, http.StatusOK, rollbackResponse{
		Success:              true,
		RolledBackActivityID: result.ActivityID,
		Description:          result.Description,
	})
}

func (h *Handler) handleRollbackSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	actor := Actor{UserID: claims.Subject, Username: claims.Username}

	result, err := h.Service.RollbackSession(r.Context(), actor, chi.URLParam(r, "sessionID"))
	if err != nil {
		rollbackRequests.WithLabelValues("session", outcomeLabel(err)).Inc()
		h.writeRollbackError(w, err)
		return
	}
	rollbackRequests.WithLabelValues("session", "success").Inc()
	h.writeJSON(w, http.StatusOK, sessionRollbackResponse{
		Success:         true,
		SessionID:       result.SessionID,
		RolledBackCount: result.RolledBackCount,
		Details:         result.Details,
	})
}

func (h *Handler) handleRollbackByMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	actor := Actor{UserID: claims.Subject, Username: claims.Username}

	result, err := h.Service.RollbackByMatch(r.Context(), actor, req)
	if err != nil {
		rollbackRequests.WithLabelValues("match", outcomeLabel(err)).Inc()
		h.writeRollbackError(w, err)
		return
	}
	rollbackRequests.WithLabelValues("match", "success").Inc()
	h.writeJSON(w, http.StatusOK, rollbackResponse{
		Success:              true,
		RolledBackActivityID: result.ActivityID,
		Description:          result.Description,
	})
}

func (h *Handler) writeRollbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrActivityNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNoMatch), errors.Is(err, board.ErrProjectNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoSnapshot), errors.Is(err, ErrInputTooLarge),
		errors.Is(err, ErrSessionRequired), errors.Is(err, ErrToolNameRequired):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyRolledBack):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrFeatureDisabled):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyRolledBack):
		return "conflict"
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrFeatureDisabled):
		return "forbidden"
	case errors.Is(err, ErrActivityNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNoMatch), errors.Is(err, board.ErrProjectNotFound):
		return "not_found"
	case errors.Is(err, ErrNoSnapshot), errors.Is(err, ErrInputTooLarge),
		errors.Is(err, ErrSessionRequired), errors.Is(err, ErrToolNameRequired):
		return "bad_request"
	default:
		return "error"
	}
}

func (h *Handler) writeIdentityError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, identity.ErrInvalidOrgID), errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrInvalidRole):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrForbiddenOrg), errors.Is(err, identity.ErrForbiddenRole):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		h.writeError(w, http.StatusNotFound, notFoundMsg)
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
