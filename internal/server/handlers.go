package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

// handleHealth responds to GET/HEAD /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion responds to GET/HEAD /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// connectionRequest is the register payload delivered after a successful
// external OAuth exchange.
type connectionRequest struct {
	BrokerID      string `json:"broker_id"`
	AccountID     string `json:"account_id"`
	CredentialRef string `json:"credential_ref"`
}

// handleConnections handles POST (register) and GET (list) /api/connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleConnectionRegister(w, r)
	case http.MethodGet:
		s.handleConnectionList(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleConnectionRegister(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BrokerID == "" {
		WriteError(w, http.StatusBadRequest, "broker_id is required")
		return
	}
	if _, ok := s.app.Brokers.Lookup(req.BrokerID); !ok {
		WriteError(w, http.StatusBadRequest, "unknown broker: "+req.BrokerID)
		return
	}

	conn := &models.BrokerConnection{
		UserID:        common.ResolveUserID(r.Context()),
		BrokerID:      req.BrokerID,
		AccountID:     req.AccountID,
		CredentialRef: req.CredentialRef,
	}
	if err := s.app.Connections.Register(r.Context(), conn); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	userID := common.ResolveUserID(r.Context())
	conns, err := s.app.Connections.List(r.Context(), userID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"connections": conns,
	})
}

// routeConnections dispatches /api/connections/{id} and
// /api/connections/{id}/relink.
func (s *Server) routeConnections(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/relink") {
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		id := PathParam(r, "/api/connections/", "/relink")
		s.mutateConnection(w, r, id, s.app.Connections.Relink)
		return
	}

	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	id := PathParam(r, "/api/connections/", "")
	s.mutateConnection(w, r, id, s.app.Connections.Deactivate)
}

// routeAdminConnections dispatches /api/admin/connections/{id}/suspend and
// /reactivate. Administrative only.
func (s *Server) routeAdminConnections(w http.ResponseWriter, r *http.Request) {
	uc := common.UserContextFromContext(r.Context())
	if uc == nil || !uc.Admin {
		WriteError(w, http.StatusForbidden, "admin access required")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/suspend"):
		id := PathParam(r, "/api/admin/connections/", "/suspend")
		s.mutateConnection(w, r, id, s.app.Connections.Suspend)
	case strings.HasSuffix(r.URL.Path, "/reactivate"):
		id := PathParam(r, "/api/admin/connections/", "/reactivate")
		s.mutateConnection(w, r, id, s.app.Connections.Reactivate)
	default:
		WriteError(w, http.StatusNotFound, "unknown admin action")
	}
}

// mutateConnection applies a registry mutation and maps errors to status codes.
// Only the owner of a connection (or an admin) may mutate it.
func (s *Server) mutateConnection(w http.ResponseWriter, r *http.Request, id string, mutate func(ctx context.Context, id string) error) {
	if id == "" {
		WriteError(w, http.StatusBadRequest, "connection id is required")
		return
	}

	conn, err := s.app.Connections.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrConnectionNotFound) {
			WriteError(w, http.StatusNotFound, "connection not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	uc := common.UserContextFromContext(r.Context())
	if conn.UserID != common.ResolveUserID(r.Context()) && (uc == nil || !uc.Admin) {
		WriteError(w, http.StatusForbidden, "not your connection")
		return
	}

	if err := mutate(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, models.ErrConnectionNotFound):
			WriteError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, models.ErrConnectionSuspended):
			WriteErrorWithCode(w, http.StatusConflict, "connection is suspended", "suspended")
		default:
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	updated, err := s.app.Connections.Get(r.Context(), id)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]string{"id": id, "result": "ok"})
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// handlePortfolio serves GET /api/portfolio with cache-then-refresh
// semantics: a fresh cached snapshot returns immediately, otherwise the
// caller joins the user's single in-flight cycle.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	userID := common.ResolveUserID(r.Context())
	portfolio, err := s.app.Refresh.Refresh(r.Context(), userID, false)
	if err != nil {
		if errors.Is(err, models.ErrNoActiveConnections) {
			WriteErrorWithCode(w, http.StatusConflict, "no active broker connections", "no_active_connections")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, portfolio)
}

// handlePortfolioRefresh serves POST /api/portfolio/refresh, forcing a cycle.
func (s *Server) handlePortfolioRefresh(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	userID := common.ResolveUserID(r.Context())
	portfolio, err := s.app.Refresh.Refresh(r.Context(), userID, true)
	if err != nil {
		if errors.Is(err, models.ErrNoActiveConnections) {
			WriteErrorWithCode(w, http.StatusConflict, "no active broker connections", "no_active_connections")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, portfolio)
}

// handleStream upgrades GET /api/stream into a streaming session. Browsers
// cannot set headers on websocket requests, so a ?token= query parameter is
// accepted as an alternative to the Authorization header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	if common.UserContextFromContext(ctx) == nil {
		if token := r.URL.Query().Get("token"); token != "" {
			claims, err := validateJWT(token, []byte(s.app.Config.Auth.JWTSecret))
			if err != nil {
				WriteErrorWithCode(w, http.StatusUnauthorized, "invalid or expired token", "invalid_token")
				return
			}
			if sub, _ := claims["sub"].(string); sub != "" {
				ctx = common.WithUserContext(ctx, &common.UserContext{UserID: sub})
			}
		}
	}

	s.app.Hub.ServeWS(w, r, common.ResolveUserID(ctx))
}
