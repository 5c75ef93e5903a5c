package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/google/uuid"

	apperrors "dca_engine/pkg/errors"
)

// registerAdminRoutes mounts the operator surface. Every route requires the
// configured admin token; with no token configured the surface answers 403
// so it cannot be driven by accident.
func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	if s.admin == nil {
		return
	}
	routes := []struct {
		pattern string
		op      func(ctx context.Context, id uuid.UUID) error
	}{
		{"POST /admin/groups/{id}/block_risk", s.admin.BlockRisk},
		{"POST /admin/groups/{id}/unblock_risk", s.admin.UnblockRisk},
		{"POST /admin/groups/{id}/skip_once", s.admin.SkipOnce},
		{"POST /admin/groups/{id}/exit", s.admin.ManualExit},
		{"POST /admin/users/{id}/force_stop", s.admin.ForceStopEngine},
		{"POST /admin/users/{id}/force_start", s.admin.ForceStartEngine},
		{"POST /admin/signals/{id}/promote", s.admin.PromoteSignal},
		{"POST /admin/signals/{id}/remove", s.admin.RemoveSignal},
	}
	for _, route := range routes {
		mux.HandleFunc(route.pattern, s.adminOnly(s.idAction(route.op)))
	}
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := string(s.cfg.AdminToken)
		if token == "" {
			writeJSON(w, http.StatusForbidden,
				map[string]string{"error": "admin surface disabled: no admin_token configured"})
			return
		}
		presented := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			return
		}
		next(w, r)
	}
}

// idAction adapts one admin operation into a handler taking the {id} path
// segment. Errors map onto operator-meaningful statuses: unknown ids are
// 404, denials are 409, everything else is 500.
func (s *Server) idAction(op func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
			return
		}

		if err := op(r.Context(), id); err != nil {
			s.logger.Warn("Admin operation failed",
				"path", r.URL.Path,
				"id", id,
				"error", err)
			writeJSON(w, adminStatus(err), map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrPositionNotFound),
		errors.Is(err, apperrors.ErrSignalNotFound),
		errors.Is(err, apperrors.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrSlotDenied),
		errors.Is(err, apperrors.ErrRiskDenied),
		errors.Is(err, apperrors.ErrEnginePaused),
		errors.Is(err, apperrors.ErrEngineForceStopped),
		errors.Is(err, apperrors.ErrConfigNotFound):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
