package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	mw "github.com/kiranshivaraju/cogrelay/internal/api/middleware"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// Pools defines the worker-pool operations the model handlers depend on.
type Pools interface {
	Status(ctx context.Context, pool string) (models.QueueStatus, error)
	Serve(ctx context.Context, pool, sessionID string, ws *websocket.Conn) error
}

// poolFor resolves the caller's pool for the model named in the path.
func poolFor(r *http.Request) (string, bool) {
	cred, ok := mw.GetCredential(r)
	if !ok {
		return "", false
	}
	return cred.PoolFor(chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")), true
}

// NewWebSocketHandler returns an http.HandlerFunc for
// GET /v1/models/{owner}/{name}/websocket. The connection is held for as long
// as the worker stays connected.
func NewWebSocketHandler(pools Pools, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, ok := poolFor(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing credential", nil)
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id is required", nil)
			return
		}
		if !websocket.IsWebSocketUpgrade(r) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a websocket upgrade", nil)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied.
			slog.Warn("websocket upgrade failed", "pool", pool, "session_id", sessionID, "error", err)
			return
		}
		if err := pools.Serve(r.Context(), pool, sessionID, ws); err != nil {
			slog.Error("worker session failed", "pool", pool, "session_id", sessionID, "error", err)
		}
	}
}

// NewPoolStatusHandler returns an http.HandlerFunc for GET /v1/models/{owner}/{name}/status.
func NewPoolStatusHandler(pools Pools) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, ok := poolFor(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing credential", nil)
			return
		}
		st, err := pools.Status(r.Context(), pool)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, st)
	}
}
