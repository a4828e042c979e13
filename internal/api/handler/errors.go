package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/internal/prediction"
	"github.com/kiranshivaraju/cogrelay/internal/queue"
	"github.com/kiranshivaraju/cogrelay/internal/replicate"
)

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, prediction.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, prediction.ErrCredentialMissing):
		response.Error(w, http.StatusBadRequest, "CREDENTIAL_MISSING",
			"No prediction API token is configured for this credential", nil)
	case errors.Is(err, prediction.ErrUnauthorized):
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED",
			"Token is not allowed to run predictions", nil)
	case errors.Is(err, prediction.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		response.NotFound(w, "Prediction not found")
	case errors.Is(err, replicate.ErrModelNotFound):
		response.Error(w, http.StatusNotFound, "MODEL_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, prediction.ErrAlreadyCreated):
		response.Error(w, http.StatusConflict, "CONFLICT", "Prediction already exists", nil)
	case errors.Is(err, replicate.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT",
			"The prediction API took too long to respond", nil)
	case errors.Is(err, replicate.ErrUnreachable), errors.Is(err, replicate.ErrAPI):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
			"The prediction API returned an error", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
