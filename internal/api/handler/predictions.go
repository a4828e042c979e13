package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/cogrelay/internal/api/middleware"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/internal/prediction"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

const maxPredictionBody = 10 << 20

// Predictions defines the interface the prediction handlers depend on.
type Predictions interface {
	Create(ctx context.Context, cred models.Credential, req prediction.CreateRequest) (*models.Prediction, error)
	Get(ctx context.Context, id string) (*models.Prediction, error)
}

// NewCreatePredictionHandler returns an http.HandlerFunc for POST /v1/predictions.
func NewCreatePredictionHandler(svc Predictions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := mw.GetCredential(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing credential", nil)
			return
		}

		var req prediction.CreateRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxPredictionBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		p, err := svc.Create(r.Context(), cred, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, p)
	}
}

// NewGetPredictionHandler returns an http.HandlerFunc for GET /v1/predictions/{id}.
func NewGetPredictionHandler(svc Predictions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, p)
	}
}
