// Package prediction hosts the per-job actor that chooses an execution path,
// polls it to completion, rehosts outputs and notifies callbacks.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/internal/replicate"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// Namespace is the actor namespace for prediction instances.
const Namespace = "prediction"

// Source is stamped on every record this relay creates.
const Source = "cogrelay"

// Sentinel errors surfaced to callers.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnauthorized      = errors.New("not authorized")
	ErrNotFound          = errors.New("prediction not found")
	ErrCredentialMissing = errors.New("prediction API token not configured")
	ErrAlreadyCreated    = errors.New("prediction already created")
)

// Storage keys.
const (
	keyResult      = "result"
	keyCredential  = "credential"
	keyCallbackURL = "callback_url"
)

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Model       string          `json:"model"`
	Version     string          `json:"version"`
	Input       json.RawMessage `json:"input"`
	CallbackURL string          `json:"callbackUrl"`
	Webhook     string          `json:"webhook"`
}

// Validate rejects requests that name neither a model nor a version, and
// version-only requests.
func (r *CreateRequest) Validate() error {
	if r.Model == "" && r.Version == "" {
		return fmt.Errorf("%w: model and/or version must be specified", ErrInvalidRequest)
	}
	if r.Model == "" {
		return fmt.Errorf("%w: version-only requests are not supported, supply the model name", ErrInvalidRequest)
	}
	if strings.Count(r.Model, "/") != 1 || strings.HasPrefix(r.Model, "/") || strings.HasSuffix(r.Model, "/") {
		return fmt.Errorf("%w: model must be owner/name, got %q", ErrInvalidRequest, r.Model)
	}
	if cb := r.callback(); cb != "" && !strings.HasPrefix(cb, "http://") && !strings.HasPrefix(cb, "https://") {
		return fmt.Errorf("%w: callback URL must be http(s), got %q", ErrInvalidRequest, cb)
	}
	return nil
}

func (r *CreateRequest) callback() string {
	if r.CallbackURL != "" {
		return r.CallbackURL
	}
	return r.Webhook
}

// Queue is the worker-pool side of dispatch. Every method is a remote call
// into another actor and may fail independently.
type Queue interface {
	Status(ctx context.Context, pool string) (models.QueueStatus, error)
	Enqueue(ctx context.Context, pool string, p *models.Prediction) error
	Lookup(ctx context.Context, pool, id string) (*models.Prediction, error)
}

// Rehoster copies a foreign output file into relay storage.
type Rehoster interface {
	Rehost(ctx context.Context, raw, model, token string) string
}

// Callbacks delivers a record to a caller-supplied URL.
type Callbacks interface {
	Notify(ctx context.Context, url string, p *models.Prediction)
}

// Deps are the collaborators shared by every prediction actor.
type Deps struct {
	Replicate replicate.Client
	Queue     Queue
	Results   store.ResultStore
	Rehost    Rehoster
	Callbacks Callbacks
	Config    config.PredictionConfig
	BaseURL   string
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
