package prediction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// NewRuntime hosts prediction actors on c, with alarms driven by sched.
func NewRuntime(c cache.Cache, sched *actor.Scheduler, deps *Deps, opts actor.Options) (*actor.Runtime[*Actor], error) {
	return actor.NewRuntime(Namespace, c, sched, Load(deps), opts)
}

// Service is the caller-facing entry point. It validates requests, allocates
// ids and routes calls to the owning actor.
type Service struct {
	rt      *actor.Runtime[*Actor]
	results store.ResultStore
	timeout time.Duration
}

func NewService(rt *actor.Runtime[*Actor], results store.ResultStore, timeout time.Duration) *Service {
	return &Service{rt: rt, results: results, timeout: timeout}
}

// Create validates req and starts a new prediction on behalf of cred.
// Invalid or unauthorized requests create no actor state.
func (s *Service) Create(ctx context.Context, cred models.Credential, req CreateRequest) (*models.Prediction, error) {
	if !cred.Allow {
		return nil, ErrUnauthorized
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if cred.ReplicateToken == "" {
		return nil, ErrCredentialMissing
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := uuid.NewString()
	return actor.Call(ctx, s.rt, id, func(ctx context.Context, a *Actor) (*models.Prediction, error) {
		return a.Create(ctx, cred, req)
	})
}

// Get returns the terminal record if one exists, else the in-progress one.
func (s *Service) Get(ctx context.Context, id string) (*models.Prediction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if p, err := s.result(ctx, id); p != nil || err != nil {
		return p, err
	}

	p, err := actor.Call(ctx, s.rt, id, func(ctx context.Context, a *Actor) (*models.Prediction, error) {
		return a.Get(ctx)
	})
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	// The actor may have finished between the two reads.
	if p, err := s.result(ctx, id); p != nil || err != nil {
		return p, err
	}
	s.rt.Evict(id)
	return nil, ErrNotFound
}

func (s *Service) result(ctx context.Context, id string) (*models.Prediction, error) {
	p, err := s.results.GetResult(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}
