package queue

import (
	"context"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// NewRuntime hosts queue actors on c. Queue actors hold live connections, so
// they stay resident regardless of opts.CacheSize.
func NewRuntime(c cache.Cache, sched *actor.Scheduler, deps *Deps, opts actor.Options) (*actor.Runtime[*Actor], error) {
	opts.CacheSize = 0
	return actor.NewRuntime(Namespace, c, sched, Load(deps), opts)
}

// Service routes pool operations to the owning queue actor. Pools are keyed
// by Credential.PoolFor.
type Service struct {
	rt      *actor.Runtime[*Actor]
	timeout time.Duration
}

func NewService(rt *actor.Runtime[*Actor], timeout time.Duration) *Service {
	return &Service{rt: rt, timeout: timeout}
}

func (s *Service) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Connect registers a worker connection with pool.
func (s *Service) Connect(ctx context.Context, pool, sessionID string, conn Conn) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.rt.Do(ctx, pool, func(ctx context.Context, a *Actor) error {
		return a.Open(ctx, sessionID, conn)
	})
}

// Receive applies one worker message.
func (s *Service) Receive(ctx context.Context, pool, sessionID string, conn Conn, data []byte) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.rt.Do(ctx, pool, func(ctx context.Context, a *Actor) error {
		a.HandleMessage(ctx, sessionID, conn, data)
		return nil
	})
}

// Disconnect removes a worker connection from pool.
func (s *Service) Disconnect(ctx context.Context, pool, sessionID string, conn Conn) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.rt.Do(ctx, pool, func(ctx context.Context, a *Actor) error {
		return a.Close(ctx, sessionID, conn)
	})
}

func (s *Service) Status(ctx context.Context, pool string) (models.QueueStatus, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return actor.Call(ctx, s.rt, pool, func(ctx context.Context, a *Actor) (models.QueueStatus, error) {
		return a.Status(ctx), nil
	})
}

func (s *Service) Enqueue(ctx context.Context, pool string, p *models.Prediction) error {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return s.rt.Do(ctx, pool, func(ctx context.Context, a *Actor) error {
		_, err := a.Enqueue(ctx, p)
		return err
	})
}

func (s *Service) Lookup(ctx context.Context, pool, id string) (*models.Prediction, error) {
	ctx, cancel := s.call(ctx)
	defer cancel()
	return actor.Call(ctx, s.rt, pool, func(ctx context.Context, a *Actor) (*models.Prediction, error) {
		return a.Lookup(ctx, id)
	})
}
