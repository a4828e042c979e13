package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// persistTimeout bounds the bookkeeping that follows a side call. It runs on a
// context detached from the call's deadline so a slow upstream cannot leave a
// record persisted without its alarm.
const persistTimeout = 5 * time.Second

const defaultCallbackTimeout = 10 * time.Second

// Actor owns one job record. All methods run under the runtime's per-key
// lock; none may be called concurrently.
type Actor struct {
	st   *actor.State
	deps *Deps

	result      *models.Prediction
	cred        *models.Credential
	callbackURL string
}

// Load returns a factory that rebuilds an actor from its persisted state.
func Load(deps *Deps) actor.Factory[*Actor] {
	return func(ctx context.Context, st *actor.State) (*Actor, error) {
		a := &Actor{st: st, deps: deps}

		var rec models.Prediction
		ok, err := st.Get(ctx, keyResult, &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			a.result = &rec
		}

		var cred models.Credential
		ok, err = st.Get(ctx, keyCredential, &cred)
		if err != nil {
			return nil, err
		}
		if ok {
			a.cred = &cred
		}

		if _, err := st.Get(ctx, keyCallbackURL, &a.callbackURL); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Create builds and persists the record, notifies the callback and schedules
// dispatch. req must already be validated.
func (a *Actor) Create(ctx context.Context, cred models.Credential, req CreateRequest) (*models.Prediction, error) {
	if a.result != nil {
		return nil, ErrAlreadyCreated
	}

	version := req.Version
	if version == "" {
		v, err := a.deps.Replicate.ResolveVersion(ctx, cred.ReplicateToken, req.Model, "")
		if err != nil {
			return nil, fmt.Errorf("resolving version of %s: %w", req.Model, err)
		}
		version = v
	}

	id := a.st.ID()
	now := a.deps.now()
	rec := &models.Prediction{
		ID:        id,
		Model:     req.Model,
		Version:   version,
		URLs:      models.NewURLs(a.deps.BaseURL, id),
		Source:    Source,
		Status:    models.StatusCreating,
		Input:     req.Input,
		CreatedAt: now,
	}

	cb := req.callback()
	if err := a.persistNew(ctx, rec, cred, cb, now.Add(a.deps.Config.StartDelay)); err != nil {
		a.clear(ctx)
		return nil, err
	}

	a.result = rec
	a.cred = &cred
	a.callbackURL = cb

	a.notify(ctx)

	slog.Info("prediction created", "prediction_id", id, "model", rec.Model, "version", version)
	return rec.Clone(), nil
}

// persistNew stores a fresh record with its credential and callback URL and
// arms the first alarm.
func (a *Actor) persistNew(ctx context.Context, rec *models.Prediction, cred models.Credential, cb string, at time.Time) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := a.st.Put(ctx, keyResult, rec); err != nil {
		return err
	}
	if err := a.st.Put(ctx, keyCredential, cred); err != nil {
		return err
	}
	if cb != "" {
		if err := a.st.Put(ctx, keyCallbackURL, cb); err != nil {
			return err
		}
	}
	return a.st.SetAlarm(ctx, at)
}

// Get returns a copy of the transient record.
func (a *Actor) Get(_ context.Context) (*models.Prediction, error) {
	if a.result == nil {
		return nil, ErrNotFound
	}
	return a.result.Clone(), nil
}

// Alarm advances the job: the first tick picks a runner, later ticks poll it.
func (a *Actor) Alarm(ctx context.Context) {
	if a.result == nil {
		slog.Warn("alarm fired with no prediction record", "prediction_id", a.st.ID())
		return
	}
	if a.result.Status.Terminal() {
		a.finish(ctx)
		return
	}
	if a.result.Runner == nil {
		a.dispatch(ctx)
		return
	}
	a.poll(ctx)
}

// dispatch sends the job to the worker pool when a worker is idle, and to the
// prediction API otherwise. A failed call leaves the record untouched and no
// alarm scheduled.
func (a *Actor) dispatch(ctx context.Context) {
	id := a.result.ID
	pool := a.credential().PoolFor(a.result.Model)

	status, err := a.deps.Queue.Status(ctx, pool)
	if err != nil {
		slog.Error("dispatch failed: queue status", "prediction_id", id, "pool", pool, "error", err)
		return
	}

	next := a.result.Clone()
	if status.Available > 0 {
		if err := next.AssignRunner(models.SelfHosted{Pool: pool}); err != nil {
			slog.Error("dispatch failed", "prediction_id", id, "error", err)
			return
		}
		if err := a.deps.Queue.Enqueue(ctx, pool, next); err != nil {
			slog.Error("dispatch failed: enqueue", "prediction_id", id, "pool", pool, "error", err)
			return
		}
	} else {
		started, err := a.deps.Replicate.Start(ctx, a.credential().ReplicateToken, next.Version, next.Input)
		if err != nil {
			slog.Error("dispatch failed: start", "prediction_id", id, "error", err)
			return
		}
		if err := next.AssignRunner(models.ThirdParty{ExternalRef: started.ID}); err != nil {
			slog.Error("dispatch failed", "prediction_id", id, "error", err)
			return
		}
	}
	next.Status = models.StatusStarting

	if err := a.put(ctx, next); err != nil {
		slog.Error("dispatch failed: persist", "prediction_id", id, "error", err)
		return
	}
	a.result = next
	slog.Info("prediction dispatched", "prediction_id", id, "runner", next.Runner.Kind(), "pool", pool,
		"available", status.Available, "queued", status.Queued)

	a.reschedule(ctx)
}

// poll pulls the runner's view of the job, merges it and acts on the status.
// A failed fetch counts as an unchanged tick.
func (a *Actor) poll(ctx context.Context) {
	id := a.result.ID
	upd, err := a.fetch(ctx)
	if err != nil {
		slog.Warn("poll failed", "prediction_id", id, "error", err)
	} else {
		a.merge(ctx, upd)
	}

	switch status := a.result.Status; {
	case status.Terminal():
		a.finish(ctx)
	case status == models.StatusStarting || status == models.StatusProcessing:
		if age := a.deps.now().Sub(a.result.CreatedAt); age > a.deps.Config.MaxLifetime {
			slog.Warn("prediction exceeded max lifetime, polling stopped",
				"prediction_id", id, "status", status, "age", age.String())
			return
		}
		a.reschedule(ctx)
	default:
		slog.Error("prediction in unexpected status, polling stopped", "prediction_id", id, "status", status)
	}
}

func (a *Actor) fetch(ctx context.Context) (*models.Update, error) {
	switch r := a.result.Runner.(type) {
	case models.ThirdParty:
		return a.deps.Replicate.Get(ctx, a.credential().ReplicateToken, r.ExternalRef)
	case models.SelfHosted:
		rec, err := a.deps.Queue.Lookup(ctx, r.Pool, a.result.ID)
		if err != nil {
			return nil, err
		}
		return rec.Snapshot(), nil
	}
	return nil, fmt.Errorf("unknown runner %T", a.result.Runner)
}

// merge folds upd into the record, persisting and notifying when anything changed.
func (a *Actor) merge(ctx context.Context, upd *models.Update) {
	next := a.result.Clone()
	token := a.credential().ReplicateToken
	output, added := models.MergeOutput(next.Output, upd.Output, func(raw string) string {
		return a.deps.Rehost.Rehost(ctx, raw, next.Model, token)
	})
	if added && ctx.Err() != nil {
		// Leaves copied after the deadline fell back to their foreign URL;
		// drop the whole tick so the next poll rehosts them.
		slog.Warn("poll ran out of time, update discarded", "prediction_id", next.ID, "error", ctx.Err())
		return
	}
	if !added && !next.Differs(upd) {
		return
	}
	next.Output = output
	next.Apply(upd, a.deps.now())

	if err := a.put(ctx, next); err != nil {
		slog.Error("persisting prediction update failed", "prediction_id", next.ID, "error", err)
		return
	}
	a.result = next
	a.notify(ctx)
}

// finish moves a terminal record to the durable results store and clears the
// transient state. If the write fails the alarm is rescheduled so the next
// tick retries it.
func (a *Actor) finish(ctx context.Context) {
	id := a.result.ID
	status := a.result.Status

	pctx, cancel := detached(ctx)
	err := a.deps.Results.PutResult(pctx, a.result)
	cancel()
	if err != nil {
		slog.Error("storing terminal prediction failed", "prediction_id", id, "error", err)
		a.reschedule(ctx)
		return
	}
	a.clear(ctx)
	slog.Info("prediction completed", "prediction_id", id, "status", status)
}

// clear deletes the transient state and forgets it in memory.
func (a *Actor) clear(ctx context.Context) {
	ctx, cancel := detached(ctx)
	defer cancel()

	for _, key := range []string{keyResult, keyCallbackURL, keyCredential} {
		if err := a.st.Delete(ctx, key); err != nil {
			slog.Warn("clearing prediction state failed", "prediction_id", a.st.ID(), "key", key, "error", err)
		}
	}
	a.result = nil
	a.cred = nil
	a.callbackURL = ""
}

func (a *Actor) put(ctx context.Context, rec *models.Prediction) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	return a.st.Put(ctx, keyResult, rec)
}

func (a *Actor) reschedule(ctx context.Context) {
	ctx, cancel := detached(ctx)
	defer cancel()

	at := a.deps.now().Add(a.deps.Config.PollInterval)
	if err := a.st.SetAlarm(ctx, at); err != nil {
		slog.Error("scheduling poll failed", "prediction_id", a.st.ID(), "error", err)
	}
}

// notify delivers the record on its own deadline; a slow receiver never
// holds up or fails the call that triggered it.
func (a *Actor) notify(ctx context.Context) {
	if a.callbackURL == "" || a.deps.Callbacks == nil {
		return
	}
	timeout := a.deps.Config.CallbackTimeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	a.deps.Callbacks.Notify(ctx, a.callbackURL, a.result)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (a *Actor) credential() models.Credential {
	if a.cred == nil {
		return models.Credential{}
	}
	return *a.cred
}
