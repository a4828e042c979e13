// Package queue hosts one actor per worker pool. It keeps the pool's session
// registry and a FIFO of pending jobs, hands jobs to idle workers and relays
// their status reports into persisted job records.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// Namespace is the actor namespace for queue instances.
const Namespace = "queue"

var ErrNotFound = errors.New("prediction not found in queue")

// Storage keys.
const (
	keyQueue    = "queue"
	keySessions = "sessions"
)

func recordKey(id string) string { return "prediction:" + id }

// Conn is one worker's persistent connection. Implementations must allow
// Close concurrently with Send.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Deps are the collaborators shared by every queue actor.
type Deps struct {
	Results       store.ResultStore
	BaseURL       string
	DispatchDelay time.Duration
	Now           func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Actor is the state of one worker pool. Connections are process-local and
// never persisted.
type Actor struct {
	st   *actor.State
	deps *Deps

	pending  *linkedlistqueue.Queue
	sessions []*models.Session
	conns    map[string]Conn
}

// Load returns a factory that rebuilds a pool from storage. No connection
// survives a restart, so every loaded session starts offline and idle ones
// are forgotten.
func Load(deps *Deps) actor.Factory[*Actor] {
	return func(ctx context.Context, st *actor.State) (*Actor, error) {
		a := &Actor{
			st:      st,
			deps:    deps,
			pending: linkedlistqueue.New(),
			conns:   make(map[string]Conn),
		}

		var queued []*models.Prediction
		if _, err := st.Get(ctx, keyQueue, &queued); err != nil {
			return nil, err
		}
		for _, p := range queued {
			a.pending.Enqueue(p)
		}

		var sessions []*models.Session
		if _, err := st.Get(ctx, keySessions, &sessions); err != nil {
			return nil, err
		}
		for _, s := range sessions {
			s.Live = false
			if s.Assigned != nil {
				a.sessions = append(a.sessions, s)
			}
		}
		return a, nil
	}
}

// Open registers conn for sessionID. A session that is already connected has
// its previous connection closed first.
func (a *Actor) Open(ctx context.Context, sessionID string, conn Conn) error {
	now := a.deps.now()
	if s := a.session(sessionID); s != nil {
		if old, ok := a.conns[sessionID]; ok {
			slog.Info("closing duplicate worker connection", "pool", a.st.ID(), "session_id", sessionID)
			_ = old.Close()
		}
		s.ConnectedAt = now
		s.Live = true
		s.Quit = false
	} else {
		a.sessions = append(a.sessions, &models.Session{ID: sessionID, ConnectedAt: now, Live: true})
	}
	a.conns[sessionID] = conn

	if err := a.st.Put(ctx, keySessions, a.sessions); err != nil {
		return err
	}
	if !a.pending.Empty() {
		return a.ensureAlarm(ctx)
	}
	return nil
}

// Close handles a connection ending. Calls for a connection that has already
// been replaced are ignored.
func (a *Actor) Close(ctx context.Context, sessionID string, conn Conn) error {
	if current, ok := a.conns[sessionID]; !ok || current != conn {
		return nil
	}
	delete(a.conns, sessionID)

	kept := a.sessions[:0]
	for _, s := range a.sessions {
		if s.ID == sessionID {
			s.Quit = true
			s.Live = false
			if s.Assigned != nil {
				slog.Warn("worker left with a job assigned", "pool", a.st.ID(),
					"session_id", sessionID, "prediction_id", s.Assigned.ID)
			}
			continue
		}
		kept = append(kept, s)
	}
	a.sessions = kept
	return a.st.Put(ctx, keySessions, a.sessions)
}

// Enqueue appends p to the pool's FIFO and returns the queued record.
func (a *Actor) Enqueue(ctx context.Context, p *models.Prediction) (*models.Prediction, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("enqueue: prediction has no id")
	}
	rec := p.Clone()
	rec.URLs = models.NewURLs(a.deps.BaseURL, rec.ID)
	rec.Status = models.StatusStarting
	rec.CreatedAt = a.deps.now()

	if err := a.st.Put(ctx, recordKey(rec.ID), rec); err != nil {
		return nil, err
	}
	if err := a.persistQueue(ctx, rec); err != nil {
		if derr := a.st.Delete(context.WithoutCancel(ctx), recordKey(rec.ID)); derr != nil {
			slog.Warn("clearing unqueued record failed", "pool", a.st.ID(), "prediction_id", rec.ID, "error", derr)
		}
		return nil, err
	}
	a.pending.Enqueue(rec)

	// The job is durably queued; any later Open, report or Enqueue re-arms dispatch.
	if err := a.ensureAlarm(ctx); err != nil {
		slog.Error("scheduling dispatch failed", "pool", a.st.ID(), "prediction_id", rec.ID, "error", err)
	}
	slog.Info("prediction queued", "pool", a.st.ID(), "prediction_id", rec.ID, "queued", a.pending.Size())
	return rec.Clone(), nil
}

// Lookup returns the freshest known record for id. A terminal result takes
// precedence, and clears the transient copy.
func (a *Actor) Lookup(ctx context.Context, id string) (*models.Prediction, error) {
	p, err := a.deps.Results.GetResult(ctx, id)
	if err == nil {
		if err := a.st.Delete(ctx, recordKey(id)); err != nil {
			slog.Warn("clearing queued record failed", "pool", a.st.ID(), "prediction_id", id, "error", err)
		}
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}

	var rec models.Prediction
	ok, err := a.st.Get(ctx, recordKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Status counts available, total and queued.
func (a *Actor) Status(_ context.Context) models.QueueStatus {
	st := models.QueueStatus{Total: len(a.sessions), Queued: a.pending.Size()}
	for _, s := range a.sessions {
		if s.Available() {
			st.Available++
		}
	}
	return st
}

// Alarm is the dispatch tick: each available session receives at most one
// job from the head of the FIFO. It never reschedules itself.
func (a *Actor) Alarm(ctx context.Context) {
	dispatched := 0
	for _, s := range a.sessions {
		if a.pending.Empty() {
			break
		}
		if !s.Available() {
			continue
		}
		conn, ok := a.conns[s.ID]
		if !ok {
			continue
		}

		head, _ := a.pending.Peek()
		rec := head.(*models.Prediction)
		data, err := json.Marshal(rec)
		if err != nil {
			slog.Error("encoding queued job failed, dropping it", "pool", a.st.ID(), "prediction_id", rec.ID, "error", err)
			a.pending.Dequeue()
			continue
		}
		if err := conn.Send(ctx, data); err != nil {
			slog.Warn("sending job to worker failed", "pool", a.st.ID(), "session_id", s.ID,
				"prediction_id", rec.ID, "error", err)
			continue
		}
		a.pending.Dequeue()
		s.Assigned = rec
		dispatched++
		slog.Info("prediction dispatched to worker", "pool", a.st.ID(), "session_id", s.ID, "prediction_id", rec.ID)
	}
	if dispatched == 0 {
		return
	}

	if err := a.persistQueue(ctx); err != nil {
		slog.Error("persisting queue failed", "pool", a.st.ID(), "error", err)
	}
	if err := a.st.Put(ctx, keySessions, a.sessions); err != nil {
		slog.Error("persisting sessions failed", "pool", a.st.ID(), "error", err)
	}
}

// HandleMessage applies a worker's status report. Malformed reports are
// logged and dropped; the connection stays open.
func (a *Actor) HandleMessage(ctx context.Context, sessionID string, conn Conn, data []byte) {
	s := a.session(sessionID)
	if s == nil || s.Quit || a.conns[sessionID] != conn {
		slog.Warn("message on a closed session", "pool", a.st.ID(), "session_id", sessionID)
		_ = conn.Close()
		return
	}

	var upd models.Update
	if err := json.Unmarshal(data, &upd); err != nil || upd.ID == "" {
		slog.Warn("malformed worker message", "pool", a.st.ID(), "session_id", sessionID,
			"error", err, "bytes", len(data))
		return
	}

	rec := &models.Prediction{ID: upd.ID}
	if _, err := a.st.Get(ctx, recordKey(upd.ID), rec); err != nil {
		slog.Error("loading queued record failed", "pool", a.st.ID(), "prediction_id", upd.ID, "error", err)
		return
	}
	if rec.Status.Terminal() {
		slog.Warn("report for finished prediction ignored", "pool", a.st.ID(),
			"prediction_id", upd.ID, "status", upd.Status)
		return
	}
	overlay(rec, &upd)

	if rec.Status.Terminal() {
		if err := a.deps.Results.PutResult(ctx, rec); err != nil {
			slog.Error("storing terminal prediction failed", "pool", a.st.ID(), "prediction_id", rec.ID, "error", err)
		}
		s.Assigned = nil
		if !a.pending.Empty() {
			if err := a.ensureAlarm(ctx); err != nil {
				slog.Error("scheduling dispatch failed", "pool", a.st.ID(), "error", err)
			}
		}
	} else {
		s.Assigned = rec
	}

	if err := a.st.Put(ctx, recordKey(rec.ID), rec); err != nil {
		slog.Error("persisting queued record failed", "pool", a.st.ID(), "prediction_id", rec.ID, "error", err)
	}
	if err := a.st.Put(ctx, keySessions, a.sessions); err != nil {
		slog.Error("persisting sessions failed", "pool", a.st.ID(), "error", err)
	}
}

// overlay copies a worker's report onto rec wholesale.
func overlay(rec *models.Prediction, u *models.Update) {
	rec.Output = u.Output
	rec.Logs = u.Logs
	rec.Error = u.Error
	rec.Metrics = u.Metrics
	rec.CompletedAt = u.CompletedAt
	if u.Status != "" {
		rec.Status = u.Status
	}
}

func (a *Actor) session(id string) *models.Session {
	for _, s := range a.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// persistQueue stores the FIFO followed by extra, which are not yet in memory.
func (a *Actor) persistQueue(ctx context.Context, extra ...*models.Prediction) error {
	queued := make([]*models.Prediction, 0, a.pending.Size()+len(extra))
	for _, v := range a.pending.Values() {
		queued = append(queued, v.(*models.Prediction))
	}
	queued = append(queued, extra...)
	return a.st.Put(ctx, keyQueue, queued)
}

// ensureAlarm schedules a dispatch tick unless one is already pending.
func (a *Actor) ensureAlarm(ctx context.Context) error {
	if _, ok, err := a.st.GetAlarm(ctx); err != nil || ok {
		return err
	}
	return a.st.SetAlarm(ctx, a.deps.now().Add(a.deps.DispatchDelay))
}
