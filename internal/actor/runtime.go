// Package actor hosts keyed, single-threaded stateful objects with persistent
// storage and a one-shot alarm each. Instances are rebuilt from storage on
// demand, so eviction between calls is invisible to callers.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
)

// Actor is an object hosted by a Runtime. Alarm is invoked, serialized with
// every other call on the same key, when the instance's alarm elapses.
type Actor interface {
	Alarm(ctx context.Context)
}

// Factory builds an instance from its persisted state. It runs under the key
// lock, so the instance receives no call before loading completes.
type Factory[A Actor] func(ctx context.Context, st *State) (A, error)

// Options tunes a Runtime.
type Options struct {
	// CacheSize bounds the number of live instances. Zero keeps every
	// instance resident until Evict is called.
	CacheSize int
	// AlarmTimeout bounds a single Alarm invocation.
	AlarmTimeout time.Duration
}

// Runtime serializes calls per key and owns the live instances of one namespace.
type Runtime[A Actor] struct {
	namespace string
	cache     cache.Cache
	sched     *Scheduler
	factory   Factory[A]
	timeout   time.Duration
	locks     keyLocks

	lru    *lru.Cache[string, A]
	mu     sync.Mutex
	pinned map[string]A
}

// NewRuntime creates a runtime for namespace and registers its alarm handler with sched.
func NewRuntime[A Actor](namespace string, c cache.Cache, sched *Scheduler, factory Factory[A], opts Options) (*Runtime[A], error) {
	r := &Runtime[A]{
		namespace: namespace,
		cache:     c,
		sched:     sched,
		factory:   factory,
		timeout:   opts.AlarmTimeout,
		locks:     keyLocks{locks: make(map[string]*keyLock)},
	}
	if r.timeout <= 0 {
		r.timeout = time.Minute
	}
	if opts.CacheSize > 0 {
		l, err := lru.New[string, A](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("actor cache: %w", err)
		}
		r.lru = l
	} else {
		r.pinned = make(map[string]A)
	}
	if sched != nil {
		sched.Register(namespace, r.fire)
	}
	return r, nil
}

// Namespace returns the actor kind served by r.
func (r *Runtime[A]) Namespace() string { return r.namespace }

// Restore re-arms every alarm persisted for this namespace. Call once at
// startup, before the scheduler runs.
func (r *Runtime[A]) Restore(ctx context.Context) (int, error) {
	alarms, err := r.cache.Alarms(ctx, cache.AlarmSetKey(r.namespace))
	if err != nil {
		return 0, fmt.Errorf("restore %s alarms: %w", r.namespace, err)
	}
	if r.sched == nil {
		return 0, nil
	}
	for _, a := range alarms {
		r.sched.Schedule(r.namespace, a.Member, a.At)
	}
	return len(alarms), nil
}

// Do runs fn against the instance for id. Calls on the same id never overlap.
func (r *Runtime[A]) Do(ctx context.Context, id string, fn func(ctx context.Context, a A) error) error {
	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("%s/%s busy: %w", r.namespace, id, err)
	}
	defer release()

	a, err := r.instance(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

// Call is Do for operations that return a value.
func Call[A Actor, T any](ctx context.Context, r *Runtime[A], id string, fn func(ctx context.Context, a A) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, id, func(ctx context.Context, a A) error {
		var err error
		out, err = fn(ctx, a)
		return err
	})
	return out, err
}

// Evict drops the live instance for id. The next call rebuilds it from storage.
func (r *Runtime[A]) Evict(id string) {
	if r.lru != nil {
		r.lru.Remove(id)
		return
	}
	r.mu.Lock()
	delete(r.pinned, id)
	r.mu.Unlock()
}

// Live reports whether an instance for id is resident.
func (r *Runtime[A]) Live(id string) bool {
	if r.lru != nil {
		return r.lru.Contains(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pinned[id]
	return ok
}

func (r *Runtime[A]) instance(ctx context.Context, id string) (A, error) {
	if a, ok := r.lookup(id); ok {
		return a, nil
	}
	a, err := r.factory(ctx, NewState(r.namespace, id, r.cache, r.sched))
	if err != nil {
		var zero A
		return zero, fmt.Errorf("load %s/%s: %w", r.namespace, id, err)
	}
	if r.lru != nil {
		r.lru.Add(id, a)
	} else {
		r.mu.Lock()
		r.pinned[id] = a
		r.mu.Unlock()
	}
	return a, nil
}

func (r *Runtime[A]) lookup(id string) (A, bool) {
	if r.lru != nil {
		return r.lru.Get(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.pinned[id]
	return a, ok
}

// fire runs the instance's Alarm if the persisted alarm still matches at.
// A mismatch means the alarm was replaced or cancelled after it was popped.
func (r *Runtime[A]) fire(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.Do(ctx, id, func(ctx context.Context, a A) error {
		st := NewState(r.namespace, id, r.cache, r.sched)
		pending, ok, err := st.GetAlarm(ctx)
		if err != nil {
			return err
		}
		if !ok || pending.UnixMilli() != at.UnixMilli() {
			return errStaleAlarm
		}

		a.Alarm(ctx)

		// The persisted alarm outlives the handler so a crash mid-alarm is
		// re-armed by Restore. It is cleared unless the handler replaced it.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
		defer cancel()
		pending, ok, err = st.GetAlarm(cctx)
		if err != nil {
			return fmt.Errorf("clear alarm: %w", err)
		}
		if ok && pending.UnixMilli() == at.UnixMilli() {
			if err := r.cache.CancelAlarm(cctx, cache.AlarmSetKey(r.namespace), id); err != nil {
				return fmt.Errorf("clear alarm: %w", err)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStaleAlarm) {
		slog.Error("alarm failed", "namespace", r.namespace, "id", id, "error", err)
	}
}

var errStaleAlarm = errors.New("stale alarm")

const clearTimeout = 5 * time.Second

type keyLock struct {
	ch   chan struct{}
	refs int
}

// keyLocks is a set of per-key mutexes whose waits honour context cancellation.
// Entries are dropped once no caller holds or awaits them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (l *keyLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return func() {
			<-kl.ch
			l.unref(key, kl)
		}, nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
