package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/cache"
)

// State is the persistent storage and alarm handle of one actor instance.
// Values are JSON encoded under per-actor cache keys.
type State struct {
	namespace string
	id        string
	cache     cache.Cache
	sched     *Scheduler
}

// NewState returns the state handle for id. sched may be nil, in which case
// alarms are persisted but never fire in-process.
func NewState(namespace, id string, c cache.Cache, sched *Scheduler) *State {
	return &State{namespace: namespace, id: id, cache: c, sched: sched}
}

func (s *State) ID() string { return s.id }

// Get decodes the value stored under key into v. It reports false if nothing is stored.
func (s *State) Get(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.cache.Get(ctx, cache.ActorKey(s.namespace, s.id, key))
	if err != nil {
		return false, fmt.Errorf("load %s/%s %s: %w", s.namespace, s.id, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s %s: %w", s.namespace, s.id, key, err)
	}
	return true, nil
}

func (s *State) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s %s: %w", s.namespace, s.id, key, err)
	}
	if err := s.cache.Set(ctx, cache.ActorKey(s.namespace, s.id, key), data, 0); err != nil {
		return fmt.Errorf("store %s/%s %s: %w", s.namespace, s.id, key, err)
	}
	return nil
}

func (s *State) Delete(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, cache.ActorKey(s.namespace, s.id, key)); err != nil {
		return fmt.Errorf("delete %s/%s %s: %w", s.namespace, s.id, key, err)
	}
	return nil
}

// SetAlarm replaces any pending alarm with one at at.
func (s *State) SetAlarm(ctx context.Context, at time.Time) error {
	if err := s.cache.ScheduleAlarm(ctx, cache.AlarmSetKey(s.namespace), s.id, at); err != nil {
		return fmt.Errorf("schedule alarm %s/%s: %w", s.namespace, s.id, err)
	}
	if s.sched != nil {
		s.sched.Schedule(s.namespace, s.id, at)
	}
	return nil
}

// GetAlarm returns the pending alarm time, if one is set.
func (s *State) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	at, ok, err := s.cache.Alarm(ctx, cache.AlarmSetKey(s.namespace), s.id)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query alarm %s/%s: %w", s.namespace, s.id, err)
	}
	return at, ok, nil
}

func (s *State) DeleteAlarm(ctx context.Context) error {
	if err := s.cache.CancelAlarm(ctx, cache.AlarmSetKey(s.namespace), s.id); err != nil {
		return fmt.Errorf("cancel alarm %s/%s: %w", s.namespace, s.id, err)
	}
	if s.sched != nil {
		s.sched.Cancel(s.namespace, s.id)
	}
	return nil
}
