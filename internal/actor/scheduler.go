package actor

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler is invoked when an alarm for id in a registered namespace elapses.
// at is the time the alarm was scheduled for.
type Handler func(id string, at time.Time)

type alarmKey struct {
	namespace string
	id        string
}

type alarmEntry struct {
	key   alarmKey
	at    time.Time
	index int
}

type alarmHeap []*alarmEntry

func (h alarmHeap) Len() int           { return len(h) }
func (h alarmHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alarmHeap) Push(x any) {
	e := x.(*alarmEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is the process-wide alarm clock. Each (namespace, id) pair holds
// at most one pending alarm; scheduling again replaces it.
type Scheduler struct {
	mu       sync.Mutex
	heap     alarmHeap
	index    map[alarmKey]*alarmEntry
	handlers map[string]Handler
	wake     chan struct{}
	now      func() time.Time
	inflight sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		index:    make(map[alarmKey]*alarmEntry),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Register installs the handler for a namespace. It must be called before Run.
func (s *Scheduler) Register(namespace string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[namespace] = h
}

// Schedule sets or replaces the alarm for id.
func (s *Scheduler) Schedule(namespace, id string, at time.Time) {
	s.mu.Lock()
	k := alarmKey{namespace: namespace, id: id}
	if e, ok := s.index[k]; ok {
		e.at = at
		heap.Fix(&s.heap, e.index)
	} else {
		e := &alarmEntry{key: k, at: at}
		heap.Push(&s.heap, e)
		s.index[k] = e
	}
	s.mu.Unlock()
	s.notify()
}

// Cancel removes the pending alarm for id, if any.
func (s *Scheduler) Cancel(namespace, id string) {
	s.mu.Lock()
	k := alarmKey{namespace: namespace, id: id}
	if e, ok := s.index[k]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.index, k)
	}
	s.mu.Unlock()
	s.notify()
}

// Pending returns the time of the in-memory alarm for id.
func (s *Scheduler) Pending(namespace, id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[alarmKey{namespace: namespace, id: id}]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of pending alarms.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires alarms as they come due until ctx is cancelled, then waits for
// in-flight handlers to return. Handlers run on their own goroutines so a
// slow actor never delays another key's alarm.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.fireDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue dispatches every elapsed alarm and returns the delay until the next one.
func (s *Scheduler) fireDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for len(s.heap) > 0 {
		next := s.heap[0]
		if next.at.After(now) {
			return next.at.Sub(now)
		}
		heap.Pop(&s.heap)
		delete(s.index, next.key)

		h, ok := s.handlers[next.key.namespace]
		if !ok {
			slog.Warn("alarm for unregistered namespace dropped",
				"namespace", next.key.namespace, "id", next.key.id)
			continue
		}
		s.inflight.Add(1)
		go s.fire(h, next.key, next.at)
	}
	return time.Hour
}

func (s *Scheduler) fire(h Handler, k alarmKey, at time.Time) {
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in alarm handler", "error", r, "namespace", k.namespace, "id", k.id)
		}
	}()
	h(k.id, at)
}
