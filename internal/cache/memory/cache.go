// Package memory provides an in-process cache.Cache for tests and local runs
// without Redis.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a map-backed cache.Cache. The zero value is not usable; call New.
type Cache struct {
	mu     sync.Mutex
	values map[string]entry
	alarms map[string]map[string]time.Time
	now    func() time.Time
}

func New() *Cache {
	return &Cache{
		values: make(map[string]entry),
		alarms: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

func (c *Cache) Ping(_ context.Context) error { return nil }

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.values[key] = e
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.lookup(key); ok {
		n, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	n++
	c.values[key] = entry{value: []byte(strconv.FormatInt(n, 10)), expires: c.now().Add(expiry)}
	return n, nil
}

func (c *Cache) ScheduleAlarm(_ context.Context, set, member string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alarms[set] == nil {
		c.alarms[set] = make(map[string]time.Time)
	}
	c.alarms[set][member] = at.Truncate(time.Millisecond)
	return nil
}

func (c *Cache) CancelAlarm(_ context.Context, set, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alarms[set], member)
	return nil
}

func (c *Cache) Alarm(_ context.Context, set, member string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.alarms[set][member]
	return at, ok, nil
}

func (c *Cache) Alarms(_ context.Context, set string) ([]cache.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cache.Alarm, 0, len(c.alarms[set]))
	for m, at := range c.alarms[set] {
		out = append(out, cache.Alarm{Member: m, At: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Keys returns the number of live keys. Used by tests to assert cleanup.
func (c *Cache) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.values {
		if _, ok := c.lookup(k); ok {
			n++
		}
	}
	return n
}

func (c *Cache) lookup(key string) (entry, bool) {
	e, ok := c.values[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.values, key)
		return entry{}, false
	}
	return e, true
}

var _ cache.Cache = (*Cache)(nil)
