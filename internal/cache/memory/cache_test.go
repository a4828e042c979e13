package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_TTL(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	assert.Equal(t, 1, c.Keys())

	now = now.Add(2 * time.Second)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Keys())
}

func TestCache_IncrWithExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestCache_AlarmsOrdered(t *testing.T) {
	c := New()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, c.ScheduleAlarm(ctx, "s", "b", base.Add(2*time.Second)))
	require.NoError(t, c.ScheduleAlarm(ctx, "s", "a", base.Add(time.Second)))

	alarms, err := c.Alarms(ctx, "s")
	require.NoError(t, err)
	require.Len(t, alarms, 2)
	assert.Equal(t, "a", alarms[0].Member)

	require.NoError(t, c.CancelAlarm(ctx, "s", "a"))
	_, ok, err := c.Alarm(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
