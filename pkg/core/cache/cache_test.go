package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResultCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryResultCache(0).WithClock(func() time.Time { return now })
	defer c.Close()

	t.Run("设置与读取", func(t *testing.T) {
		require.NoError(t, c.Set("r1", "report", time.Minute))
		v, ok := c.Get("r1")
		require.True(t, ok)
		assert.Equal(t, "report", v)
	})

	t.Run("空key忽略", func(t *testing.T) {
		require.NoError(t, c.Set("", "x", time.Minute))
		_, ok := c.Get("")
		assert.False(t, ok)
	})

	t.Run("过期后不存在", func(t *testing.T) {
		require.NoError(t, c.Set("r2", "report", time.Second))
		now = now.Add(2 * time.Second)
		_, ok := c.Get("r2")
		assert.False(t, ok)
	})

	t.Run("清理过期条目", func(t *testing.T) {
		require.NoError(t, c.Clear())
		require.NoError(t, c.Set("short", 1, time.Second))
		require.NoError(t, c.Set("long", 2, time.Hour))
		now = now.Add(time.Minute)
		c.removeExpired()
		assert.Equal(t, 1, c.Len())
	})

	t.Run("删除与清空", func(t *testing.T) {
		require.NoError(t, c.Set("r3", "x", time.Hour))
		require.NoError(t, c.Delete("r3"))
		_, ok := c.Get("r3")
		assert.False(t, ok)

		require.NoError(t, c.Clear())
		assert.Equal(t, 0, c.Len())
	})
}

func TestMemoryResultCache_Close(t *testing.T) {
	c := NewMemoryResultCache(time.Millisecond)
	c.Close()
	c.Close()
}
