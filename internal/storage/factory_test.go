package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/LENAX/el-engine/pkg/core/task"
	pkgstorage "github.com/LENAX/el-engine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateStore(t *testing.T) {
	ctx := context.Background()

	for _, dbType := range []string{"sqlite", "memory"} {
		t.Run(dbType, func(t *testing.T) {
			store, err := NewStateStore(dbType, filepath.Join(t.TempDir(), "state.db"), PoolConfig{MaxIdleConns: 2})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })

			_, err = store.CreateRun(ctx, &pkgstorage.Run{ID: "r1", Pipeline: "p"}, []*task.Task{{ID: "a"}})
			require.NoError(t, err)
			got, err := store.Get(ctx, "r1", "a")
			require.NoError(t, err)
			assert.Equal(t, task.StatusPending, got.Status)
		})
	}

	t.Run("不支持的类型", func(t *testing.T) {
		_, err := NewStateStore("oracle", "", PoolConfig{})
		assert.Error(t, err)
	})
}

func TestNewDialect(t *testing.T) {
	for dbType, name := range map[string]string{
		"sqlite":     "sqlite",
		"mysql":      "mysql",
		"postgres":   "postgres",
		"postgresql": "postgres",
	} {
		d, err := NewDialect(dbType)
		require.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}
	_, err := NewDialect("oracle")
	assert.Error(t, err)

	dsn, err := NormalizeDSN("mysql", "u:p@tcp(localhost:3306)/db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
}
