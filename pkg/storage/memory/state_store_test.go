package memory

import (
	"testing"

	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/storagetest"
)

func TestMemoryStateStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.StateStore {
		return NewStateStore()
	})
}
