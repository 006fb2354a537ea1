// Package objectstore 暂存对象存储：本地目录、内存与S3
package objectstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("对象不存在")

// Store 暂存对象存储接口（对外导出）
// 键使用'/'分隔，Put对同一键覆盖写
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix 删除前缀下的全部对象，前缀不存在时不报错
	DeletePrefix(ctx context.Context, prefix string) error
	// List 按字典序列出前缀下的对象键
	List(ctx context.Context, prefix string) ([]string, error)
}

// JoinKey 用'/'拼接键，忽略空段
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
