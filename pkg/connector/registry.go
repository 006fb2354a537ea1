package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 数据源注册表：按配置中的名称解析连接器（对外导出）
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register 注册数据源
func (r *Registry) Register(name string, src Source) error {
	if name == "" {
		return fmt.Errorf("数据源名称不能为空")
	}
	if src == nil {
		return fmt.Errorf("数据源 %s 不能为空", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("数据源 %s 已注册", name)
	}
	r.sources[name] = src
	return nil
}

// Source 按名称获取数据源
func (r *Registry) Source(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("数据源 %s 未注册", name)
	}
	return src, nil
}

// Names 返回已注册的数据源名称（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 关闭全部数据源
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭数据源 %s 失败: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭数据源失败: %v", errs)
	}
	return nil
}
