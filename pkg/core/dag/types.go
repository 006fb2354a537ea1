package dag

import (
	"fmt"
	"strings"
)

// Declaration 单个Task的声明：自身ID与其依赖（对外导出）
type Declaration struct {
	ID        string
	DependsOn []string
}

// TopologicalOrder 拓扑排序结果（对外导出）
type TopologicalOrder struct {
	Levels [][]string // 每一层的Task ID列表，同层之间无依赖
}

// Flatten 按层展开为线性顺序
func (o *TopologicalOrder) Flatten() []string {
	out := make([]string, 0)
	for _, level := range o.Levels {
		out = append(out, level...)
	}
	return out
}

// CyclicDependencyError 声明中存在循环依赖
type CyclicDependencyError struct {
	Cycle []string // 首尾相同的闭环路径
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("检测到循环依赖: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError 依赖引用了未声明的Task
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("Task %s 依赖了未声明的Task: %s", e.Task, e.Dependency)
}

// DuplicateTaskError Task ID重复声明
type DuplicateTaskError struct {
	Task string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("Task ID重复声明: %s", e.Task)
}
