package dag

import (
	"sort"

	godag "github.com/begmaroman/go-dag"
)

// Len Task数量
func (g *Graph) Len() int {
	return len(g.ids)
}

// IDs 按声明顺序返回所有Task ID
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Has 是否包含指定Task
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Position 返回Task的声明下标，不存在返回-1
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Dependencies 返回直接依赖
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.deps[i])
}

// Dependents 返回直接下游
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.dependents[i])
}

// Roots 返回无依赖的Task，按声明顺序
func (g *Graph) Roots() []string {
	return g.names(g.rootIndexes())
}

func (g *Graph) rootIndexes() []int {
	return g.sorted(g.dag.GetRoots())
}

// Ancestors 返回所有传递上游，按声明顺序
func (g *Graph) Ancestors(id string) []string {
	if !g.Has(id) {
		return nil
	}
	ancestors, err := g.dag.GetAncestors(id)
	if err != nil {
		return nil
	}
	return g.names(g.sorted(ancestors))
}

// sorted 将go-dag返回的ID集合转换为升序下标
func (g *Graph) sorted(set map[string]godag.VHash) []int {
	idx := make([]int, 0, len(set))
	for id := range set {
		idx = append(idx, g.index[id])
	}
	sort.Ints(idx)
	return idx
}

// TopologicalOrder 返回拓扑分层
func (g *Graph) TopologicalOrder() *TopologicalOrder {
	levels := make([][]string, len(g.order.Levels))
	for i, l := range g.order.Levels {
		levels[i] = append([]string(nil), l...)
	}
	return &TopologicalOrder{Levels: levels}
}

// Declarations 还原声明（用于落库）
func (g *Graph) Declarations() []Declaration {
	out := make([]Declaration, len(g.ids))
	for i, id := range g.ids {
		out[i] = Declaration{ID: id, DependsOn: g.names(g.deps[i])}
	}
	return out
}

// Descendants 返回所有传递下游，按声明顺序
// 每个节点的可达集只计算一次，后续调度轮次直接复用
func (g *Graph) Descendants(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	set := g.descendants(i)
	out := make([]string, 0)
	for j, in := range set {
		if in {
			out = append(out, g.ids[j])
		}
	}
	return out
}

func (g *Graph) descendants(i int) []bool {
	m := &g.desc[i]
	m.once.Do(func() {
		set := make([]bool, len(g.ids))
		for _, child := range g.dependents[i] {
			set[child] = true
			for j, in := range g.descendants(child) {
				if in {
					set[j] = true
				}
			}
		}
		m.set = set
	})
	return m.set
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.ids[i]
	}
	return out
}
