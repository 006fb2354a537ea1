package dag

import (
	"fmt"
	"sort"
	"sync"

	godag "github.com/begmaroman/go-dag"
)

// Node go-dag中的顶点（实现 Identifiable 接口）
type Node struct {
	TaskID string
}

// ID 实现 Identifiable 接口
func (n *Node) ID() string {
	return n.TaskID
}

// Graph 一次Run的不可变Task依赖图（对外导出）
// Task按声明顺序分配稳定下标，邻接关系以下标保存
type Graph struct {
	ids        []string
	index      map[string]int
	deps       [][]int // 下标 -> 依赖的下标（声明顺序）
	dependents [][]int // 下标 -> 直接下游的下标（声明顺序）
	order      *TopologicalOrder
	desc       []descendantsMemo
	dag        *godag.DAG[*Node]
}

type descendantsMemo struct {
	once sync.Once
	set  []bool
}

// Build 根据声明构建Task依赖图（对外导出）
// 可能返回 *UnknownDependencyError、*CyclicDependencyError 或 *DuplicateTaskError
func Build(decls []Declaration) (*Graph, error) {
	g := &Graph{
		ids:   make([]string, 0, len(decls)),
		index: make(map[string]int, len(decls)),
	}
	for _, d := range decls {
		if d.ID == "" {
			return nil, fmt.Errorf("Task ID不能为空")
		}
		if _, exists := g.index[d.ID]; exists {
			return nil, &DuplicateTaskError{Task: d.ID}
		}
		g.index[d.ID] = len(g.ids)
		g.ids = append(g.ids, d.ID)
	}

	// 1. 构建邻接表（依赖 -> 下游）
	g.deps = make([][]int, len(g.ids))
	g.dependents = make([][]int, len(g.ids))
	for i, d := range decls {
		seen := make(map[int]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Task: d.ID, Dependency: dep}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	for i := range g.dependents {
		sort.Ints(g.dependents[i])
	}

	// 2. 一次性检测循环
	if cycle := detectCycleDFS(g.dependents); cycle != nil {
		path := make([]string, len(cycle))
		for i, idx := range cycle {
			path[i] = g.ids[idx]
		}
		return nil, &CyclicDependencyError{Cycle: path}
	}

	// 3. 已确认无环，写入 go-dag
	g.dag = godag.NewDAG[*Node]()
	for _, id := range g.ids {
		if _, err := g.dag.AddVertex(&Node{TaskID: id}); err != nil {
			return nil, fmt.Errorf("添加节点失败: Task ID=%s, Error=%w", id, err)
		}
	}
	for i, deps := range g.deps {
		for _, j := range deps {
			if err := g.dag.AddEdge(g.ids[j], g.ids[i]); err != nil {
				return nil, fmt.Errorf("添加边失败: %s -> %s, Error=%w", g.ids[j], g.ids[i], err)
			}
		}
	}

	g.order = g.topologicalSort()
	g.desc = make([]descendantsMemo, len(g.ids))
	return g, nil
}

// detectCycleDFS 三色标记DFS检测循环，返回首尾相同的闭环路径，无环返回nil
// graph: 下标邻接表，按下标顺序遍历保证结果确定
func detectCycleDFS(graph [][]int) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(graph))
	parent := make([]int, len(graph))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(n int) bool
	dfs = func(n int) bool {
		color[n] = gray
		for _, child := range graph[n] {
			switch color[child] {
			case white:
				parent[child] = n
				if dfs(child) {
					return true
				}
			case gray:
				// 后向边：沿parent回溯到child，得到 child -> ... -> n -> child
				rev := []int{n}
				for cur := n; cur != child && cur != -1; {
					cur = parent[cur]
					rev = append(rev, cur)
				}
				for i := len(rev) - 1; i >= 0; i-- {
					cycle = append(cycle, rev[i])
				}
				cycle = append(cycle, child)
				return true
			}
		}
		color[n] = black
		return false
	}

	for n := range graph {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}

// topologicalSort Kahn算法分层，层内按声明顺序
func (g *Graph) topologicalSort() *TopologicalOrder {
	inDegree := make([]int, len(g.ids))
	for i := range g.ids {
		inDegree[i] = len(g.deps[i])
	}
	queue := g.rootIndexes()

	result := &TopologicalOrder{Levels: make([][]string, 0)}
	for len(queue) > 0 {
		level := make([]string, 0, len(queue))
		next := make([]int, 0)
		for _, n := range queue {
			level = append(level, g.ids[n])
			for _, child := range g.dependents[n] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Ints(next)
		result.Levels = append(result.Levels, level)
		queue = next
	}
	return result
}
