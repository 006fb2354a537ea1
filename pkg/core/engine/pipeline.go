package engine

import (
	"fmt"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/dag"
)

// TableDef 流水线中的一张表及其依赖
type TableDef struct {
	Spec      connector.TableSpec
	DependsOn []string
}

// Pipeline 一组有依赖关系的表抽取-加载定义（对外导出）
type Pipeline struct {
	Name     string
	Schedule string // Cron表达式（支持秒级），为空表示不定时执行
	Tables   []TableDef
}

// Declarations 转换为依赖图声明，保持定义顺序
func (p *Pipeline) Declarations() []dag.Declaration {
	decls := make([]dag.Declaration, len(p.Tables))
	for i, t := range p.Tables {
		decls[i] = dag.Declaration{ID: t.Spec.TaskID, DependsOn: t.DependsOn}
	}
	return decls
}

// Graph 构建依赖图，环或未知依赖时返回错误
func (p *Pipeline) Graph() (*dag.Graph, error) {
	if p == nil {
		return nil, fmt.Errorf("Pipeline不能为空")
	}
	return dag.Build(p.Declarations())
}

// Spec 按Task ID查找表定义
func (p *Pipeline) Spec(taskID string) (connector.TableSpec, bool) {
	for _, t := range p.Tables {
		if t.Spec.TaskID == taskID {
			return t.Spec, true
		}
	}
	return connector.TableSpec{}, false
}

// specIndex Task ID -> TableSpec
func (p *Pipeline) specIndex() map[string]connector.TableSpec {
	out := make(map[string]connector.TableSpec, len(p.Tables))
	for _, t := range p.Tables {
		out[t.Spec.TaskID] = t.Spec
	}
	return out
}
