package config

import (
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/engine"
)

// PipelineConfig 流水线配置（tables.yaml，对外导出）
type PipelineConfig struct {
	Pipeline struct {
		Name     string        `yaml:"name"`
		Schedule string        `yaml:"schedule"`
		Defaults TableDefaults `yaml:"defaults"`
		Tables   []TableConfig `yaml:"tables"`
	} `yaml:"pipeline"`
}

// TableDefaults 各表未设置时使用的默认值
type TableDefaults struct {
	Source    string `yaml:"source"`
	Schema    string `yaml:"schema"`
	Mode      string `yaml:"mode"`
	ChunkSize int    `yaml:"chunk_size"`
}

// TableConfig 单张表的定义
type TableConfig struct {
	ID             string            `yaml:"id"`
	Source         string            `yaml:"source"`
	Table          string            `yaml:"table"`
	Query          string            `yaml:"query"`
	Columns        []string          `yaml:"columns"`
	OrderBy        []string          `yaml:"order_by"`
	TimestampField string            `yaml:"timestamp_field"`
	ChunkSize      int               `yaml:"chunk_size"`
	Target         TargetTableConfig `yaml:"target"`
	Mode           string            `yaml:"mode"`
	Ignore         bool              `yaml:"ignore"`
	DependsOn      []string          `yaml:"depends_on"`
}

// TargetTableConfig 目标表定义
type TargetTableConfig struct {
	Schema     string   `yaml:"schema"`
	Name       string   `yaml:"name"`
	PrimaryKey []string `yaml:"primary_key"`
}

// ApplyDefaults 填充表级默认值
func (c *PipelineConfig) ApplyDefaults() {
	d := c.Pipeline.Defaults
	if d.Mode == "" {
		d.Mode = string(connector.ModeReplace)
	}
	for i := range c.Pipeline.Tables {
		t := &c.Pipeline.Tables[i]
		if t.Source == "" {
			t.Source = d.Source
		}
		if t.Mode == "" {
			t.Mode = d.Mode
		}
		if t.ChunkSize <= 0 {
			t.ChunkSize = d.ChunkSize
		}
		if t.Target.Schema == "" {
			t.Target.Schema = d.Schema
		}
		if t.Target.Name == "" && t.Table != "" {
			t.Target.Name = t.Table[strings.LastIndex(t.Table, ".")+1:]
		}
		if t.ID == "" {
			t.ID = t.Target.Name
		}
	}
}

// GetTableByID 根据ID获取表定义
func (c *PipelineConfig) GetTableByID(id string) *TableConfig {
	for i := range c.Pipeline.Tables {
		if c.Pipeline.Tables[i].ID == id {
			return &c.Pipeline.Tables[i]
		}
	}
	return nil
}

// ToPipeline 转换为引擎使用的流水线，ignore的表不参与执行
func (c *PipelineConfig) ToPipeline() (*engine.Pipeline, error) {
	ignored := make(map[string]bool)
	for _, t := range c.Pipeline.Tables {
		if t.Ignore {
			ignored[t.ID] = true
		}
	}

	p := &engine.Pipeline{Name: c.Pipeline.Name, Schedule: c.Pipeline.Schedule}
	for _, t := range c.Pipeline.Tables {
		if t.Ignore {
			continue
		}
		for _, dep := range t.DependsOn {
			if ignored[dep] {
				return nil, fmt.Errorf("表%s依赖被忽略的表%s", t.ID, dep)
			}
		}
		p.Tables = append(p.Tables, engine.TableDef{
			Spec: connector.TableSpec{
				TaskID:         t.ID,
				Source:         t.Source,
				SourceTable:    t.Table,
				Query:          t.Query,
				Columns:        t.Columns,
				OrderBy:        t.OrderBy,
				TimestampField: t.TimestampField,
				ChunkSize:      t.ChunkSize,
				Target: connector.TargetTable{
					Schema:     t.Target.Schema,
					Name:       t.Target.Name,
					Columns:    t.Columns,
					PrimaryKey: t.Target.PrimaryKey,
				},
				Mode: connector.LoadMode(t.Mode),
			},
			DependsOn: t.DependsOn,
		})
	}
	if _, err := p.Graph(); err != nil {
		return nil, err
	}
	return p, nil
}
