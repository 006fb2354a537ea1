package plugin

import (
	"testing"

	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailPlugin_Init(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{name: "有效参数", params: map[string]string{"smtp_host": "smtp.local", "smtp_port": "2525", "from": "el@local", "to": "a@local, b@local"}},
		{name: "缺少smtp_host", params: map[string]string{"from": "el@local", "to": "a@local"}, wantErr: true},
		{name: "端口格式错误", params: map[string]string{"smtp_host": "smtp.local", "smtp_port": "abc", "from": "el@local", "to": "a@local"}, wantErr: true},
		{name: "缺少收件人", params: map[string]string{"smtp_host": "smtp.local", "from": "el@local"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmailPlugin().Init(tt.params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEmailPlugin_Execute(t *testing.T) {
	var subject, body string
	p := NewEmailPlugin().WithSender(func(s, b string) error {
		subject, body = s, b
		return nil
	})

	assert.Error(t, p.Execute(PluginData{}), "未初始化")

	require.NoError(t, p.Init(map[string]string{"smtp_host": "smtp.local", "from": "el@local", "to": "ops@local"}))
	require.NoError(t, p.Execute(PluginData{
		Event:    events.EventRunFinalized,
		RunID:    "01HRUN",
		Pipeline: "crm",
		Status:   "partially-succeeded",
		Failures: []events.Failure{
			{TaskID: "orders", Status: "failed", Error: "列不存在"},
			{TaskID: "order_items", Status: "skipped", Error: "上游失败"},
		},
	}))

	assert.Equal(t, "[Run部分成功] crm - 01HRUN", subject)
	assert.Contains(t, body, "Run ID: 01HRUN")
	assert.Contains(t, body, "  - orders [failed] 列不存在")
	assert.Contains(t, body, "  - order_items [skipped] 上游失败")

	assert.Error(t, p.Execute("not plugin data"))
}
