package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevNoColor := Out, color.NoColor
	Out, color.NoColor = &buf, true
	t.Cleanup(func() { Out, color.NoColor = prevOut, prevNoColor })
	return &buf
}

func TestTable(t *testing.T) {
	buf := capture(t)
	table := NewTable([]string{"TABLE", "STATUS"})
	table.AddRow([]string{"客户表", "succeeded"})
	table.AddRow([]string{"orders", "failed", "ignored"})
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "TABLE   STATUS     ", lines[0])
	assert.Equal(t, "------  ---------  ", lines[1])
	assert.Equal(t, "客户表     succeeded  ", lines[2])
	assert.Equal(t, "orders  failed     ", lines[3])
	assert.Equal(t, 2, table.Len())
}

func TestMessages(t *testing.T) {
	buf := capture(t)
	Success("done %d", 1)
	Error("bad %s", "x")
	assert.Equal(t, "✅ done 1\n❌ bad x\n", buf.String())

	buf.Reset()
	require.NoError(t, PrintJSON(map[string]int{"n": 1}))
	assert.Equal(t, "{\n  \"n\": 1\n}\n", buf.String())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "✅ succeeded", FormatStatus("succeeded"))
	assert.Equal(t, "⏭️", StatusIcon("skipped"))
	assert.Equal(t, "❓", StatusIcon("unknown"))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "数据...", Truncate("数据仓库", 2))
}
