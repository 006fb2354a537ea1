package warehouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVGzipCodec(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 5, time.FixedZone("CST", 8*3600))
	rows := [][]any{
		{int64(1), "a;b", nil},
		{int64(2), []byte("line\nbreak"), ts},
		{3.5, `quote"d`, true},
	}

	data, err := EncodeCSVGzip([]string{"id", "name", "extra"}, rows)
	require.NoError(t, err)

	columns, decoded, err := DecodeCSVGzip(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "extra"}, columns)
	assert.Equal(t, [][]any{
		{"1", "a;b", nil},
		{"2", "line\nbreak", "2024-03-01T04:30:00.000000005Z"},
		{"3.5", `quote"d`, "true"},
	}, decoded)
}

func TestCSVGzipCodec_NullMarkerString(t *testing.T) {
	rows := [][]any{
		{`\N`, nil, []byte(`\\N`)},
		{`N`, `\n`, `a\N`},
	}

	data, err := EncodeCSVGzip([]string{"a", "b", "c"}, rows)
	require.NoError(t, err)

	_, decoded, err := DecodeCSVGzip(data)
	require.NoError(t, err)
	assert.Equal(t, [][]any{
		{`\N`, nil, `\\N`},
		{`N`, `\n`, `a\N`},
	}, decoded, "与NULL标记同形的字符串不能还原为NULL")
}

func TestCSVGzipCodec_Errors(t *testing.T) {
	t.Run("列数不匹配", func(t *testing.T) {
		_, err := EncodeCSVGzip([]string{"id"}, [][]any{{1, 2}})
		assert.Error(t, err)
	})

	t.Run("非gzip内容", func(t *testing.T) {
		_, _, err := DecodeCSVGzip([]byte("id;name"))
		assert.Error(t, err)
	})

	t.Run("空分块只有表头", func(t *testing.T) {
		data, err := EncodeCSVGzip([]string{"id"}, nil)
		require.NoError(t, err)
		columns, rows, err := DecodeCSVGzip(data)
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, columns)
		assert.Empty(t, rows)
	})
}
