package warehouse

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// 暂存文件格式：gzip压缩的CSV，分号分隔，首行为列名
// NULL写作 \N；形如 \N、\\N 的字符串值多加一个反斜杠转义
const (
	csvDelimiter = ';'
	nullMarker   = `\N`
)

// EncodeCSVGzip 将一个分块编码为暂存文件内容
func EncodeCSVGzip(columns []string, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	w := csv.NewWriter(zw)
	w.Comma = csvDelimiter

	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("写入表头失败: %w", err)
	}
	record := make([]string, len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("第%d行列数不匹配: 期望%d, 实际%d", i, len(columns), len(row))
		}
		for j, v := range row {
			record[j] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("写入第%d行失败: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("写入CSV失败: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip压缩失败: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCSVGzip 解码暂存文件，NULL还原为nil，其余值为字符串
func DecodeCSVGzip(data []byte) ([]string, [][]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("gzip解压失败: %w", err)
	}
	defer zr.Close()

	r := csv.NewReader(zr)
	r.Comma = csvDelimiter

	columns, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("读取表头失败: %w", err)
	}
	var rows [][]any
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("读取CSV失败: %w", err)
		}
		row := make([]any, len(record))
		for i, s := range record {
			if s == nullMarker {
				row[i] = nil
				continue
			}
			if isEscapedNull(s) {
				s = s[1:]
			}
			row[i] = s
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return nullMarker
	case string:
		return escapeNull(x)
	case []byte:
		return escapeNull(string(x))
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return escapeNull(fmt.Sprint(x))
	}
}

// escapeNull 与NULL标记同形的字符串值前加反斜杠
func escapeNull(s string) string {
	if s == nullMarker || isEscapedNull(s) {
		return `\` + s
	}
	return s
}

// isEscapedNull 是否为两个及以上反斜杠后接N
func isEscapedNull(s string) bool {
	if len(s) < 3 || s[len(s)-1] != 'N' {
		return false
	}
	return strings.Trim(s[:len(s)-1], `\`) == ""
}
