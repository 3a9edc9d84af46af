package jsonutil

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Pretty 缩进格式化 JSON 文本，解析失败时原样返回。
func Pretty(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		return raw
	}
	buf, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(buf)
}
