package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Direction 决策方向。
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NO_POSITION"
)

// IsEntry LONG/SHORT。
func (d Direction) IsEntry() bool { return d == DirectionLong || d == DirectionShort }

// 决策来源
const (
	SourceOracle   = "oracle"
	SourceFallback = "fallback"
)

// Decision 通过校验的 oracle 决策（或规则兜底决策）。Conviction 为空表示 oracle 未给出胜率。
type Decision struct {
	Direction     Direction `json:"direction"`
	PositionSize  float64   `json:"recommended_position_size"`
	Leverage      int       `json:"recommended_leverage"`
	StopLossPct   float64   `json:"stop_loss_percentage"`
	TakeProfitPct float64   `json:"take_profit_percentage"`
	Reasoning     string    `json:"reasoning"`
	Conviction    *float64  `json:"conviction,omitempty"`
}

// ConvictionOr 返回 conviction，缺失时返回 def。
func (d Decision) ConvictionOr(def float64) float64 {
	if d.Conviction == nil {
		return def
	}
	return *d.Conviction
}

// Validation 校验结果：Valid 时 Decision 可用，否则 Reason 说明原因。
type Validation struct {
	Valid    bool
	Decision Decision
	Reason   string
}

func valid(d Decision) Validation { return Validation{Valid: true, Decision: d} }

func invalid(format string, args ...any) Validation {
	return Validation{Reason: fmt.Sprintf(format, args...)}
}

// Validate 严格校验 oracle 原始输出。允许 ```json 围栏或前后说明文字，取第一个完整的 {...}。
// 额外字段忽略；必需字段缺失、类型错误或越界均为 Invalid。
func Validate(raw string) Validation {
	obj, ok := extractJSON(raw)
	if !ok {
		return invalid("未找到 JSON 对象")
	}
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return invalid("JSON 解析失败: %v", err)
	}

	var d Decision
	dir, err := stringField(fields, "direction")
	if err != nil {
		return invalid("%v", err)
	}
	switch Direction(dir) {
	case DirectionLong, DirectionShort, DirectionNone:
		d.Direction = Direction(dir)
	default:
		return invalid("direction 非法: %q", dir)
	}

	if d.PositionSize, err = numberField(fields, "recommended_position_size"); err != nil {
		return invalid("%v", err)
	}
	if d.PositionSize < 0 || d.PositionSize > 1 {
		return invalid("recommended_position_size 越界: %v", d.PositionSize)
	}
	if d.Direction != DirectionNone && d.PositionSize < 0.1 {
		return invalid("%s 的 recommended_position_size 需在 [0.1,1]: %v", d.Direction, d.PositionSize)
	}

	lev, err := numberField(fields, "recommended_leverage")
	if err != nil {
		return invalid("%v", err)
	}
	if lev != math.Trunc(lev) {
		return invalid("recommended_leverage 必须为整数: %v", lev)
	}
	if lev < 1 || lev > 20 {
		return invalid("recommended_leverage 越界: %v", lev)
	}
	d.Leverage = int(lev)

	if d.StopLossPct, err = openUnitField(fields, "stop_loss_percentage"); err != nil {
		return invalid("%v", err)
	}
	if d.TakeProfitPct, err = openUnitField(fields, "take_profit_percentage"); err != nil {
		return invalid("%v", err)
	}
	if d.Reasoning, err = stringField(fields, "reasoning"); err != nil {
		return invalid("%v", err)
	}

	if v, present := fields["conviction"]; present && v != nil {
		c, err := numberField(fields, "conviction")
		if err != nil {
			return invalid("%v", err)
		}
		if c < 0 || c > 1 {
			return invalid("conviction 越界: %v", c)
		}
		d.Conviction = &c
	}
	return valid(d)
}

func stringField(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("缺少字段 %s", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s 必须为字符串", name)
	}
	return s, nil
}

func numberField(fields map[string]any, name string) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("缺少字段 %s", name)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s 必须为数字", name)
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s 数值非法: %s", name, n)
	}
	return f, nil
}

func openUnitField(fields map[string]any, name string) (float64, error) {
	f, err := numberField(fields, name)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f >= 1 {
		return 0, fmt.Errorf("%s 需在 (0,1): %v", name, f)
	}
	return f, nil
}

// ExtractJSON 从模型输出中取出第一个合法 JSON 对象。
func ExtractJSON(s string) (string, bool) { return extractJSON(s) }

// extractJSON 在文本中查找第一个括号配平的 JSON 对象，忽略字符串内的括号。
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start != -1 {
		if end, ok := matchObject(s, start); ok {
			candidate := strings.TrimSpace(s[start : end+1])
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// compactJSON 去掉空白，用于落库原始输出。
func compactJSON(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}
