package format

import (
	"fmt"
	"strings"
	"time"
)

// Percent 0.12 -> "12%"，0.025 -> "2.5%"
func Percent(val float64) string {
	if val == 0 {
		return "0%"
	}
	return Float(val*100, 2) + "%"
}

// Float 固定小数位并去掉末尾 0。
func Float(val float64, decimals int) string {
	if decimals < 0 {
		decimals = 4
	}
	out := fmt.Sprintf("%.*f", decimals, val)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	if out == "" || out == "-0" {
		return "0"
	}
	return out
}

// USD 带符号的美元金额，保留两位。
func USD(val float64) string {
	if val < 0 {
		return fmt.Sprintf("-$%.2f", -val)
	}
	return fmt.Sprintf("$%.2f", val)
}

// Duration 人类可读的持续时间，如 1h5m、3m20s。
func Duration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, d/time.Second)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
