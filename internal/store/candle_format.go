package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/pkg/format"
	"github.com/GETSUNWOO/futures-encho/internal/pkg/text"
)

// Klines wraps a slice of Kline for helper methods.
type Klines []Kline

// TimeString formats close time (fallback to open time) in UTC.
func (k Kline) TimeString() string {
	ts := k.CloseTime
	if ts == 0 {
		ts = k.OpenTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("01-02 15:04") + "Z"
}

// Range 返回窗口内最低价与最高价。
func (ks Klines) Range() (low, high float64) {
	if len(ks) == 0 {
		return 0, 0
	}
	low, high = math.MaxFloat64, -math.MaxFloat64
	for _, bar := range ks {
		if bar.Low < low {
			low = bar.Low
		}
		if bar.High > high {
			high = bar.High
		}
	}
	return low, high
}

// Snapshot summarizes a window of candles for logs and notifications.
func (ks Klines) Snapshot(interval, trend string) string {
	if len(ks) == 0 {
		return ""
	}
	first := ks[0]
	last := ks[len(ks)-1]
	base := first.Close
	if base == 0 {
		base = first.Open
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("close≈%s", format.Float(last.Close, 2)))
	iv := strings.TrimSpace(interval)
	if iv == "" {
		iv = "window"
	}
	if base != 0 {
		sb.WriteString(fmt.Sprintf(" (%+.2f%%/%s)", (last.Close-base)/base*100, iv))
	}
	low, high := ks.Range()
	sb.WriteString(fmt.Sprintf(", 区间 %s–%s", format.Float(low, 2), format.Float(high, 2)))
	sb.WriteString(", 截至 " + last.TimeString())
	if t := strings.TrimSpace(trend); t != "" {
		sb.WriteString(", " + text.Truncate(t, 200))
	}
	return sb.String()
}
