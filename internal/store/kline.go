package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Kline OHLCV 记录，时间为 UnixMilli。
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// KlineStore 抽象：读写 symbol+interval 的序列
type KlineStore interface {
	Put(ctx context.Context, symbol, interval string, ks []Kline, max int) error
	Get(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// MemoryKlineStore 内存实现，分析任务写入、决策读取。
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]Kline
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]Kline)}
}

func key(symbol, interval string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "@" + strings.TrimSpace(interval)
}

// Put 按 OpenTime 合并（同一根 K 线以新数据覆盖）并裁剪到 max 根。
func (s *MemoryKlineStore) Put(ctx context.Context, symbol, interval string, ks []Kline, max int) error {
	if strings.TrimSpace(symbol) == "" || strings.TrimSpace(interval) == "" {
		return errors.New("symbol/interval 不能为空")
	}
	if len(ks) == 0 {
		return nil
	}
	if max <= 0 {
		max = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(symbol, interval)
	merged := make(map[int64]Kline, len(s.data[k])+len(ks))
	for _, bar := range s.data[k] {
		merged[bar.OpenTime] = bar
	}
	for _, bar := range ks {
		merged[bar.OpenTime] = bar
	}
	cur := make([]Kline, 0, len(merged))
	for _, bar := range merged {
		cur = append(cur, bar)
	}
	sort.Slice(cur, func(i, j int) bool { return cur[i].OpenTime < cur[j].OpenTime })
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	s.data[k] = cur
	return nil
}

// Get 返回最近 limit 根的拷贝，limit<=0 返回全部。
func (s *MemoryKlineStore) Get(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, interval)]
	if limit > 0 && len(cur) > limit {
		cur = cur[len(cur)-limit:]
	}
	out := make([]Kline, len(cur))
	copy(out, cur)
	return out, nil
}

// Closes 收盘价序列，供指标计算。
func Closes(ks []Kline) []float64 {
	out := make([]float64, len(ks))
	for i, k := range ks {
		out[i] = k.Close
	}
	return out
}
