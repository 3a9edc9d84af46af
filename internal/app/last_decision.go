package app

import (
	"sync"
	"time"

	"github.com/GETSUNWOO/futures-encho/internal/decision"
)

// decisionMemory 最近一轮决策的摘要。
type decisionMemory struct {
	TraceID   string             `json:"trace_id,omitempty"`
	Action    decision.Action    `json:"action"`
	Source    string             `json:"source,omitempty"`
	Direction decision.Direction `json:"direction,omitempty"`
	Leverage  int                `json:"leverage,omitempty"`
	Price     float64            `json:"price"`
	Reason    string             `json:"reason,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
	DecidedAt time.Time          `json:"decided_at"`
}

// lastDecisionCache 缓存最近一次决策，供状态接口展示。
type lastDecisionCache struct {
	mu  sync.RWMutex
	mem *decisionMemory
	ttl time.Duration
}

func newLastDecisionCache(ttl time.Duration) *lastDecisionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &lastDecisionCache{ttl: ttl}
}

func (c *lastDecisionCache) Set(out decision.Outcome, price float64, at time.Time) {
	if c == nil {
		return
	}
	mem := &decisionMemory{
		TraceID:   out.TraceID,
		Action:    out.Action,
		Source:    out.Source,
		Direction: out.Decision.Direction,
		Leverage:  out.Decision.Leverage,
		Price:     price,
		Reason:    out.Reason,
		Warnings:  append([]string(nil), out.Warnings...),
		DecidedAt: at,
	}
	if out.Sizing != nil {
		mem.Leverage = out.Sizing.Leverage
	}
	c.mu.Lock()
	c.mem = mem
	c.mu.Unlock()
}

// Snapshot 过期或为空时返回 nil。
func (c *lastDecisionCache) Snapshot(now time.Time) *decisionMemory {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mem == nil || now.Sub(c.mem.DecidedAt) > c.ttl {
		return nil
	}
	cp := *c.mem
	cp.Warnings = append([]string(nil), c.mem.Warnings...)
	return &cp
}
