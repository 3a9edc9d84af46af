package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignalCache 描述分析结果缓存能力。
type SignalCache interface {
	PutSignal(ctx context.Context, sig SignalInput) (int64, error)
	LatestSignal(ctx context.Context, kind string, maxAge time.Duration) (*CachedSignal, error)
	SweepExpired(ctx context.Context) (int64, error)
}

var _ SignalCache = (*Store)(nil)

// SignalInput 写入参数。
type SignalInput struct {
	Kind         string
	Payload      any
	Confidence   float64
	TTL          time.Duration
	Model        string
	ProcessingMs int64
}

// CachedSignal signals 表的一行。
type CachedSignal struct {
	ID           int64
	Kind         string
	Payload      json.RawMessage
	Confidence   float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Model        string
	ProcessingMs int64
}

// Decode 将 payload 解码到 v。
func (c *CachedSignal) Decode(v any) error {
	if c == nil {
		return fmt.Errorf("signal 为空")
	}
	if len(c.Payload) == 0 {
		return fmt.Errorf("signal %s payload 为空", c.Kind)
	}
	return json.Unmarshal(c.Payload, v)
}

// Age 距写入已过去的时长。
func (c *CachedSignal) Age(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	return now.Sub(c.CreatedAt)
}

// SignalKindStats 每个 kind 的缓存条目统计。
type SignalKindStats struct {
	Kind    string
	Total   int
	Valid   int
	Expired int
}

// PutSignal 追加一条缓存结果，expires_at = now + ttl。返回新行 id。
func (s *Store) PutSignal(ctx context.Context, sig SignalInput) (int64, error) {
	kind := strings.TrimSpace(sig.Kind)
	if kind == "" {
		return 0, fmt.Errorf("kind 必填")
	}
	if sig.TTL <= 0 {
		return 0, fmt.Errorf("ttl 必须大于 0: %v", sig.TTL)
	}
	confidence := sig.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	buf, err := json.Marshal(sig.Payload)
	if err != nil {
		return 0, fmt.Errorf("序列化 %s payload 失败: %w", kind, err)
	}
	now := s.clock()
	var id int64
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO signals (kind, payload, confidence, created_at, expires_at, model, processing_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			kind, string(buf), confidence, now.UnixMilli(), now.Add(sig.TTL).UnixMilli(),
			nullIfEmptyString(sig.Model), sig.ProcessingMs)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("写入 signal %s 失败: %w", kind, err)
	}
	return id, nil
}

// LatestSignal 返回 kind 下最新且未过期的一条；maxAge>0 时同时拒绝早于 now-maxAge 的记录。
// 没有可用记录时返回 nil, nil。
func (s *Store) LatestSignal(ctx context.Context, kind string, maxAge time.Duration) (*CachedSignal, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, fmt.Errorf("kind 必填")
	}
	now := s.clock()
	query := `
		SELECT id, kind, payload, confidence, created_at, expires_at, model, processing_ms
		FROM signals
		WHERE kind=? AND expires_at > ?`
	args := []any{kind, now.UnixMilli()}
	if maxAge > 0 {
		query += ` AND created_at >= ?`
		args = append(args, now.Add(-maxAge).UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var out *CachedSignal
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			sig       CachedSignal
			payload   string
			createdAt int64
			expiresAt int64
			model     sql.NullString
		)
		err := conn.QueryRowContext(ctx, query, args...).Scan(
			&sig.ID, &sig.Kind, &payload, &sig.Confidence, &createdAt, &expiresAt, &model, &sig.ProcessingMs)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		sig.Payload = json.RawMessage(payload)
		sig.CreatedAt = time.UnixMilli(createdAt)
		sig.ExpiresAt = time.UnixMilli(expiresAt)
		sig.Model = model.String
		out = &sig
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取 signal %s 失败: %w", kind, err)
	}
	return out, nil
}

// SweepExpired 删除 expires_at <= now 的记录，返回删除条数。
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.clock()
	var removed int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM signals WHERE expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("清理过期 signal 失败: %w", err)
	}
	return removed, nil
}

// SignalStats 按 kind 统计总数/有效/过期条目。
func (s *Store) SignalStats(ctx context.Context) ([]SignalKindStats, error) {
	now := s.clock().UnixMilli()
	var list []SignalKindStats
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT kind,
				COUNT(*),
				SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END)
			FROM signals
			GROUP BY kind
			ORDER BY kind`, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st SignalKindStats
			if err := rows.Scan(&st.Kind, &st.Total, &st.Valid); err != nil {
				return err
			}
			st.Expired = st.Total - st.Valid
			list = append(list, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("统计 signal 失败: %w", err)
	}
	return list, nil
}
