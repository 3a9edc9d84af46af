package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionRecord decisions 表记录。
type DecisionRecord struct {
	ID         int64
	TraceID    string
	Direction  string
	Conviction float64
	Source     string
	Reasoning  string
	Raw        string
	Price      float64
	TradeID    int64
	CreatedAt  time.Time
}

// SaveDecision 写入一次决策；TraceID 为空时自动生成。
func (s *Store) SaveDecision(ctx context.Context, rec DecisionRecord) (int64, error) {
	direction := strings.ToUpper(strings.TrimSpace(rec.Direction))
	if direction == "" {
		return 0, fmt.Errorf("direction 必填")
	}
	source := strings.TrimSpace(rec.Source)
	if source == "" {
		source = "oracle"
	}
	if strings.TrimSpace(rec.TraceID) == "" {
		rec.TraceID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO decisions (trace_id, direction, conviction, source, reasoning, raw, price, trade_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.TraceID, direction, rec.Conviction, source, nullIfEmptyString(rec.Reasoning),
			nullIfEmptyString(rec.Raw), nullIfZeroFloat(rec.Price), nullIfZeroInt(rec.TradeID),
			rec.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("写入 decision 失败: %w", err)
	}
	return id, nil
}

// LinkDecisionTrade 关联决策与其开出的交易。
func (s *Store) LinkDecisionTrade(ctx context.Context, decisionID, tradeID int64) error {
	if decisionID <= 0 || tradeID <= 0 {
		return fmt.Errorf("decision_id/trade_id 必填")
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE decisions SET trade_id=? WHERE id=?`, tradeID, decisionID)
		return err
	})
}

// RecentDecisions 按时间倒序返回最近的决策。
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var list []DecisionRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, trace_id, direction, conviction, source, reasoning, raw, price, trade_id, created_at
			FROM decisions
			ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				rec        DecisionRecord
				conviction sql.NullFloat64
				reasoning  sql.NullString
				raw        sql.NullString
				price      sql.NullFloat64
				tradeID    sql.NullInt64
				createdAt  int64
			)
			if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Direction, &conviction, &rec.Source,
				&reasoning, &raw, &price, &tradeID, &createdAt); err != nil {
				return err
			}
			rec.Conviction = conviction.Float64
			rec.Reasoning = reasoning.String
			rec.Raw = raw.String
			rec.Price = price.Float64
			rec.TradeID = tradeID.Int64
			rec.CreatedAt = time.UnixMilli(createdAt)
			list = append(list, rec)
		}
		return rows.Err()
	})
	return list, err
}
