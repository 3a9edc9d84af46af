package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TradeStatus 对应 trades.status。
type TradeStatus int

const (
	TradeStatusOpen   TradeStatus = 1
	TradeStatusClosed TradeStatus = 2
)

func (s TradeStatus) String() string {
	switch s {
	case TradeStatusOpen:
		return "open"
	case TradeStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTradeNotOpen 记录不存在或已平仓。
var ErrTradeNotOpen = errors.New("trade 不存在或已平仓")

// TradeRecord trades 表记录。
type TradeRecord struct {
	ID               int64
	UUID             string
	Symbol           string
	Side             string
	EntryPrice       float64
	Amount           float64
	Leverage         int
	SLPrice          float64
	TPPrice          float64
	SLPct            float64
	TPPct            float64
	Investment       float64
	PositionFraction float64
	Status           TradeStatus
	ExitPrice        float64
	PnL              float64
	PnLPct           float64
	Reason           string
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// TradeClose 平仓写回参数。
type TradeClose struct {
	ExitPrice float64
	PnL       float64
	PnLPct    float64
	Reason    string
	ClosedAt  time.Time
}

// PerformanceStats 已平仓交易的汇总。
type PerformanceStats struct {
	Total         int
	Wins          int
	Losses        int
	WinRate       float64
	AvgReturnPct  float64
	TotalPnL      float64
	LongTrades    int
	ShortTrades   int
	LongWinRate   float64
	ShortWinRate  float64
	BestDirection string
}

const tradeColumns = `id, uuid, symbol, side, entry_price, amount, leverage, sl_price, tp_price,
	sl_pct, tp_pct, investment, position_fraction, status, exit_price, pnl, pnl_pct, reason,
	opened_at, closed_at`

// InsertTrade 写入新开仓记录，返回 id；UUID 为空时自动生成。
func (s *Store) InsertTrade(ctx context.Context, rec TradeRecord) (int64, error) {
	symbol := strings.ToUpper(strings.TrimSpace(rec.Symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol 必填")
	}
	side := strings.ToLower(strings.TrimSpace(rec.Side))
	if side != "long" && side != "short" {
		return 0, fmt.Errorf("side 非法: %q", rec.Side)
	}
	if rec.EntryPrice <= 0 || rec.Amount <= 0 {
		return 0, fmt.Errorf("entry_price/amount 必须大于 0")
	}
	if strings.TrimSpace(rec.UUID) == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = s.clock()
	}
	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO trades
				(uuid, symbol, side, entry_price, amount, leverage, sl_price, tp_price, sl_pct, tp_pct,
				 investment, position_fraction, status, opened_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.UUID, symbol, side, rec.EntryPrice, rec.Amount, rec.Leverage,
			nullIfZeroFloat(rec.SLPrice), nullIfZeroFloat(rec.TPPrice),
			nullIfZeroFloat(rec.SLPct), nullIfZeroFloat(rec.TPPct),
			nullIfZeroFloat(rec.Investment), nullIfZeroFloat(rec.PositionFraction),
			int(TradeStatusOpen), rec.OpenedAt.UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("写入 trade 失败: %w", err)
	}
	return id, nil
}

// CloseTrade 将 open 记录更新为 closed。记录不是 open 时返回 ErrTradeNotOpen。
func (s *Store) CloseTrade(ctx context.Context, id int64, c TradeClose) error {
	if id <= 0 {
		return fmt.Errorf("trade id 必填")
	}
	if c.ClosedAt.IsZero() {
		c.ClosedAt = s.clock()
	}
	return s.withConn(ctx, func(conn *sql.Conn) (err error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()
		res, err := tx.ExecContext(ctx, `
			UPDATE trades
			SET status=?, exit_price=?, pnl=?, pnl_pct=?, reason=?, closed_at=?
			WHERE id=? AND status=?`,
			int(TradeStatusClosed), c.ExitPrice, c.PnL, c.PnLPct, nullIfEmptyString(c.Reason),
			c.ClosedAt.UnixMilli(), id, int(TradeStatusOpen))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			err = ErrTradeNotOpen
			return err
		}
		err = tx.Commit()
		return err
	})
}

// LatestOpenTrade 返回 symbol 最近一条未平仓记录，没有则返回 nil, nil。
func (s *Store) LatestOpenTrade(ctx context.Context, symbol string) (*TradeRecord, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var out *TradeRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT `+tradeColumns+`
			FROM trades
			WHERE symbol=? AND status=?
			ORDER BY opened_at DESC, id DESC LIMIT 1`, symbol, int(TradeStatusOpen))
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			rec, err := scanTradeRow(rows)
			if err != nil {
				return err
			}
			out = &rec
		}
		return rows.Err()
	})
	return out, err
}

// RecentTrades 按开仓时间倒序返回最近的交易（含未平仓）。
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	return s.listTrades(ctx, symbol, 0, time.Time{}, limit)
}

// ClosedTrades 返回 since 之后平仓的交易。
func (s *Store) ClosedTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]TradeRecord, error) {
	return s.listTrades(ctx, symbol, TradeStatusClosed, since, limit)
}

func (s *Store) listTrades(ctx context.Context, symbol string, status TradeStatus, since time.Time, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []any
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query += ` AND symbol=?`
		args = append(args, sym)
	}
	if status != 0 {
		query += ` AND status=?`
		args = append(args, int(status))
	}
	if !since.IsZero() {
		query += ` AND opened_at >= ?`
		args = append(args, since.UnixMilli())
	}
	query += ` ORDER BY opened_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var list []TradeRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanTradeRow(rows)
			if err != nil {
				return err
			}
			list = append(list, rec)
		}
		return rows.Err()
	})
	return list, err
}

// Performance 汇总 since 之后的已平仓交易。
func (s *Store) Performance(ctx context.Context, symbol string, since time.Time) (PerformanceStats, error) {
	trades, err := s.ClosedTrades(ctx, symbol, since, 1000)
	if err != nil {
		return PerformanceStats{}, err
	}
	return SummarizeTrades(trades), nil
}

// SummarizeTrades 计算胜率、平均收益和表现更好的方向。
func SummarizeTrades(trades []TradeRecord) PerformanceStats {
	var st PerformanceStats
	var sumPct float64
	var longWins, shortWins int
	for _, t := range trades {
		if t.Status != TradeStatusClosed {
			continue
		}
		st.Total++
		st.TotalPnL += t.PnL
		sumPct += t.PnLPct
		win := t.PnL > 0
		if win {
			st.Wins++
		} else {
			st.Losses++
		}
		switch t.Side {
		case "long":
			st.LongTrades++
			if win {
				longWins++
			}
		case "short":
			st.ShortTrades++
			if win {
				shortWins++
			}
		}
	}
	if st.Total == 0 {
		return st
	}
	st.WinRate = float64(st.Wins) / float64(st.Total)
	st.AvgReturnPct = sumPct / float64(st.Total)
	if st.LongTrades > 0 {
		st.LongWinRate = float64(longWins) / float64(st.LongTrades)
	}
	if st.ShortTrades > 0 {
		st.ShortWinRate = float64(shortWins) / float64(st.ShortTrades)
	}
	switch {
	case st.LongTrades > 0 && st.LongWinRate > st.ShortWinRate:
		st.BestDirection = "LONG"
	case st.ShortTrades > 0 && st.ShortWinRate > st.LongWinRate:
		st.BestDirection = "SHORT"
	}
	return st
}

func scanTradeRow(rows *sql.Rows) (TradeRecord, error) {
	var (
		rec       TradeRecord
		slPrice   sql.NullFloat64
		tpPrice   sql.NullFloat64
		slPct     sql.NullFloat64
		tpPct     sql.NullFloat64
		inv       sql.NullFloat64
		fraction  sql.NullFloat64
		status    int
		exitPrice sql.NullFloat64
		pnl       sql.NullFloat64
		pnlPct    sql.NullFloat64
		reason    sql.NullString
		openedAt  int64
		closedAt  sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.UUID, &rec.Symbol, &rec.Side, &rec.EntryPrice, &rec.Amount, &rec.Leverage,
		&slPrice, &tpPrice, &slPct, &tpPct, &inv, &fraction, &status, &exitPrice, &pnl, &pnlPct, &reason,
		&openedAt, &closedAt); err != nil {
		return TradeRecord{}, err
	}
	rec.SLPrice = slPrice.Float64
	rec.TPPrice = tpPrice.Float64
	rec.SLPct = slPct.Float64
	rec.TPPct = tpPct.Float64
	rec.Investment = inv.Float64
	rec.PositionFraction = fraction.Float64
	rec.Status = TradeStatus(status)
	rec.ExitPrice = exitPrice.Float64
	rec.PnL = pnl.Float64
	rec.PnLPct = pnlPct.Float64
	rec.Reason = reason.String
	rec.OpenedAt = time.UnixMilli(openedAt)
	rec.ClosedAt = timeFromMillis(closedAt)
	return rec, nil
}
