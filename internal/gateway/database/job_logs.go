package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// JobLogEntry job_logs 表记录，仅追加。
type JobLogEntry struct {
	Job       string
	Level     string
	Message   string
	Timestamp time.Time
}

// AppendJobLog 追加一条调度诊断日志。
func (s *Store) AppendJobLog(ctx context.Context, entry JobLogEntry) error {
	job := strings.TrimSpace(entry.Job)
	if job == "" {
		return fmt.Errorf("job 必填")
	}
	level := strings.ToLower(strings.TrimSpace(entry.Level))
	if level == "" {
		level = "info"
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock()
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO job_logs (job, level, message, ts)
			VALUES (?, ?, ?, ?)`,
			job, level, entry.Message, entry.Timestamp.UnixMilli())
		return err
	})
}

// RecentJobLogs 按时间倒序返回日志；job 为空时返回全部任务。
func (s *Store) RecentJobLogs(ctx context.Context, job string, limit int) ([]JobLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	job = strings.TrimSpace(job)
	var list []JobLogEntry
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			rows *sql.Rows
			err  error
		)
		if job == "" {
			rows, err = conn.QueryContext(ctx, `
				SELECT job, level, message, ts FROM job_logs
				ORDER BY ts DESC, id DESC LIMIT ?`, limit)
		} else {
			rows, err = conn.QueryContext(ctx, `
				SELECT job, level, message, ts FROM job_logs
				WHERE job=?
				ORDER BY ts DESC, id DESC LIMIT ?`, job, limit)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e JobLogEntry
			var ts int64
			if err := rows.Scan(&e.Job, &e.Level, &e.Message, &ts); err != nil {
				return err
			}
			e.Timestamp = time.UnixMilli(ts)
			list = append(list, e)
		}
		return rows.Err()
	})
	return list, err
}

// PruneJobLogs 删除早于 before 的日志。
func (s *Store) PruneJobLogs(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM job_logs WHERE ts < ?`, before.UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
