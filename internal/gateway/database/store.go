package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GETSUNWOO/futures-encho/internal/logger"
)

const defaultMaxConns = 4

// Store 封装 sqlite 连接池：信号缓存、任务日志、交易与决策记录共用同一个有界池。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	now  func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		kind          TEXT    NOT NULL,
		payload       TEXT    NOT NULL,
		confidence    REAL    NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		model         TEXT,
		processing_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_kind_created ON signals(kind, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_expires ON signals(expires_at)`,
	`CREATE TABLE IF NOT EXISTS job_logs (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		job     TEXT    NOT NULL,
		level   TEXT    NOT NULL,
		message TEXT    NOT NULL,
		ts      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_logs_job_ts ON job_logs(job, ts)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid              TEXT    NOT NULL UNIQUE,
		symbol            TEXT    NOT NULL,
		side              TEXT    NOT NULL,
		entry_price       REAL    NOT NULL,
		amount            REAL    NOT NULL,
		leverage          INTEGER NOT NULL,
		sl_price          REAL,
		tp_price          REAL,
		sl_pct            REAL,
		tp_pct            REAL,
		investment        REAL,
		position_fraction REAL,
		status            INTEGER NOT NULL,
		exit_price        REAL,
		pnl               REAL,
		pnl_pct           REAL,
		reason            TEXT,
		opened_at         INTEGER NOT NULL,
		closed_at         INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, opened_at)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id   TEXT    NOT NULL,
		direction  TEXT    NOT NULL,
		conviction REAL,
		source     TEXT    NOT NULL,
		reasoning  TEXT,
		raw        TEXT,
		price      REAL,
		trade_id   INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,
}

// NewStore 打开（必要时创建）sqlite 文件并初始化表结构。maxConns 限制连接池大小，
// 池耗尽时调用方阻塞等待而不是新建连接。
func NewStore(path string, maxConns int) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path 不能为空")
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	logger.Debugf("[db] sqlite 已就绪 path=%s max_conns=%d", path, maxConns)
	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path 数据库文件路径
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close 关闭连接池。
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Store) handle() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	return db, nil
}

// withConn 从池中借出一个连接执行 fn，返回时归还。
func (s *Store) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取数据库连接失败: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// PoolStats 返回连接池统计，便于观察是否存在排队。
func (s *Store) PoolStats() sql.DBStats {
	db, err := s.handle()
	if err != nil {
		return sql.DBStats{}
	}
	return db.Stats()
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func nullIfEmptyString(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullIfZeroFloat(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfZeroInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func millisOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
