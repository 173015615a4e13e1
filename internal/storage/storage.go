// Package storage 在 badger 状态存储旁边保存一个可查询的 sqlite 归档,
// 记录已平仓交易、权益快照以及操作员/系统事件。
package storage

import (
	"binance-regime-bot-go/internal/models"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // 导入 sqlite3 驱动
)

// Archive 封装 sqlite 数据库, 可以并发使用
type Archive struct {
	db *sql.DB
}

// Open 初始化数据库连接并创建所需的表。
// ":memory:" 打开一个私有的内存数据库。
func Open(dataSourceName string) (*Archive, error) {
	if dataSourceName != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dataSourceName), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dataSourceName == ":memory:" {
		// 否则连接池中的每个连接都会得到各自的空数据库
		db.SetMaxOpenConns(1)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Archive{db: db}, nil
}

// createTables 在表不存在时创建所需的表
func createTables(db *sql.DB) error {
	// 带已实现盈亏的平仓交易, 时间为 unix 毫秒
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		direction TEXT NOT NULL,
		size REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		exit_reason TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	// 用于回撤统计的权益快照
	createEquityTableSQL := `
	CREATE TABLE IF NOT EXISTS equity_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		balance REAL NOT NULL,
		equity REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		snapshot_date TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEquityTableSQL); err != nil {
		return err
	}

	// 熔断、暂停、恢复、平仓和紧急平仓事件
	createEventsTableSQL := `
	CREATE TABLE IF NOT EXISTS system_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		symbol TEXT,
		reason TEXT,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createEventsTableSQL); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_date ON equity_snapshots(snapshot_date);`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTrade 插入一笔已平仓交易
func (a *Archive) SaveTrade(t models.TradeRecord) error {
	query := `
	INSERT INTO trades (symbol, strategy, direction, size, entry_price, exit_price, pnl, exit_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.Exec(query,
		t.Symbol, t.StrategyID, string(t.Direction), t.Size, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, string(t.ExitReason), t.OpenedAt.UnixMilli(), t.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.Symbol, err)
	}
	return nil
}

// Trades 返回 since 及之后平仓的交易, 最早的在前。
// limit <= 0 时返回全部。
func (a *Archive) Trades(since time.Time, limit int) ([]models.TradeRecord, error) {
	query := `
	SELECT symbol, strategy, direction, size, entry_price, exit_price, pnl, exit_reason, opened_at, closed_at
	FROM (
		SELECT * FROM trades WHERE closed_at >= ? ORDER BY closed_at DESC, id DESC LIMIT ?
	) ORDER BY closed_at ASC`

	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.Query(query, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var t models.TradeRecord
		var direction, reason string
		var opened, closed int64
		if err := rows.Scan(
			&t.Symbol, &t.StrategyID, &direction, &t.Size, &t.EntryPrice, &t.ExitPrice,
			&t.RealizedPnL, &reason, &opened, &closed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Direction = models.Direction(direction)
		t.ExitReason = models.ExitReason(reason)
		t.OpenedAt = time.UnixMilli(opened).UTC()
		t.ClosedAt = time.UnixMilli(closed).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SaveEquitySnapshot 按 UTC 日期记录账户快照
func (a *Archive) SaveEquitySnapshot(s models.AccountSnapshot) error {
	at := s.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	query := `
	INSERT INTO equity_snapshots (balance, equity, unrealized_pnl, snapshot_date, created_at)
	VALUES (?, ?, ?, ?, ?)`

	if _, err := a.db.Exec(query, s.WalletBalance, s.Equity, s.UnrealizedPnL, at.UTC().Format("2006-01-02"), at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save equity snapshot: %w", err)
	}
	return nil
}

// PeakEquity 返回记录到的最高权益, 没有记录时为 0
func (a *Archive) PeakEquity() (float64, error) {
	var peak sql.NullFloat64
	if err := a.db.QueryRow(`SELECT MAX(equity) FROM equity_snapshots`).Scan(&peak); err != nil {
		return 0, fmt.Errorf("failed to query peak equity: %w", err)
	}
	return peak.Float64, nil
}

// DayStartEquity 返回 day 所在 UTC 日期记录的第一笔权益。
// 当天没有记录时返回 sql.ErrNoRows。
func (a *Archive) DayStartEquity(day time.Time) (float64, error) {
	var equity float64
	err := a.db.QueryRow(`
	SELECT equity FROM equity_snapshots WHERE snapshot_date = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		day.UTC().Format("2006-01-02")).Scan(&equity)
	return equity, err
}

// LogSystemEvent 记录一条操作员或安全事件
func (a *Archive) LogSystemEvent(eventType, symbol, reason string, at time.Time) error {
	query := `INSERT INTO system_events (event_type, symbol, reason, created_at) VALUES (?, ?, ?, ?)`
	if _, err := a.db.Exec(query, eventType, symbol, reason, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to log system event %s: %w", eventType, err)
	}
	return nil
}

// EventCount 返回 eventType 类事件的记录数
func (a *Archive) EventCount(eventType string) (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM system_events WHERE event_type = ?`, eventType).Scan(&n)
	return n, err
}

func (a *Archive) Close() error {
	return a.db.Close()
}
