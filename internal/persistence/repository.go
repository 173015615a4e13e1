package persistence

import "binance-regime-bot-go/internal/models"

// 日志类型
const (
	KindRegime         = "regime"
	KindSignal         = "signal"
	KindRejection      = "rejection"
	KindPlan           = "plan"
	KindExecution      = "execution"
	KindFill           = "fill"
	KindReconciliation = "reconciliation"
	KindRisk           = "risk"
	KindTrade          = "trade"
	KindError          = "error"
	KindEvent          = "event"
)

// Repository 抽象了日志和状态快照背后的存储
type Repository interface {
	// Append 写入一条日志记录, 写入后不再修改
	Append(entry models.JournalEntry) error

	// Recent 返回某类日志最近的 limit 条记录, 最新的在前
	Recent(kind string, limit int) ([]models.JournalEntry, error)

	// SaveRegimeState 保存一个交易对已确认的状态
	SaveRegimeState(state models.RegimeState) error

	// LoadRegimeStates 返回所有已保存的状态, 按交易对索引
	LoadRegimeStates() (map[string]models.RegimeState, error)

	// SaveRiskState 保存风控记录
	SaveRiskState(state *models.RiskState) error

	// LoadRiskState 加载风控记录。没有记录时返回 (nil, nil)。
	LoadRiskState() (*models.RiskState, error)

	// SaveLedger 保存账本快照
	SaveLedger(snapshot *models.LedgerSnapshot) error

	// LoadLedger 加载账本快照。没有快照时返回 (nil, nil)。
	LoadLedger() (*models.LedgerSnapshot, error)

	// Close 关闭数据库连接
	Close() error
}
