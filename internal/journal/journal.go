// Package journal 是持久化仓库前面的异步写入层。调用方从不
// 因存储而阻塞: 队列满时丢弃记录并写日志, 写入失败会有限次重试。
package journal

import (
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Archive 是与仓库并存的可查询历史记录, 可选
type Archive interface {
	SaveTrade(t models.TradeRecord) error
	SaveEquitySnapshot(s models.AccountSnapshot) error
	LogSystemEvent(eventType, symbol, reason string, at time.Time) error
}

type job struct {
	desc  string
	write func(repo persistence.Repository) error
}

// Journal 在一个 goroutine 中串行写入仓库
type Journal struct {
	repo      persistence.Repository
	archive   Archive
	jobs      chan job
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
	attempts  int
	retryWait time.Duration
	dropped   atomic.Int64
	failed    atomic.Int64
	now       func() time.Time
}

// New 创建指定队列长度的 Journal
func New(repo persistence.Repository, queueSize int, logger *zap.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Journal{
		repo:      repo,
		jobs:      make(chan job, queueSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
		attempts:  3,
		retryWait: 200 * time.Millisecond,
		now:       time.Now,
	}
}

// WithArchive 把成交、账户快照和操作员事件同步写入 a。
// 必须在 Start 之前调用。
func (j *Journal) WithArchive(a Archive) *Journal {
	j.archive = a
	return j
}

// Start 启动持久化循环
func (j *Journal) Start() {
	go j.persistenceLoop()
	j.logger.Info("journal started")
}

// Stop 写完队列中的记录后停止循环
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopChan)
		<-j.done
		j.logger.Info("journal stopped",
			zap.Int64("dropped", j.dropped.Load()),
			zap.Int64("failed", j.failed.Load()))
	})
}

// Record 以 kind 记录 payload, 从不阻塞
func (j *Journal) Record(kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Error("journal payload not encodable", zap.String("kind", kind), zap.Error(err))
		return
	}
	entry := models.JournalEntry{Kind: kind, At: j.now(), Payload: data}
	j.enqueue(job{desc: kind, write: func(repo persistence.Repository) error {
		return repo.Append(entry)
	}})
	if j.archive != nil {
		j.mirror(kind, payload, entry.At)
	}
}

func (j *Journal) mirror(kind string, payload interface{}, at time.Time) {
	switch kind {
	case persistence.KindTrade:
		trade, ok := payload.(models.TradeRecord)
		if !ok {
			return
		}
		j.enqueue(job{desc: "archive-trade", write: func(persistence.Repository) error {
			return j.archive.SaveTrade(trade)
		}})
	case persistence.KindEvent:
		fields, ok := payload.(map[string]string)
		if !ok {
			return
		}
		j.enqueue(job{desc: "archive-event", write: func(persistence.Repository) error {
			return j.archive.LogSystemEvent(fields["event"], fields["symbol"], fields["reason"], at)
		}})
	}
}

// SaveAccount 把权益快照加入归档队列。
// 没有归档时什么也不做。
func (j *Journal) SaveAccount(snapshot models.AccountSnapshot) {
	if j.archive == nil {
		return
	}
	j.enqueue(job{desc: "archive-equity", write: func(persistence.Repository) error {
		return j.archive.SaveEquitySnapshot(snapshot)
	}})
}

// SaveRegimeState 把状态识别快照加入队列
func (j *Journal) SaveRegimeState(state models.RegimeState) {
	j.enqueue(job{desc: "regime-state", write: func(repo persistence.Repository) error {
		return repo.SaveRegimeState(state)
	}})
}

// SaveRiskState 把风控状态快照加入队列, 状态会被复制
func (j *Journal) SaveRiskState(state models.RiskState) {
	j.enqueue(job{desc: "risk-state", write: func(repo persistence.Repository) error {
		return repo.SaveRiskState(&state)
	}})
}

// SaveLedger 把账本快照加入队列。调用方之后不能再修改它。
func (j *Journal) SaveLedger(snapshot *models.LedgerSnapshot) {
	j.enqueue(job{desc: "ledger", write: func(repo persistence.Repository) error {
		return repo.SaveLedger(snapshot)
	}})
}

// Recent 直接从仓库读取记录
func (j *Journal) Recent(kind string, limit int) ([]models.JournalEntry, error) {
	return j.repo.Recent(kind, limit)
}

// Dropped 返回因队列已满而丢弃的记录数
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Failed 返回重试耗尽仍写入失败的次数
func (j *Journal) Failed() int64 { return j.failed.Load() }

func (j *Journal) enqueue(jb job) {
	select {
	case <-j.stopChan:
		j.dropped.Add(1)
		j.logger.Warn("journal stopped, entry dropped", zap.String("what", jb.desc))
		return
	default:
	}
	select {
	case j.jobs <- jb:
	default:
		j.dropped.Add(1)
		j.logger.Error("journal queue full, entry dropped", zap.String("what", jb.desc))
	}
}

// persistenceLoop 逐个写入任务直到停止, 然后清空队列
func (j *Journal) persistenceLoop() {
	defer close(j.done)
	for {
		select {
		case jb := <-j.jobs:
			j.write(jb)
		case <-j.stopChan:
			for {
				select {
				case jb := <-j.jobs:
					j.write(jb)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(jb job) {
	var err error
	for attempt := 1; attempt <= j.attempts; attempt++ {
		if err = jb.write(j.repo); err == nil {
			return
		}
		j.logger.Warn("journal write failed",
			zap.String("what", jb.desc),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < j.attempts {
			time.Sleep(j.retryWait)
		}
	}
	j.failed.Add(1)
	j.logger.Error("journal write abandoned", zap.String("what", jb.desc), zap.Error(err))
}

// Recorder 是交易组件使用的日志写入接口
type Recorder interface {
	Record(kind string, payload interface{})
}

type discard struct{}

func (discard) Record(string, interface{}) {}

// Discard 丢弃所有记录
var Discard Recorder = discard{}
