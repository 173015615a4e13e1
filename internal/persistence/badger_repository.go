package persistence

import (
	"binance-regime-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
)

var (
	riskKey       = []byte("state/risk")
	ledgerKey     = []byte("state/ledger")
	regimePrefix  = []byte("state/regime/")
	journalPrefix = "journal/"
)

// badgerRepository 是 Repository 的 BadgerDB 实现
type badgerRepository struct {
	db  *badger.DB
	seq atomic.Uint64
}

// NewBadgerRepository 在 dbPath 打开 (或创建) BadgerDB 数据库
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger 自身的日志太多, 错误仍会通过返回值传回
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryRepository 创建不落盘的 BadgerDB 仓库
func NewInMemoryRepository() (Repository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (Repository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// journalKey 先按时间排序, 再按进程内序号排序
func (r *badgerRepository) journalKey(entry models.JournalEntry) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d-%010d", journalPrefix, entry.Kind, entry.At.UnixNano(), r.seq.Add(1)))
}

func (r *badgerRepository) Append(entry models.JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := r.journalKey(entry)
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (r *badgerRepository) Recent(kind string, limit int) ([]models.JournalEntry, error) {
	prefix := []byte(journalPrefix + kind + "/")
	var out []models.JournalEntry
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry models.JournalEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (r *badgerRepository) SaveRegimeState(state models.RegimeState) error {
	return r.put(append(append([]byte(nil), regimePrefix...), state.Symbol...), state)
}

func (r *badgerRepository) LoadRegimeStates() (map[string]models.RegimeState, error) {
	states := make(map[string]models.RegimeState)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = regimePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(regimePrefix); it.Next() {
			var state models.RegimeState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); err != nil {
				return err
			}
			states[state.Symbol] = state
		}
		return nil
	})
	return states, err
}

func (r *badgerRepository) SaveRiskState(state *models.RiskState) error {
	return r.put(riskKey, state)
}

func (r *badgerRepository) LoadRiskState() (*models.RiskState, error) {
	var state models.RiskState
	found, err := r.get(riskKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (r *badgerRepository) SaveLedger(snapshot *models.LedgerSnapshot) error {
	return r.put(ledgerKey, snapshot)
}

func (r *badgerRepository) LoadLedger() (*models.LedgerSnapshot, error) {
	var snapshot models.LedgerSnapshot
	found, err := r.get(ledgerKey, &snapshot)
	if err != nil || !found {
		return nil, err
	}
	return &snapshot, nil
}

// Close 关闭数据库连接
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

func (r *badgerRepository) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get 把 key 对应的值解码到 v。key 不存在时返回 (false, nil)。
func (r *badgerRepository) get(key []byte, v interface{}) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("stored value is empty")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
