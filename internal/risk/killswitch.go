package risk

import (
	"sync"
	"sync/atomic"
	"time"
)

// KillSwitch 是进程级的停止开关。Active 只是一次原子读取,
// 每个循环都能立即看到触发。
type KillSwitch struct {
	active atomic.Bool

	mu     sync.Mutex
	reason string
	since  time.Time
}

func NewKillSwitch() *KillSwitch { return &KillSwitch{} }

// Trip 触发开关。已经触发时返回 false, 保留第一次的原因。
func (k *KillSwitch) Trip(reason string, at time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active.Load() {
		return false
	}
	k.reason = reason
	k.since = at
	k.active.Store(true)
	return true
}

// Clear 解除开关, 只应由操作员的显式恢复调用
func (k *KillSwitch) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active.Store(false)
	k.reason = ""
	k.since = time.Time{}
}

func (k *KillSwitch) Active() bool { return k.active.Load() }

// Reason 返回触发原因, 未触发时为 ""
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// Since 返回触发时间, 未触发时为零值
func (k *KillSwitch) Since() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.since
}
