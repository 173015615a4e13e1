// Package retry 提供执行和对账共用的重试策略
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy 限定一个操作的重试次数和间隔
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool
	// Retryable 判断错误是否值得再试一次
	Retryable func(error) bool
	// CallTimeout 限定每次尝试的时长, 零表示只使用调用方的 context
	CallTimeout time.Duration
	// OnRetry 在等待之前调用, 可以为 nil
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do 反复执行 op, 直到成功、遇到不可重试的错误或次数用尽。
// 返回最后一次的错误。
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: p.Jitter}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.call(ctx, op)
		if err == nil {
			return nil
		}
		if attempt == attempts || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		wait := b.Duration()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (p Policy) call(ctx context.Context, op func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// WithAttempts 返回修改了最大尝试次数的副本
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}
