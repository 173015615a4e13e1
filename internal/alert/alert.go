// Package alert 负责向操作员发送通知
package alert

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Severity 告警级别, 数值越大越紧急
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity 把配置字符串转换为 Severity, 未知值按 Info 处理
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return Warning
	case "critical":
		return Critical
	default:
		return Info
	}
}

// Notifier 发送一条告警
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string) error
}

// LogNotifier 把告警写入结构化日志
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, severity Severity, message string) error {
	switch severity {
	case Critical:
		n.logger.Error("ALERT", zap.String("severity", severity.String()), zap.String("message", message))
	case Warning:
		n.logger.Warn("ALERT", zap.String("severity", severity.String()), zap.String("message", message))
	default:
		n.logger.Info("ALERT", zap.String("severity", severity.String()), zap.String("message", message))
	}
	return nil
}

type queued struct {
	severity Severity
	message  string
}

// Dispatcher 在后台 goroutine 中把告警分发给所有通道,
// 交易路径上的调用方不会等待缓慢的发送。
type Dispatcher struct {
	sinks       []Notifier
	minSeverity Severity
	queue       chan queued
	stopChan    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	logger      *zap.Logger
}

// NewDispatcher 创建分发器。低于 minSeverity 的告警直接丢弃。
func NewDispatcher(minSeverity Severity, queueSize int, logger *zap.Logger, sinks ...Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		sinks:       sinks,
		minSeverity: minSeverity,
		queue:       make(chan queued, queueSize),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

func (d *Dispatcher) Start() {
	go d.loop()
}

// Stop 发送完队列中的告警后返回
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		<-d.done
	})
}

// Notify 把告警放入队列, 从不阻塞; 队列满时只记录日志
func (d *Dispatcher) Notify(_ context.Context, severity Severity, message string) error {
	if severity < d.minSeverity {
		return nil
	}
	select {
	case d.queue <- queued{severity: severity, message: message}:
	default:
		d.logger.Error("alert queue full, alert dropped",
			zap.String("severity", severity.String()),
			zap.String("message", message))
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case a := <-d.queue:
			d.deliver(a)
		case <-d.stopChan:
			for {
				select {
				case a := <-d.queue:
					d.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(a queued) {
	for _, s := range d.sinks {
		if err := s.Notify(context.Background(), a.severity, a.message); err != nil {
			d.logger.Warn("alert sink failed", zap.Error(err))
		}
	}
}
