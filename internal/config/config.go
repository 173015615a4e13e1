package config

import (
	"binance-regime-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default 返回带有全部默认值的配置, 加载文件时在其基础上覆盖
func Default() *models.Config {
	return &models.Config{
		Mode:    "paper",
		Symbols: []string{"BTCUSDT"},
		Exchange: models.ExchangeConfig{
			Testnet:        true,
			Leverage:       5,
			MarginType:     "ISOLATED",
			CallTimeoutSec: 10,
			PaperBalance:   10000,
			PaperFeeRate:   0.0004,
		},
		Timeframes: models.TimeframeConfig{Trend: "4h", Setup: "1h", Entry: "15m", Lookback: 300},
		Indicators: models.IndicatorConfig{
			EMAFast:          20,
			EMASlow:          50,
			RSIPeriod:        14,
			ATRPeriod:        14,
			BBPeriod:         20,
			BBStdDev:         2,
			ADXPeriod:        14,
			SlopeBars:        5,
			BandWidthROCBars: 5,
			BaselineBars:     50,
			EfficiencyBars:   20,
		},
		Regime: models.RegimeConfig{
			TrendADX:             25,
			TrendEMASeparation:   0.003,
			RangeADX:             20,
			RangeBandWidth:       0.05,
			RangeMRScore:         0.6,
			BreakoutBandWidthROC: 0.3,
			ATRSpikeMultiplier:   1.8,
			ConfirmPasses:        3,
			OverrideConfidence:   0.9,
			Priority:             []string{"TREND", "RANGE", "BREAKOUT"},
		},
		Strategies: models.StrategiesConfig{
			TrendPullback: models.TrendPullbackConfig{
				Enabled:          true,
				RSILow:           40,
				RSIHigh:          60,
				SwingLookback:    10,
				StopBufferPct:    0.001,
				StrongCloseRatio: 0.7,
				TargetRR:         2.5,
				MinRR:            2.0,
			},
			MeanReversion: models.MeanReversionConfig{
				Enabled:       true,
				RSIOversold:   35,
				RSIOverbought: 65,
				SwingLookback: 5,
				StopBufferPct: 0.001,
				MinRR:         1.2,
			},
			Breakout: models.BreakoutConfig{
				Enabled:              false,
				CompressionBandWidth: 0.04,
				ExpansionFactor:      1.5,
				RangeLookback:        20,
				StopATRMult:          1.0,
				TargetRR:             2.0,
				MinRR:                1.5,
			},
			CooldownMinutes: 60,
		},
		Risk: models.RiskConfig{
			RiskPct: 0.005,
			Sizing: models.RiskSizingConfig{
				Mode:          "fixed",
				MinPct:        0.0025,
				MaxPct:        0.0075,
				MinConfidence: 0.2,
				Exponent:      2,
			},
			MaxPositions:      3,
			MaxOpenRiskPct:    0.02,
			MaxDailyLossPct:   0.03,
			MaxWeeklyLossPct:  0.06,
			MaxMonthlyLossPct: 0.10,
			EquityStaleSec:    180,
			MaxStopATRMult:    3.0,
			MaxNotionalPct:    3.0,
		},
		Execution: models.ExecutionConfig{
			MaxAttempts:        3,
			BackoffMinMs:       1000,
			BackoffMaxMs:       8000,
			BackoffFactor:      2,
			ProtectionAttempts: 4,
			FillTimeoutSec:     15,
			FillPollMs:         500,
		},
		Reconcile: models.ReconcileConfig{
			IntervalSec:            60,
			QuantityToleranceSteps: 0.5,
			StopATRMult:            2.0,
			TakeProfitATRMult:      3.0,
			FallbackStopPct:        0.02,
			FallbackTakeProfitPct:  0.03,
		},
		Scheduler: models.SchedulerConfig{TickIntervalSec: 60, StatusIntervalSec: 300},
		API:       models.APIConfig{Enabled: true, Listen: "127.0.0.1:8080"},
		Storage:   models.StorageConfig{Path: "data/state", TradeDB: "data/trades.db"},
		Alerts:    models.AlertConfig{MinSeverity: "warning", QueueSize: 64},
		LogConfig: models.LogConfig{Level: "info", Output: "console", File: "logs/bot.log", MaxSize: 50, MaxBackups: 5, MaxAge: 30},
	}
}

// LoadConfig 从指定路径加载JSON或YAML配置文件, 未出现的字段保留默认值
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性
func Validate(cfg *models.Config) error {
	if cfg.Mode != "live" && cfg.Mode != "paper" {
		return fmt.Errorf("mode 必须是 live 或 paper, 当前为 %q", cfg.Mode)
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols 不能为空")
	}
	if cfg.Timeframes.Trend == "" || cfg.Timeframes.Setup == "" || cfg.Timeframes.Entry == "" {
		return fmt.Errorf("timeframes.trend/setup/entry 必须全部设置")
	}
	if cfg.Regime.ConfirmPasses < 1 {
		return fmt.Errorf("regime.confirm_passes 必须 >= 1")
	}
	if cfg.Regime.OverrideConfidence <= 0 || cfg.Regime.OverrideConfidence > 1 {
		return fmt.Errorf("regime.override_confidence 必须在 (0,1] 区间")
	}
	seen := map[string]bool{}
	for _, p := range cfg.Regime.Priority {
		switch p {
		case "TREND", "RANGE", "BREAKOUT":
		default:
			return fmt.Errorf("regime.priority 包含未知的状态 %q", p)
		}
		if seen[p] {
			return fmt.Errorf("regime.priority 中 %q 重复", p)
		}
		seen[p] = true
	}
	if cfg.Risk.RiskPct <= 0 || cfg.Risk.RiskPct > 0.05 {
		return fmt.Errorf("risk.risk_pct 必须在 (0,0.05] 区间")
	}
	switch cfg.Risk.Sizing.Mode {
	case "", "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("risk.sizing.mode 未知: %q", cfg.Risk.Sizing.Mode)
	}
	if cfg.Risk.Sizing.Mode == "linear" || cfg.Risk.Sizing.Mode == "exponential" {
		if cfg.Risk.Sizing.MinPct <= 0 || cfg.Risk.Sizing.MaxPct < cfg.Risk.Sizing.MinPct {
			return fmt.Errorf("risk.sizing 需要 0 < min_pct <= max_pct")
		}
	}
	if cfg.Risk.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions 必须 >= 1")
	}
	if cfg.Execution.MaxAttempts < 1 || cfg.Execution.ProtectionAttempts < 1 {
		return fmt.Errorf("execution.max_attempts 和 protection_attempts 必须 >= 1")
	}
	if cfg.Exchange.Leverage < 1 || cfg.Exchange.Leverage > 125 {
		return fmt.Errorf("exchange.leverage 必须在 1..125 之间")
	}
	if cfg.Exchange.MarginType != "ISOLATED" && cfg.Exchange.MarginType != "CROSSED" {
		return fmt.Errorf("exchange.margin_type 必须是 ISOLATED 或 CROSSED")
	}
	if cfg.Exchange.HedgeMode {
		// 下单不带 positionSide, 只支持单向持仓模式
		return fmt.Errorf("exchange.hedge_mode 不受支持: 机器人只支持单向持仓 (one-way) 模式")
	}
	if cfg.Scheduler.TickIntervalSec < 1 || cfg.Reconcile.IntervalSec < 1 {
		return fmt.Errorf("tick_interval_sec 和 reconcile.interval_sec 必须 >= 1")
	}
	return nil
}
