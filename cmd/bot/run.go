package main

import (
	"binance-regime-bot-go/internal/alert"
	"binance-regime-bot-go/internal/api"
	"binance-regime-bot-go/internal/bot"
	"binance-regime-bot-go/internal/config"
	"binance-regime-bot-go/internal/exchange"
	"binance-regime-bot-go/internal/execution"
	"binance-regime-bot-go/internal/features"
	"binance-regime-bot-go/internal/journal"
	"binance-regime-bot-go/internal/ledger"
	"binance-regime-bot-go/internal/logger"
	"binance-regime-bot-go/internal/metrics"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/reconcile"
	"binance-regime-bot-go/internal/regime"
	"binance-regime-bot-go/internal/risk"
	"binance-regime-bot-go/internal/storage"
	"binance-regime-bot-go/internal/strategy"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop (live or paper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("无法加载配置文件: %w", err)
			}
			if mode != "" {
				cfg.Mode = mode
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}

			// --- 使用文件中的配置重新初始化日志 ---
			logger.InitLogger(cfg.LogConfig)
			defer logger.S().Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode: live or paper")
	return cmd
}

// runBot 组装所有组件并运行直到 ctx 结束
func runBot(ctx context.Context, cfg *models.Config) error {
	log := logger.L()
	log.Info("--- 启动交易机器人 ---", zap.String("mode", cfg.Mode), zap.Strings("symbols", cfg.Symbols))

	ex, err := newExchange(ctx, cfg, log)
	if err != nil {
		return err
	}

	// --- 持久化 ---
	repo, err := persistence.NewBadgerRepository(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer repo.Close()
	jr := journal.New(repo, 1024, logger.Named("journal"))
	if cfg.Storage.TradeDB != "" {
		archive, err := storage.Open(cfg.Storage.TradeDB)
		if err != nil {
			return fmt.Errorf("打开成交归档失败: %w", err)
		}
		defer archive.Close()
		jr.WithArchive(archive)
	}
	jr.Start()
	defer jr.Stop()

	// --- 告警 ---
	sinks := []alert.Notifier{alert.NewLogNotifier(logger.Named("alert"))}
	if tg := alert.NewTelegram(os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID")); tg != nil {
		sinks = append(sinks, tg)
	} else {
		log.Info("未配置 Telegram，告警只写入日志")
	}
	dispatcher := alert.NewDispatcher(alert.ParseSeverity(cfg.Alerts.MinSeverity), cfg.Alerts.QueueSize, logger.Named("alert"), sinks...)
	dispatcher.Start()
	defer dispatcher.Stop()

	m := metrics.New()
	hub := api.NewHub(256, logger.Named("ws"))
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	book := ledger.New()
	riskEngine := risk.NewEngine(cfg.Risk, cfg.Exchange.Leverage, risk.NewKillSwitch(), dispatcher, logger.Named("risk"))
	executor := execution.NewEngine(cfg.Execution, cfg.Exchange, execution.Deps{
		Exchange: ex,
		Ledger:   book,
		Kill:     riskEngine.KillSwitch(),
		Risk:     riskEngine,
		Cooldown: cfg.Strategies.Cooldown(),
		Notifier: dispatcher,
		Journal:  jr,
		Metrics:  m,
		Logger:   logger.Named("execution"),
	})
	provider := features.NewProvider(ex, cfg.Timeframes, cfg.Indicators)
	recon := reconcile.New(cfg.Reconcile, cfg.Strategies.Cooldown(), cfg.Symbols, reconcile.Deps{
		Exchange: ex,
		Executor: executor,
		Ledger:   book,
		Risk:     riskEngine,
		ATR:      provider,
		Notifier: dispatcher,
		Journal:  jr,
		Metrics:  m,
		Logger:   logger.Named("reconcile"),
	})

	regimeBot := bot.NewRegimeTradingBot(cfg, bot.Deps{
		Exchange:    ex,
		Features:    provider,
		Classifier:  regime.NewClassifier(cfg.Regime),
		Router:      strategy.NewRouter(cfg.Strategies, logger.Named("strategy")),
		Risk:        riskEngine,
		Executor:    executor,
		Reconciler:  recon,
		Ledger:      book,
		Store:       jr,
		Repository:  repo,
		Notifier:    dispatcher,
		Metrics:     m,
		Broadcaster: hub,
		Logger:      logger.Named("bot"),
	})

	// --- 操作员 API ---
	var server *api.Server
	if cfg.API.Enabled {
		token := os.Getenv("OPERATOR_API_TOKEN")
		if token == "" {
			log.Warn("OPERATOR_API_TOKEN 未设置，API 只提供只读接口")
		}
		server = api.NewServer(cfg.API.Listen, token, regimeBot, hub, m.Handler(), logger.Named("api"))
		server.Start()
	}

	if err := regimeBot.Start(ctx); err != nil {
		return fmt.Errorf("机器人启动失败: %w", err)
	}
	_ = dispatcher.Notify(context.Background(), alert.Info, fmt.Sprintf("Bot started in %s mode for %v", cfg.Mode, cfg.Symbols))

	// 等待中断信号以实现优雅退出
	<-ctx.Done()
	log.Info("收到退出信号，正在停止...")

	regimeBot.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("operator API shutdown", zap.Error(err))
		}
	}
	log.Info("机器人已成功停止，状态已保存。")
	return nil
}

// newExchange 根据模式创建交易所: live 直接下单, paper 使用真实行情与模拟撮合
func newExchange(ctx context.Context, cfg *models.Config, log *zap.Logger) (exchange.Exchange, error) {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if cfg.Mode == "live" && (apiKey == "" || secretKey == "") {
		return nil, fmt.Errorf("live 模式必须设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量")
	}
	if cfg.Exchange.Testnet {
		log.Info("正在使用币安测试网...")
	} else {
		log.Info("正在使用币安生产网...")
	}

	timeout := cfg.Exchange.CallTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, 4*timeout)
	defer cancel()
	live, err := exchange.NewLiveExchange(initCtx, apiKey, secretKey, cfg.Exchange.Testnet, timeout, logger.Named("exchange"))
	if err != nil {
		return nil, fmt.Errorf("初始化交易所失败: %w", err)
	}
	if cfg.Mode == "live" {
		return live, nil
	}

	paper := exchange.NewPaperExchange(cfg.Exchange.PaperBalance, cfg.Exchange.PaperFeeRate, live)
	for _, symbol := range cfg.Symbols {
		f, err := live.SymbolFilters(initCtx, symbol)
		if err != nil {
			return nil, fmt.Errorf("获取 %s 交易规则失败: %w", symbol, err)
		}
		paper.SetFilters(*f)
	}
	log.Info("模拟盘已就绪", zap.Float64("balance", cfg.Exchange.PaperBalance))
	return paper, nil
}
