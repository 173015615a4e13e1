package main

import (
	"binance-regime-bot-go/internal/logger"
	"binance-regime-bot-go/internal/models"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	apiAddr    string
)

func main() {
	// --- 初始化日志 (提前) ---
	// 加载 .env 和配置文件之前先使用默认配置, 保证这期间的错误也能被记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Debug("未找到 .env 文件，将从系统环境变量中读取。")
	}

	rootCmd := &cobra.Command{
		Use:   "regime-bot",
		Short: "Regime-aware trading bot for Binance USDT-M futures",
		Long: `regime-bot classifies each symbol's market regime, routes it to the
matching strategy and executes risk-sized, bracket-protected trades.
Operator commands talk to a running instance through its HTTP API.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "operator API address (defaults to api.listen from the config)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(flattenCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
