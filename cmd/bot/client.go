package main

import (
	"binance-regime-bot-go/internal/api"
	"binance-regime-bot-go/internal/config"
	"binance-regime-bot-go/internal/models"
	"binance-regime-bot-go/internal/persistence"
	"binance-regime-bot-go/internal/reporter"
	"binance-regime-bot-go/internal/storage"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient 调用正在运行的实例的操作员 API
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() *apiClient {
	addr := apiAddr
	if addr == "" {
		cfg := config.Default()
		if loaded, err := config.LoadConfig(configPath); err == nil {
			cfg = loaded
		}
		addr = cfg.API.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base:  strings.TrimRight(addr, "/"),
		token: os.Getenv("OPERATOR_API_TOKEN"),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, query url.Values, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set(api.TokenHeader, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("无法连接到 %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) command(action string, args []string) (map[string]string, error) {
	q := url.Values{}
	if len(args) > 0 {
		q.Set("symbol", strings.ToUpper(args[0]))
	}
	var out map[string]string
	err := c.do(http.MethodPost, "/api/"+action, q, &out)
	return out, err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show regimes, positions and risk state of a running bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.Status
			if err := newAPIClient().do(http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reporter.RenderStatus(st))
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [symbol]",
		Short: "Stop opening new positions (all symbols when none is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient().command("pause", args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused: %s\n", out["paused"])
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [symbol]",
		Short: "Resume trading; a global resume also clears the kill switch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient().command("resume", args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed: %s\n", out["resumed"])
			return nil
		},
	}
}

func flattenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flatten [symbol|all]",
		Short: "Cancel protective orders and close positions at market",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient().command("flatten", args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flattened: %s\n", out["flattened"])
			return nil
		},
	}
}

func journalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal <kind>",
		Short: "Print recent journal entries (regime, signal, rejection, plan, execution, reconciliation, risk, trade, error)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []models.JournalEntry
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := newAPIClient().do(http.MethodGet, "/api/journal/"+args[0], q, &entries); err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.At.Format(time.RFC3339), e.Payload)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		limit         int
		initialEquity float64
		dbPath        string
		days          int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise closed trades from the sqlite archive or a running bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				trades []models.TradeRecord
				err    error
			)
			if dbPath != "" {
				trades, err = archivedTrades(dbPath, days, limit)
			} else {
				trades, err = newAPIClient().trades(limit)
			}
			if err != nil {
				return err
			}

			if initialEquity <= 0 {
				if dbPath != "" {
					return fmt.Errorf("--initial-equity is required with --db")
				}
				var st models.Status
				if err := newAPIClient().do(http.MethodGet, "/api/status", nil, &st); err != nil {
					return err
				}
				initialEquity = st.Risk.Equity
				for _, t := range trades {
					initialEquity -= t.RealizedPnL
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), reporter.RenderReport(reporter.Summarize(trades, initialEquity)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "number of most recent trades")
	cmd.Flags().Float64Var(&initialEquity, "initial-equity", 0, "equity before the first trade (derived from the running bot when 0)")
	cmd.Flags().StringVar(&dbPath, "db", "", "read trades from this sqlite archive instead of the API")
	cmd.Flags().IntVar(&days, "days", 0, "only trades closed in the last N days (with --db)")
	return cmd
}

func (c *apiClient) trades(limit int) ([]models.TradeRecord, error) {
	var entries []models.JournalEntry
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.do(http.MethodGet, "/api/journal/"+persistence.KindTrade, q, &entries); err != nil {
		return nil, err
	}
	trades := make([]models.TradeRecord, 0, len(entries))
	for _, e := range entries {
		var t models.TradeRecord
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func archivedTrades(path string, days, limit int) ([]models.TradeRecord, error) {
	archive, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	defer archive.Close()
	var since time.Time
	if days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}
	return archive.Trades(since, limit)
}
