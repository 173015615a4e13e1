package exchange

import (
	"binance-regime-bot-go/internal/models"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveExchange 实现了 Exchange 接口，用于与币安USDT本位合约交易所进行交互。
type LiveExchange struct {
	client  *futures.Client
	logger  *zap.Logger
	mu      sync.RWMutex
	filters map[string]*models.SymbolFilters
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(ctx context.Context, apiKey, secretKey string, testnet bool, timeout time.Duration, logger *zap.Logger) (*LiveExchange, error) {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{Timeout: timeout}

	e := &LiveExchange{
		client:  client,
		logger:  logger,
		filters: make(map[string]*models.SymbolFilters),
	}

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", classify("server time", err))
	}
	logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffsetMs", offset), zap.Bool("testnet", testnet))
	return e, nil
}

// GetKlines 返回已收盘和未收盘的K线, 最早的在前
func (e *LiveExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// PlaceOrder 下单, clientOrderID 由调用方确定以保证幂等。
func (e *LiveExchange) PlaceOrder(ctx context.Context, spec models.OrderSpec, clientOrderID string) (*models.Order, error) {
	filters, err := e.SymbolFilters(ctx, spec.Symbol)
	if err != nil {
		return nil, err
	}

	svc := e.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderType(spec.Type)).
		NewClientOrderID(clientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if spec.Quantity > 0 {
		svc = svc.Quantity(filters.FormatQty(spec.Quantity))
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if spec.StopPrice > 0 {
		svc = svc.StopPrice(filters.FormatPrice(spec.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if spec.Type == models.OrderTypeLimit {
		svc = svc.Price(filters.FormatPrice(spec.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	}

	e.logger.Info("提交订单",
		zap.String("symbol", spec.Symbol),
		zap.String("leg", string(spec.Leg)),
		zap.String("side", string(spec.Side)),
		zap.String("type", string(spec.Type)),
		zap.Float64("qty", spec.Quantity),
		zap.Float64("stopPrice", spec.StopPrice),
		zap.String("clientOrderId", clientOrderID))

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place order", err)
	}
	return &models.Order{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          models.Side(res.Side),
		Type:          models.OrderType(res.Type),
		Status:        models.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		OrigQty:       parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
		ReduceOnly:    res.ReduceOnly,
		ClosePosition: res.ClosePosition,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// GetOrder 通过 clientOrderId 查询订单
func (e *LiveExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}
	order := convertOrder(o)
	return &order, nil
}

// CancelOrder 取消订单
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return classify("cancel order", err)
}

// GetOpenOrders 获取当前所有挂单
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	list, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("open orders", err)
	}
	orders := make([]models.Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, convertOrder(o))
	}
	return orders, nil
}

// GetPosition 返回单向持仓模式下的仓位, 无仓位时 Amount 为 0
func (e *LiveExchange) GetPosition(ctx context.Context, symbol string) (*models.ExchangePosition, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("position risk", err)
	}
	pos := &models.ExchangePosition{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 && pos.Amount != 0 {
			continue
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		pos.Amount = amt
		pos.EntryPrice = parseFloat(r.EntryPrice)
		pos.MarkPrice = parseFloat(r.MarkPrice)
		pos.UnrealizedPnL = parseFloat(r.UnRealizedProfit)
		pos.Leverage = leverage
		pos.MarginType = r.MarginType
	}
	return pos, nil
}

// GetAccount 获取账户权益快照
func (e *LiveExchange) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	acc, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("account", err)
	}
	return &models.AccountSnapshot{
		Equity:        parseFloat(acc.TotalMarginBalance),
		WalletBalance: parseFloat(acc.TotalWalletBalance),
		Available:     parseFloat(acc.AvailableBalance),
		UnrealizedPnL: parseFloat(acc.TotalUnrealizedProfit),
		Timestamp:     time.Now(),
	}, nil
}

// SetLeverage 设置杠杆
func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return classify("set leverage", err)
}

// SetMarginType 设置保证金模式, "No need to change" 视为成功
func (e *LiveExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	err := e.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginType(marginType)).Do(ctx)
	return classify("set margin type", err)
}

// SetPositionMode 设置持仓模式 (true 为双向持仓)
func (e *LiveExchange) SetPositionMode(ctx context.Context, hedge bool) error {
	err := e.client.NewChangePositionModeService().DualSide(hedge).Do(ctx)
	return classify("set position mode", err)
}

// GetPositionMode 查询当前持仓模式
func (e *LiveExchange) GetPositionMode(ctx context.Context) (bool, error) {
	mode, err := e.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return false, classify("get position mode", err)
	}
	return mode.DualSidePosition, nil
}

// SymbolFilters 从 exchangeInfo 读取交易规则, 结果按交易对缓存
func (e *LiveExchange) SymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	e.mu.RLock()
	f, ok := e.filters[symbol]
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("exchange info", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range info.Symbols {
		s := info.Symbols[i]
		filters := models.SymbolFilters{Symbol: s.Symbol}
		if lot := s.LotSizeFilter(); lot != nil {
			filters.StepSize = parseDecimal(lot.StepSize)
			filters.MinQty = parseDecimal(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			filters.TickSize = parseDecimal(pf.TickSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			filters.MinNotional = parseDecimal(mn.Notional)
		}
		e.filters[s.Symbol] = &filters
	}
	f, ok = e.filters[symbol]
	if !ok {
		return nil, Rejected(0, fmt.Sprintf("symbol %s not listed", symbol))
	}
	return f, nil
}

func convertOrder(o *futures.Order) models.Order {
	return models.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        models.OrderStatus(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
