package exchange

import (
	"binance-regime-bot-go/internal/models"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// KlineSource 为模拟交易所提供行情数据
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// FailureHook 用于向模拟交易所的操作注入错误。
// op 取值为 "place", "get", "cancel", "open-orders", "position", "account"。
// 不涉及订单的操作 spec 为 nil。
type FailureHook func(op string, spec *models.OrderSpec) error

type paperPosition struct {
	amount float64 // 带符号
	entry  float64
}

// PaperExchange 模拟合约交易所: 市价单立即成交, 止损/止盈单在价格触及时成交。
// 既用于 paper 模式, 也作为测试中的确定性交易所。
type PaperExchange struct {
	mu         sync.Mutex
	feed       KlineSource
	balance    float64
	feeRate    float64
	prices     map[string]float64
	klines     map[string]map[string][]models.Candle
	positions  map[string]*paperPosition
	orders     map[int64]*models.Order
	byClientID map[string]int64
	nextID     int64
	filters    map[string]models.SymbolFilters
	leverage   map[string]int
	marginType map[string]string
	hedge      bool
	realized   float64
	totalFees  float64
	hook       FailureHook
	fillRatio  float64
	now        func() time.Time
}

// NewPaperExchange 用给定的钱包余额创建模拟器, feed 可以为 nil
func NewPaperExchange(balance, feeRate float64, feed KlineSource) *PaperExchange {
	return &PaperExchange{
		feed:       feed,
		balance:    balance,
		feeRate:    feeRate,
		prices:     make(map[string]float64),
		klines:     make(map[string]map[string][]models.Candle),
		positions:  make(map[string]*paperPosition),
		orders:     make(map[int64]*models.Order),
		byClientID: make(map[string]int64),
		nextID:     1,
		filters:    make(map[string]models.SymbolFilters),
		leverage:   make(map[string]int),
		marginType: make(map[string]string),
		now:        time.Now,
	}
}

// SetFailureHook 设置或清除 (nil) 故障注入
func (e *PaperExchange) SetFailureHook(h FailureHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = h
}

// SetPartialFill 让开仓市价单只成交 ratio 比例并保持
// PARTIALLY_FILLED。ratio 为 0 或 1 时恢复完全成交。
func (e *PaperExchange) SetPartialFill(ratio float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillRatio = ratio
}

// SetFilters 覆盖交易对的默认交易规则
func (e *PaperExchange) SetFilters(f models.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[f.Symbol] = f
}

// SetKlines 保存某个周期的K线, 并把价格移动到最后收盘价
func (e *PaperExchange) SetKlines(symbol, interval string, candles []models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.klines[symbol] == nil {
		e.klines[symbol] = make(map[string][]models.Candle)
	}
	e.klines[symbol][interval] = append([]models.Candle(nil), candles...)
	if n := len(candles); n > 0 {
		e.setPriceLocked(symbol, candles[n-1].Close)
	}
}

// SetPrice 模拟价格变动, 并检查条件单是否触发
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setPriceLocked(symbol, price)
}

// SetPosition 直接设置一个仓位, 不产生任何订单
func (e *PaperExchange) SetPosition(symbol string, amount, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount == 0 {
		delete(e.positions, symbol)
		return
	}
	e.positions[symbol] = &paperPosition{amount: amount, entry: entry}
	if e.prices[symbol] == 0 {
		e.prices[symbol] = entry
	}
}

// Orders 按下单顺序返回交易对下过的所有订单
func (e *PaperExchange) Orders(symbol string) []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Order
	for _, id := range e.sortedIDs() {
		if o := e.orders[id]; o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// Realized 返回扣除手续费后的累计已实现盈亏
func (e *PaperExchange) Realized() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realized - e.totalFees
}

func (e *PaperExchange) fail(op string, spec *models.OrderSpec) error {
	if e.hook == nil {
		return nil
	}
	return e.hook(op, spec)
}

func (e *PaperExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if e.feed != nil {
		candles, err := e.feed.GetKlines(ctx, symbol, interval, limit)
		if err != nil {
			return nil, err
		}
		if n := len(candles); n > 0 {
			e.SetPrice(symbol, candles[n-1].Close)
		}
		return candles, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	candles := e.klines[symbol][interval]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]models.Candle(nil), candles...), nil
}

func (e *PaperExchange) PlaceOrder(ctx context.Context, spec models.OrderSpec, clientOrderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fail("place", &spec); err != nil {
		return nil, err
	}
	if _, dup := e.byClientID[clientOrderID]; dup {
		return nil, &Error{Kind: KindDuplicate, Code: -4116, Msg: "ClientOrderId is duplicated"}
	}
	filters := e.filtersLocked(spec.Symbol)
	if spec.Quantity <= 0 || spec.Quantity < filters.MinQuantity() {
		return nil, Rejected(-4003, fmt.Sprintf("quantity %v below minimum", spec.Quantity))
	}
	price := e.prices[spec.Symbol]
	if price <= 0 {
		return nil, Rejected(-1121, "no market price for symbol")
	}

	order := &models.Order{
		OrderID:       e.nextID,
		ClientOrderID: clientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        models.OrderStatusNew,
		Price:         spec.Price,
		StopPrice:     spec.StopPrice,
		OrigQty:       spec.Quantity,
		ReduceOnly:    spec.ReduceOnly,
		UpdateTime:    e.now(),
	}

	switch spec.Type {
	case models.OrderTypeMarket:
		pos := e.positions[spec.Symbol]
		if spec.ReduceOnly && (pos == nil || sideSign(spec.Side)*pos.amount >= 0) {
			return nil, Rejected(-2022, "ReduceOnly Order is rejected")
		}
	case models.OrderTypeStopMarket, models.OrderTypeTakeProfitMarket:
		if spec.StopPrice <= 0 {
			return nil, Rejected(-1102, "stopPrice is mandatory")
		}
		if triggered(order, price) {
			return nil, Rejected(-2021, "Order would immediately trigger")
		}
	case models.OrderTypeLimit:
		if spec.Price <= 0 {
			return nil, Rejected(-1102, "price is mandatory")
		}
	default:
		return nil, Rejected(-1116, "invalid order type")
	}

	if notional := spec.Quantity * price; !spec.ReduceOnly && notional < filters.MinNotionalValue() {
		return nil, Rejected(-4164, fmt.Sprintf("notional %.4f below minimum", notional))
	}

	e.nextID++
	e.orders[order.OrderID] = order
	e.byClientID[clientOrderID] = order.OrderID

	if order.Type == models.OrderTypeMarket {
		e.fillLocked(order, price)
	}
	out := *order
	return &out, nil
}

func (e *PaperExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("get", nil); err != nil {
		return nil, err
	}
	id, ok := e.byClientID[clientOrderID]
	if !ok || e.orders[id].Symbol != symbol {
		return nil, &Error{Kind: KindNotFound, Code: -2013, Msg: "Order does not exist"}
	}
	out := *e.orders[id]
	return &out, nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("cancel", nil); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol || !o.Status.Live() {
		return &Error{Kind: KindNotFound, Code: -2011, Msg: "Unknown order sent"}
	}
	o.Status = models.OrderStatusCanceled
	o.UpdateTime = e.now()
	return nil
}

func (e *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("open-orders", nil); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, id := range e.sortedIDs() {
		o := e.orders[id]
		if o.Symbol == symbol && o.Status.Live() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *PaperExchange) GetPosition(ctx context.Context, symbol string) (*models.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("position", nil); err != nil {
		return nil, err
	}
	out := &models.ExchangePosition{
		Symbol:     symbol,
		MarkPrice:  e.prices[symbol],
		Leverage:   e.leverage[symbol],
		MarginType: e.marginType[symbol],
	}
	if p := e.positions[symbol]; p != nil {
		out.Amount = p.amount
		out.EntryPrice = p.entry
		out.UnrealizedPnL = (e.prices[symbol] - p.entry) * p.amount
	}
	return out, nil
}

func (e *PaperExchange) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("account", nil); err != nil {
		return nil, err
	}
	var unrealized float64
	for symbol, p := range e.positions {
		unrealized += (e.prices[symbol] - p.entry) * p.amount
	}
	wallet := e.balance + e.realized - e.totalFees
	return &models.AccountSnapshot{
		Equity:        wallet + unrealized,
		WalletBalance: wallet,
		Available:     wallet + math.Min(unrealized, 0),
		UnrealizedPnL: unrealized,
		Timestamp:     e.now(),
	}, nil
}

func (e *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

func (e *PaperExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marginType[symbol] = marginType
	return nil
}

func (e *PaperExchange) SetPositionMode(ctx context.Context, hedge bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hedge = hedge
	return nil
}

func (e *PaperExchange) GetPositionMode(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hedge, nil
}

func (e *PaperExchange) SymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.filtersLocked(symbol)
	return &f, nil
}

// filtersLocked 返回模拟的交易规则, 未设置时使用通用默认值
func (e *PaperExchange) filtersLocked(symbol string) models.SymbolFilters {
	if f, ok := e.filters[symbol]; ok {
		return f
	}
	return models.NewSymbolFilters(symbol, 0.01, 0.001, 0.001, 5)
}

func (e *PaperExchange) setPriceLocked(symbol string, price float64) {
	e.prices[symbol] = price
	for _, id := range e.sortedIDs() {
		o := e.orders[id]
		if o.Symbol != symbol || !o.Status.Live() || o.Type == models.OrderTypeMarket {
			continue
		}
		if o.Type == models.OrderTypeLimit {
			if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
				e.fillLocked(o, o.Price)
			}
			continue
		}
		if triggered(o, price) {
			e.fillLocked(o, price)
		}
	}
}

// fillLocked 处理一个已成交的订单，更新仓位与已实现盈亏。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *models.Order, price float64) {
	qty := o.OrigQty
	pos := e.positions[o.Symbol]
	if o.ReduceOnly {
		if pos == nil || sideSign(o.Side)*pos.amount >= 0 {
			o.Status = models.OrderStatusExpired
			o.UpdateTime = e.now()
			return
		}
		qty = math.Min(qty, math.Abs(pos.amount))
	}
	partial := false
	if o.Type == models.OrderTypeMarket && !o.ReduceOnly && e.fillRatio > 0 && e.fillRatio < 1 {
		qty = e.filtersLocked(o.Symbol).RoundQty(qty * e.fillRatio)
		partial = qty < o.OrigQty
	}

	delta := sideSign(o.Side) * qty
	e.totalFees += price * qty * e.feeRate

	switch {
	case pos == nil:
		e.positions[o.Symbol] = &paperPosition{amount: delta, entry: price}
	case pos.amount*delta > 0:
		total := pos.amount + delta
		pos.entry = (pos.entry*math.Abs(pos.amount) + price*qty) / math.Abs(total)
		pos.amount = total
	default:
		closing := math.Min(qty, math.Abs(pos.amount))
		e.realized += (price - pos.entry) * closing * signOf(pos.amount)
		pos.amount += delta
		if math.Abs(pos.amount) < 1e-12 {
			delete(e.positions, o.Symbol)
		} else if pos.amount*delta > 0 {
			// 反手: 剩余部分按成交价开新仓
			pos.entry = price
		}
	}

	o.Status = models.OrderStatusFilled
	if partial {
		o.Status = models.OrderStatusPartiallyFilled
	}
	o.ExecutedQty = qty
	o.AvgPrice = price
	o.UpdateTime = e.now()
}

func (e *PaperExchange) sortedIDs() []int64 {
	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// triggered 判断条件单在 price 是否触发
func triggered(o *models.Order, price float64) bool {
	switch {
	case o.Type == models.OrderTypeStopMarket && o.Side == models.Sell,
		o.Type == models.OrderTypeTakeProfitMarket && o.Side == models.Buy:
		return price <= o.StopPrice
	case o.Type == models.OrderTypeStopMarket && o.Side == models.Buy,
		o.Type == models.OrderTypeTakeProfitMarket && o.Side == models.Sell:
		return price >= o.StopPrice
	}
	return false
}

func sideSign(s models.Side) float64 {
	if s == models.Sell {
		return -1
	}
	return 1
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
