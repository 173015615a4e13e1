package exchange

import (
	"binance-regime-bot-go/internal/models"
	"context"
)

// Exchange 定义了与USDT本位合约交易所交互的标准接口。
// 所有方法都是阻塞的网络调用, 调用方负责通过 ctx 限定超时。
type Exchange interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	PlaceOrder(ctx context.Context, spec models.OrderSpec, clientOrderID string) (*models.Order, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetPosition(ctx context.Context, symbol string) (*models.ExchangePosition, error)
	GetAccount(ctx context.Context) (*models.AccountSnapshot, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetPositionMode(ctx context.Context, hedge bool) error
	GetPositionMode(ctx context.Context) (hedge bool, err error)
	SymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error)
}
