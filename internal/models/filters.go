package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolFilters 是一个交易对的交易所交易规则
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// NewSymbolFilters 用浮点数构建交易规则
func NewSymbolFilters(symbol string, tick, step, minQty, minNotional float64) SymbolFilters {
	return SymbolFilters{
		Symbol:      symbol,
		TickSize:    decimal.NewFromFloat(tick),
		StepSize:    decimal.NewFromFloat(step),
		MinQty:      decimal.NewFromFloat(minQty),
		MinNotional: decimal.NewFromFloat(minNotional),
	}
}

// FloorQty 把数量向下取整到步长
func (f SymbolFilters) FloorQty(qty decimal.Decimal) decimal.Decimal {
	if !f.StepSize.IsPositive() {
		return qty
	}
	return qty.Div(f.StepSize).Floor().Mul(f.StepSize)
}

// RoundQty 是 FloorQty 的浮点数版本
func (f SymbolFilters) RoundQty(qty float64) float64 {
	return f.FloorQty(decimal.NewFromFloat(qty)).InexactFloat64()
}

// RoundPrice 把价格四舍五入到最小价格变动单位
func (f SymbolFilters) RoundPrice(price float64) float64 {
	p := decimal.NewFromFloat(price)
	if !f.TickSize.IsPositive() {
		return price
	}
	return p.Div(f.TickSize).Round(0).Mul(f.TickSize).InexactFloat64()
}

// MinQuantity 最小可交易数量
func (f SymbolFilters) MinQuantity() float64 { return f.MinQty.InexactFloat64() }

// MinNotionalValue 最小订单金额
func (f SymbolFilters) MinNotionalValue() float64 { return f.MinNotional.InexactFloat64() }

// Step 以浮点数返回数量步长
func (f SymbolFilters) Step() float64 { return f.StepSize.InexactFloat64() }

// FormatQty 按步长精度格式化数量
func (f SymbolFilters) FormatQty(qty float64) string {
	return f.FloorQty(decimal.NewFromFloat(qty)).StringFixed(places(f.StepSize))
}

// FormatPrice 按价格精度格式化价格
func (f SymbolFilters) FormatPrice(price float64) string {
	return decimal.NewFromFloat(f.RoundPrice(price)).StringFixed(places(f.TickSize))
}

func places(d decimal.Decimal) int32 {
	if !d.IsPositive() {
		return 8
	}
	str := d.String()
	if i := strings.IndexByte(str, '.'); i >= 0 {
		return int32(len(str) - i - 1)
	}
	return 0
}
