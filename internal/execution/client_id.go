package execution

import (
	"binance-regime-bot-go/internal/models"
	"crypto/sha256"
	"strconv"

	"github.com/jxskiss/base62"
)

const (
	clientIDPrefix = "rb"
	// 币安最多接受 36 个字符
	maxClientIDLen = 36
)

var legCodes = map[models.Leg]string{
	models.LegEntry:      "E",
	models.LegStop:       "S",
	models.LegTakeProfit: "T",
	models.LegClose:      "C",
}

// ClientOrderID 生成计划中某条腿的客户端订单号。
// 相同的 (key, leg, generation) 总是得到相同的订单号, 重试下单时
// 交易所会识别出已有订单, 不会再创建第二笔。
// 首次执行使用 generation 0, 修复保护单时使用新的 generation。
func ClientOrderID(key string, leg models.Leg, generation int64) string {
	sum := sha256.Sum256([]byte(key + "|" + string(leg) + "|" + strconv.FormatInt(generation, 10)))
	id := clientIDPrefix + legCodes[leg] + base62.EncodeToString(sum[:])
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}
