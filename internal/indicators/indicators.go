// Package indicators 实现特征计算使用的指标函数。
// 所有函数返回与输入对齐的切片, 预热期内的值为 NaN。
package indicators

import "math"

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// EMA 指数移动平均, 以前 period 个值的 SMA 作为初始值
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// SMA 简单移动平均
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// RSI 使用 Wilder 平滑
func RSI(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// ATR 对真实波幅做 Wilder 平滑
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period <= 0 || n <= period {
		return out
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(highs[i], lows[i], closes[i-1])
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + trueRange(highs[i], lows[i], closes[i-1])) / float64(period)
	}
	return out
}

// Bollinger 返回上轨、中轨和下轨 (总体标准差)
func Bollinger(closes []float64, period int, k float64) (upper, middle, lower []float64) {
	n := len(closes)
	upper, lower = nanSlice(n), nanSlice(n)
	middle = SMA(closes, period)
	for i := period - 1; i < n && period > 0; i++ {
		var sq float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - middle[i]
			sq += d * d
		}
		sd := math.Sqrt(sq / float64(period))
		upper[i] = middle[i] + k*sd
		lower[i] = middle[i] - k*sd
	}
	return upper, middle, lower
}

// ADX 是 Wilder 的平均趋向指数
func ADX(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if period <= 0 || n <= 2*period {
		return out
	}
	var tr, plusDM, minusDM float64
	dx := nanSlice(n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		pdm, mdm := 0.0, 0.0
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		t := trueRange(highs[i], lows[i], closes[i-1])
		if i <= period {
			tr += t
			plusDM += pdm
			minusDM += mdm
			if i < period {
				continue
			}
		} else {
			tr = tr - tr/float64(period) + t
			plusDM = plusDM - plusDM/float64(period) + pdm
			minusDM = minusDM - minusDM/float64(period) + mdm
		}
		if tr == 0 {
			dx[i] = 0
			continue
		}
		pdi := 100 * plusDM / tr
		mdi := 100 * minusDM / tr
		if pdi+mdi == 0 {
			dx[i] = 0
		} else {
			dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	var sum float64
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	out[2*period-1] = sum / float64(period)
	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

// EfficiencyRatio 是 Kaufman 效率比: 最近 period 根K线的净变动除以路径长度。
// 1 表示直线, 0 表示纯噪声。
func EfficiencyRatio(closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n <= period {
		return math.NaN()
	}
	var path float64
	for i := n - period; i < n; i++ {
		path += math.Abs(closes[i] - closes[i-1])
	}
	if path == 0 {
		return 0
	}
	return math.Abs(closes[n-1]-closes[n-1-period]) / path
}

// Last 返回序列的最后一个值, 为空时返回 NaN
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Ago 返回最后一个值之前第 n 个值, 越界时返回 NaN
func Ago(values []float64, n int) float64 {
	i := len(values) - 1 - n
	if i < 0 || i >= len(values) {
		return math.NaN()
	}
	return values[i]
}
