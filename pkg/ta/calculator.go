// Package ta 封装 go-talib 的指标计算，供策略层按窗口调用。
// 所有函数无内部状态，同样的输入总是得到同样的输出。
package ta

import (
	"github.com/markcheno/go-talib"
)

// EMA 返回整个收盘价序列的指数移动平均序列
// 输入长度不足 period 时返回 nil
func EMA(closes []float64, period int) []float64 {
	if len(closes) < period || period <= 0 {
		return nil
	}
	return talib.Ema(closes, period)
}

// LastEMA 返回序列最后一个 EMA 值
func LastEMA(closes []float64, period int) (float64, bool) {
	out := EMA(closes, period)
	if len(out) == 0 {
		return 0, false
	}
	return out[len(out)-1], true
}

// ATR 返回最新的平均真实波动范围
// talib ATR 需要 high/low/close 三个等长序列，长度必须大于 period
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	if len(highs) != len(closes) || len(lows) != len(closes) {
		return 0, false
	}
	out := talib.Atr(highs, lows, closes, period)
	if len(out) == 0 {
		return 0, false
	}
	return out[len(out)-1], true
}

// Momentum 返回归一化的近期价格变化率：
// (close[last] - close[last-window]) / close[last-window]
func Momentum(closes []float64, window int) (float64, bool) {
	if window <= 0 || len(closes) <= window {
		return 0, false
	}
	base := closes[len(closes)-1-window]
	if base == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - base) / base, true
}
