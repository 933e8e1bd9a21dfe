// Package strategy 实现基于 EMA 与动量的信号评分引擎。
// Evaluate 是窗口的纯函数：同样的窗口（忽略 GeneratedAt）得到同样的信号，
// 这是重试安全与可测试性的前提。
package strategy

import (
	"sort"
	"time"

	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/service"
	"spot-auto-trader/pkg/ta"
)

// StopEstimator 从评估窗口估计止损距离（波动率来源，供 sizing 使用）
// 窗口不足以估计时返回 ok=false
type StopEstimator func(window []model.Candle) (float64, bool)

// ATRStopEstimator 返回基于 ATR 的止损距离估计：ATR(period) * multiplier
func ATRStopEstimator(period int, multiplier float64) StopEstimator {
	return func(window []model.Candle) (float64, bool) {
		highs := make([]float64, len(window))
		lows := make([]float64, len(window))
		closes := make([]float64, len(window))
		for i, c := range window {
			highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
		}
		atr, ok := ta.ATR(highs, lows, closes, period)
		if !ok || atr <= 0 {
			return 0, false
		}
		return atr * multiplier, true
	}
}

// Engine 是无隐藏状态的信号引擎，配置在构造后不可变
type Engine struct {
	cfg  service.StrategyConfig
	stop StopEstimator
	now  func() time.Time
}

// NewEngine 创建信号引擎，stop 为空时使用配置的 ATR 估计器
func NewEngine(cfg service.StrategyConfig, stop StopEstimator) *Engine {
	return &Engine{
		cfg:  cfg,
		stop: stop,
		now:  time.Now,
	}
}

// Evaluate 对一个窗口产出信号。holding 表示该交易对当前是否持仓，
// 只影响 EXIT 判定。窗口不足以计算指标时返回 FLAT、score=0。
func (e *Engine) Evaluate(symbol string, window []model.Candle, holding bool) model.Signal {
	sig := model.Signal{
		Symbol:      symbol,
		Direction:   model.DirFlat,
		GeneratedAt: e.now(),
	}
	if len(window) == 0 {
		return sig
	}

	last := window[len(window)-1]
	sig.Price = last.Close
	sig.WindowEnd = last.OpenTime

	// 数据不足：不是错误，返回 FLAT
	if len(window) < e.cfg.EMASlow || len(window) <= e.cfg.MomentumWindow {
		return sig
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}

	emaFast, okF := ta.LastEMA(closes, e.cfg.EMAFast)
	emaSlow, okS := ta.LastEMA(closes, e.cfg.EMASlow)
	momentum, okM := ta.Momentum(closes, e.cfg.MomentumWindow)
	if !okF || !okS || !okM || emaSlow == 0 {
		return sig
	}

	trend := (emaFast - emaSlow) / emaSlow
	sig.Score = e.cfg.TrendWeight*trend + e.cfg.MomentumWeight*momentum

	crossedUp := emaFast > emaSlow

	switch {
	case holding && (sig.Score < e.cfg.ExitThreshold || !crossedUp):
		// 分数跌破退出阈值或交叉反转：平仓
		sig.Direction = model.DirExit
	case !holding && sig.Score > e.cfg.EntryThreshold && crossedUp:
		sig.Direction = model.DirLong
	default:
		sig.Direction = model.DirFlat
	}

	if e.stop != nil {
		if dist, ok := e.stop(window); ok {
			sig.StopDistance = dist
		}
	}
	return sig
}

// Rank 对候选 LONG 信号按分数降序排序，分数相同按交易对名升序保证确定性，
// 只保留前 topK 个进入 sizing。
func Rank(signals []model.Signal, topK int) []model.Signal {
	longs := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Direction == model.DirLong {
			longs = append(longs, s)
		}
	}
	sort.Slice(longs, func(i, j int) bool {
		if longs[i].Score != longs[j].Score {
			return longs[i].Score > longs[j].Score
		}
		return longs[i].Symbol < longs[j].Symbol
	})
	if topK > 0 && len(longs) > topK {
		longs = longs[:topK]
	}
	return longs
}
