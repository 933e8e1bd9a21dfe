// Package risk 实现仓位 sizing 与账户级安全闸门。
// Engine 独占持有 Account 与各交易对的 Position，所有变更在同一临界区内
// check-then-commit，避免并发周期合计突破敞口上限。
package risk

import (
	"fmt"
	"sync"
	"time"

	"spot-auto-trader/internal/model"

	"go.uber.org/zap"
)

// reservation 记录已批准但尚未成交的订单占用的名义敞口
type reservation struct {
	symbol   string
	notional float64
}

// Engine 是风控引擎，单写者持有账户与持仓
type Engine struct {
	mu           sync.Mutex
	account      model.Account
	positions    map[string]*model.Position
	limits       model.RiskLimits
	reservations map[string]*reservation // key 为 ClientOrderID
	logger       *zap.Logger
}

// NewEngine 创建风控引擎，limits 构造后不再变更
func NewEngine(limits model.RiskLimits, account model.Account, logger *zap.Logger) *Engine {
	return &Engine{
		account:      account,
		positions:    make(map[string]*model.Position),
		limits:       limits,
		reservations: make(map[string]*reservation),
		logger:       logger,
	}
}

// Size 将信号转换为受限的下单请求，或给出拒绝原因，绝不静默丢弃。
// 返回 (nil, nil) 表示本信号无需下单（FLAT，或对空仓的 EXIT）。
func (e *Engine) Size(sig model.Signal) (*model.SizedOrderRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.account.TradingHalted {
		return nil, &model.RiskRejection{Symbol: sig.Symbol, Reason: "trading halted"}
	}

	switch sig.Direction {
	case model.DirFlat:
		return nil, nil
	case model.DirExit:
		return e.sizeExitLocked(sig)
	case model.DirLong:
		return e.sizeEntryLocked(sig)
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", model.ErrValidation, sig.Direction)
	}
}

// sizeExitLocked 对持仓生成全量卖出请求，空仓时为 no-op
func (e *Engine) sizeExitLocked(sig model.Signal) (*model.SizedOrderRequest, error) {
	pos, ok := e.positions[sig.Symbol]
	if !ok || pos.Quantity == 0 {
		return nil, nil
	}
	return &model.SizedOrderRequest{
		Symbol:        sig.Symbol,
		Side:          model.SideSell,
		Quantity:      pos.Quantity,
		MaxPrice:      sig.Price,
		ClientOrderID: model.NewClientOrderID(sig.Symbol, sig.WindowEnd, model.SideSell),
	}, nil
}

// sizeEntryLocked 计算并裁剪开仓数量，同时预留名义敞口
func (e *Engine) sizeEntryLocked(sig model.Signal) (*model.SizedOrderRequest, error) {
	if sig.Price <= 0 {
		return nil, fmt.Errorf("%w: non-positive price for %s", model.ErrValidation, sig.Symbol)
	}
	if sig.StopDistance <= 0 {
		return nil, fmt.Errorf("%w: missing stop distance for %s", model.ErrValidation, sig.Symbol)
	}

	// 候选数量 = 单笔风险预算 / 止损距离
	candidate := (e.account.Equity * e.limits.MaxRiskPerTradeFraction) / sig.StopDistance

	// 裁剪 1: (持仓 + 在途订单 + 本单) 名义敞口不得超过单交易对上限
	held := 0.0
	if pos, ok := e.positions[sig.Symbol]; ok {
		held = pos.Notional(sig.Price)
	}
	reserved := e.reservedNotionalLocked(sig.Symbol)
	if room := e.limits.MaxPositionNotionalPerSymbol - held - reserved; room/sig.Price < candidate {
		candidate = room / sig.Price
	}

	// 裁剪 2: 全账户总敞口
	if room := e.limits.MaxAggregateExposure - e.totalExposureLocked(); room/sig.Price < candidate {
		candidate = room / sig.Price
	}

	if candidate < e.limits.MinOrderQty {
		return nil, fmt.Errorf("%w: sized quantity %.8f below minimum %.8f for %s",
			model.ErrValidation, candidate, e.limits.MinOrderQty, sig.Symbol)
	}

	req := &model.SizedOrderRequest{
		Symbol:        sig.Symbol,
		Side:          model.SideBuy,
		Quantity:      candidate,
		MaxPrice:      sig.Price,
		ClientOrderID: model.NewClientOrderID(sig.Symbol, sig.WindowEnd, model.SideBuy),
	}

	// commit: 在同一临界区内预留敞口，后续并发 sizing 能看到
	e.reservations[req.ClientOrderID] = &reservation{
		symbol:   req.Symbol,
		notional: req.Quantity * req.MaxPrice,
	}
	return req, nil
}

// reservedNotionalLocked 返回某交易对在途订单占用的名义敞口
func (e *Engine) reservedNotionalLocked(symbol string) float64 {
	total := 0.0
	for _, r := range e.reservations {
		if r.symbol == symbol {
			total += r.notional
		}
	}
	return total
}

// totalExposureLocked 返回全部持仓加在途订单的名义敞口
func (e *Engine) totalExposureLocked() float64 {
	total := 0.0
	for _, pos := range e.positions {
		total += pos.Quantity * pos.AvgEntryPrice
	}
	for _, r := range e.reservations {
		total += r.notional
	}
	return total
}

// ReleaseReservation 释放在途订单的敞口预留
// 订单到达终态时由执行引擎调用，重复释放是 no-op
func (e *Engine) ReleaseReservation(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reservations, clientOrderID)
}

// RecordFill 将成交回报并入持仓与账户，并检查日内亏损熔断。
// 熔断是单向闩锁：置位后直到显式重置前，所有 Size 调用都被拒绝。
func (e *Engine) RecordFill(fill model.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[fill.Symbol]
	if !ok {
		pos = &model.Position{Symbol: fill.Symbol}
		e.positions[fill.Symbol] = pos
	}

	switch fill.Side {
	case model.SideBuy:
		// 买入：按成交量加权更新平均成本
		newQty := pos.Quantity + fill.Quantity
		if newQty > 0 {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Quantity + fill.Price*fill.Quantity) / newQty
		}
		pos.Quantity = newQty
		e.account.AvailableBalance -= fill.Price*fill.Quantity + fill.Fee
		e.account.RealizedPnlToday -= fill.Fee

		// 成交部分不再占用预留
		if r, ok := e.reservations[fill.ClientOrderID]; ok {
			r.notional -= fill.Price * fill.Quantity
			if r.notional <= 0 {
				delete(e.reservations, fill.ClientOrderID)
			}
		}
	case model.SideSell:
		qty := fill.Quantity
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		realized := (fill.Price-pos.AvgEntryPrice)*qty - fill.Fee
		pos.Quantity -= qty
		if pos.Quantity == 0 {
			pos.AvgEntryPrice = 0
			pos.UnrealizedPnl = 0
		}
		e.account.AvailableBalance += fill.Price*qty - fill.Fee
		e.account.RealizedPnlToday += realized
		e.account.Equity += realized
	}

	if !e.account.TradingHalted &&
		e.account.RealizedPnlToday <= -(e.account.Equity*e.limits.MaxDailyLossFraction) {
		e.account.TradingHalted = true
		e.logger.Error("Daily loss limit breached, trading halted",
			zap.Float64("RealizedPnlToday", e.account.RealizedPnlToday),
			zap.Float64("Equity", e.account.Equity))
	}
}

// MarkPrice 用最新价格刷新未实现盈亏，纯估值不触发任何决策
func (e *Engine) MarkPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok && pos.Quantity > 0 {
		pos.UnrealizedPnl = (price - pos.AvgEntryPrice) * pos.Quantity
	}
}

// ResetDaily 在交易日边界或运维人工干预时调用，
// 清零日内已实现盈亏并解除熔断。这是 HALTED -> ACTIVE 的唯一路径。
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.RealizedPnlToday = 0
	if e.account.TradingHalted {
		e.logger.Warn("Trading halt cleared by daily reset")
	}
	e.account.TradingHalted = false
}

// Halted 报告熔断闩锁状态
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.TradingHalted
}

// AccountSnapshot 返回账户的只读副本
func (e *Engine) AccountSnapshot() model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// PositionSnapshot 返回单个交易对持仓的只读副本
func (e *Engine) PositionSnapshot(symbol string) model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok {
		return *pos
	}
	return model.Position{Symbol: symbol}
}

// PositionsSnapshot 返回全部非零持仓的只读副本
func (e *Engine) PositionsSnapshot() map[string]model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.Position, len(e.positions))
	for sym, pos := range e.positions {
		if pos.Quantity != 0 {
			out[sym] = *pos
		}
	}
	return out
}

// RestorePositions 启动对账时从持久化恢复持仓，只在启动阶段调用
func (e *Engine) RestorePositions(positions map[string]model.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, pos := range positions {
		p := pos
		e.positions[sym] = &p
	}
}

// NextResetAfter 返回 t 之后最近的一个交易日边界时刻
// 交易日边界由配置的 UTC 小时定义
func NextResetAfter(t time.Time, boundaryHourUTC int) time.Time {
	day := time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), boundaryHourUTC, 0, 0, 0, time.UTC)
	if !day.After(t) {
		day = day.Add(24 * time.Hour)
	}
	return day
}
