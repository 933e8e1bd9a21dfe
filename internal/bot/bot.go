// Package bot 把缓存、策略、风控、执行组装成每个交易对的重复评估周期。
// 任何一个交易对的周期失败都被隔离，不影响其他交易对，也不会终止主循环。
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-auto-trader/internal/data"
	"spot-auto-trader/internal/execution"
	"spot-auto-trader/internal/exchange"
	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/risk"
	"spot-auto-trader/internal/service"
	"spot-auto-trader/internal/storage"
	"spot-auto-trader/internal/strategy"

	"go.uber.org/zap"
)

// UniverseFn 提供当前可交易的交易对集合
// 选取规则是外部协作方的职责，核心只消费其输出
type UniverseFn func() []string

// StaticUniverse 返回固定列表的 UniverseFn
func StaticUniverse(symbols []string) UniverseFn {
	fixed := make([]string, len(symbols))
	copy(fixed, symbols)
	return func() []string { return fixed }
}

// TickerSource 提供按交易对拆分的实时 Ticker 流
type TickerSource interface {
	TickerChannel(symbol string) <-chan model.Ticker
}

// Bot 是主编排器
type Bot struct {
	cfg       *service.Config
	store     *data.Store
	strategy  *strategy.Engine
	risk      *risk.Engine
	execution *execution.Engine
	client    exchange.Client
	storage   storage.Store
	universe  UniverseFn
	tickers   TickerSource // 可为 nil (回放/测试模式直接写 store)
	logger    *zap.Logger

	nextReset time.Time
	gapMu     sync.Mutex
	gapSeen   map[string]int64
	wg        sync.WaitGroup
}

// New 创建编排器
func New(
	cfg *service.Config,
	store *data.Store,
	strategyEngine *strategy.Engine,
	riskEngine *risk.Engine,
	executionEngine *execution.Engine,
	client exchange.Client,
	persistent storage.Store,
	universe UniverseFn,
	tickers TickerSource,
	logger *zap.Logger,
) *Bot {
	return &Bot{
		cfg:       cfg,
		store:     store,
		strategy:  strategyEngine,
		risk:      riskEngine,
		execution: executionEngine,
		client:    client,
		storage:   persistent,
		universe:  universe,
		tickers:   tickers,
		logger:    logger,
		nextReset: risk.NextResetAfter(time.Now(), cfg.Risk.DayBoundaryHourUTC),
		gapSeen:   make(map[string]int64),
	}
}

// Run 启动全部流水线并阻塞到 ctx 取消。
// 关停语义：停止接收新数据，在途周期跑完，OPEN 订单保持不动。
func (b *Bot) Run(ctx context.Context) error {
	if err := b.bootstrap(ctx); err != nil {
		return err
	}

	b.startFillConsumer(ctx)
	b.startAggregators(ctx)

	ticker := time.NewTicker(b.cfg.Engine.TickInterval)
	defer ticker.Stop()

	b.logger.Info("Trading loop started",
		zap.Duration("TickInterval", b.cfg.Engine.TickInterval))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Shutting down, waiting for in-flight cycles...")
			b.wg.Wait()
			return nil
		case now := <-ticker.C:
			b.maybeResetDaily(now)
			b.runCycle(ctx)
		}
	}
}

// bootstrap 执行启动对账与历史回补
func (b *Bot) bootstrap(ctx context.Context) error {
	positions, err := b.storage.LoadPositions()
	if err != nil {
		return err
	}
	if len(positions) > 0 {
		b.risk.RestorePositions(positions)
		b.logger.Info("Positions restored", zap.Int("Count", len(positions)))
	}

	if err := b.execution.Reconcile(ctx); err != nil {
		// 对账失败不阻止启动：内存状态以交易所后续回报为准
		b.logger.Error("Startup reconciliation failed", zap.Error(err))
	}

	for _, symbol := range b.universe() {
		b.backfill(ctx, symbol)
	}
	return nil
}

// backfill 从交易所拉取历史填充窗口
func (b *Bot) backfill(ctx context.Context, symbol string) {
	tf := b.cfg.Strategy.Timeframe
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Exchange.RequestTimeout)
	defer cancel()

	candles, err := b.client.FetchHistory(callCtx, symbol, tf, b.cfg.Strategy.Lookback)
	if err != nil {
		b.logger.Warn("Backfill failed",
			zap.String("Symbol", symbol), zap.Error(err))
		return
	}
	b.store.Backfill(symbol, tf, candles)
	b.logger.Info("Backfill complete",
		zap.String("Symbol", symbol), zap.Int("Candles", len(candles)))
}

// startFillConsumer 消费成交回报流并转发给执行引擎
func (b *Bot) startFillConsumer(ctx context.Context) {
	fills, err := b.client.StreamFills(ctx)
	if err != nil {
		b.logger.Error("Fill stream unavailable", zap.Error(err))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for fill := range fills {
			b.execution.OnFill(fill)
		}
	}()
}

// startAggregators 为每个交易对启动一条独立的聚合流水线
func (b *Bot) startAggregators(_ context.Context) {
	if b.tickers == nil {
		return
	}
	for _, symbol := range b.universe() {
		in := b.tickers.TickerChannel(symbol)
		if in == nil {
			continue
		}
		agg, err := data.NewAggregator(symbol, b.cfg.Strategy.Timeframe, b.store, in, b.logger)
		if err != nil {
			b.logger.Error("Aggregator init failed",
				zap.String("Symbol", symbol), zap.Error(err))
			continue
		}
		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			agg.Run()
		}()
		// 收盘 K 线只用于驱动 store，这里排空输出通道
		go func() {
			defer b.wg.Done()
			for range agg.Candles() {
			}
		}()
	}
}

// maybeResetDaily 在跨过交易日边界时重置日内亏损与熔断
func (b *Bot) maybeResetDaily(now time.Time) {
	if now.Before(b.nextReset) {
		return
	}
	b.risk.ResetDaily()
	b.nextReset = risk.NextResetAfter(now, b.cfg.Risk.DayBoundaryHourUTC)
	b.logger.Info("Daily risk state reset", zap.Time("NextReset", b.nextReset))
}

// runCycle 执行一轮完整评估：并发评估各交易对 -> EXIT 先行 -> 排名 -> sizing -> 提交
func (b *Bot) runCycle(ctx context.Context) {
	symbols := b.universe()
	signals := make([]model.Signal, len(symbols))

	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			signals[i] = b.evaluateSymbol(ctx, symbol)
		}(i, symbol)
	}
	wg.Wait()

	// EXIT 先于新开仓处理，释放敞口
	for _, sig := range signals {
		if sig.Direction == model.DirExit {
			b.dispatch(ctx, sig)
		}
	}

	for _, sig := range strategy.Rank(signals, b.cfg.Strategy.TopK) {
		b.dispatch(ctx, sig)
	}
}

// evaluateSymbol 对单个交易对做一次隔离评估，panic 不逃逸
func (b *Bot) evaluateSymbol(ctx context.Context, symbol string) (sig model.Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Cycle panic isolated",
				zap.String("Symbol", symbol), zap.Any("Panic", r))
			sig = model.Signal{Symbol: symbol, Direction: model.DirFlat}
		}
	}()

	tf := b.cfg.Strategy.Timeframe

	// 新增的数据缺口触发回补，该交易对本轮不评估
	if b.gapDetected(symbol, tf) {
		b.classifyAndLog(symbol, fmt.Errorf("%w: dropped candles on %s %s",
			model.ErrDataGap, symbol, tf))
		b.backfill(ctx, symbol)
		return model.Signal{Symbol: symbol, Direction: model.DirFlat}
	}

	// 窗口尚未预热：跳过该交易对本轮评估
	if b.store.Size(symbol, tf) < b.cfg.Strategy.EMASlow {
		return model.Signal{Symbol: symbol, Direction: model.DirFlat}
	}

	window := b.store.Window(symbol, tf, b.cfg.Strategy.Lookback)
	holding := b.risk.PositionSnapshot(symbol).Quantity > 0
	sig = b.strategy.Evaluate(symbol, window, holding)

	if sig.Price > 0 {
		b.risk.MarkPrice(symbol, sig.Price)
	}
	return sig
}

// gapDetected 报告该交易对自上次检查以来是否出现新的数据缺口
func (b *Bot) gapDetected(symbol, timeframe string) bool {
	gaps := b.store.GapCount(symbol, timeframe)
	b.gapMu.Lock()
	prev := b.gapSeen[symbol]
	b.gapSeen[symbol] = gaps
	b.gapMu.Unlock()
	return gaps > prev
}

// dispatch 让一个信号走完 sizing 与提交，错误按分类处理且互相隔离
func (b *Bot) dispatch(ctx context.Context, sig model.Signal) {
	req, err := b.risk.Size(sig)
	if err != nil {
		b.classifyAndLog(sig.Symbol, err)
		return
	}
	if req == nil {
		return
	}

	if _, err := b.execution.Submit(ctx, *req); err != nil {
		b.classifyAndLog(sig.Symbol, err)
	}
}

// classifyAndLog 按错误分类记录，任何分支都不会让主循环崩溃
func (b *Bot) classifyAndLog(symbol string, err error) {
	switch {
	case errors.Is(err, model.ErrRiskLimitBreach):
		b.logger.Warn("Order refused by risk gate", zap.String("Symbol", symbol), zap.Error(err))
	case errors.Is(err, model.ErrValidation):
		b.logger.Info("Order skipped", zap.String("Symbol", symbol), zap.Error(err))
	case errors.Is(err, model.ErrExchangeBusy):
		b.logger.Warn("Exchange busy, order dropped this cycle", zap.String("Symbol", symbol))
	case errors.Is(err, model.ErrDataGap):
		b.logger.Warn("Data gap detected, triggering backfill", zap.String("Symbol", symbol), zap.Error(err))
	case errors.Is(err, model.ErrExecutionFailure):
		b.logger.Error("Execution failure", zap.String("Symbol", symbol), zap.Error(err))
	default:
		b.logger.Error("Cycle error", zap.String("Symbol", symbol), zap.Error(err))
	}
}
