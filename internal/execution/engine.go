// Package execution 将风控批准的下单请求转换为限价单，
// 管理订单生命周期并把成交回报对账回风控引擎。
//
// 订单状态机：NEW -> OPEN -> PARTIALLY_FILLED -> FILLED；
// OPEN/PARTIALLY_FILLED -> CANCELLED；NEW -> REJECTED。
// FILLED / CANCELLED / REJECTED 为终态，终态订单不再变更。
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot-auto-trader/internal/exchange"
	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/risk"
	"spot-auto-trader/internal/service"
	"spot-auto-trader/internal/storage"

	"go.uber.org/zap"
)

// Engine 是订单执行引擎
// orders 按 ClientOrderID 索引，是幂等提交的第一真相来源：
// 先查本地，再发网络，网络调用绝不作为“是否已提交”的判断依据。
type Engine struct {
	cfg    service.ExecutionConfig
	client exchange.Client
	risk   *risk.Engine
	store  storage.Store
	logger *zap.Logger

	// submitSlots 是有界的提交队列：满时新提交被拒绝为 exchange busy
	submitSlots chan struct{}
	// submitSerial 串行化对交易所的下单调用，尊重账户级限频
	submitSerial chan struct{}

	mu       chan struct{} // 订单表互斥
	orders   map[string]*model.Order
	fillSeen map[string]bool
	timeout  time.Duration
	sleep    func(time.Duration) // 测试中可替换退避等待
}

// NewEngine 创建执行引擎
func NewEngine(cfg service.ExecutionConfig, client exchange.Client, riskEngine *risk.Engine, store storage.Store, timeout time.Duration, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:          cfg,
		client:       client,
		risk:         riskEngine,
		store:        store,
		logger:       logger,
		submitSlots:  make(chan struct{}, cfg.SubmitQueueSize),
		submitSerial: make(chan struct{}, 1),
		mu:           make(chan struct{}, 1),
		orders:       make(map[string]*model.Order),
		fillSeen:     make(map[string]bool),
		timeout:      timeout,
		sleep:        time.Sleep,
	}
	return e
}

func (e *Engine) lock()   { e.mu <- struct{}{} }
func (e *Engine) unlock() { <-e.mu }

// Submit 提交一个风控批准的下单请求。
// 同一个 ClientOrderID 的重复调用返回已存在的订单而不会产生第二笔。
func (e *Engine) Submit(ctx context.Context, req model.SizedOrderRequest) (*model.Order, error) {
	// 去重优先：本地订单表先于任何网络调用
	e.lock()
	if existing, ok := e.orders[req.ClientOrderID]; ok {
		cp := *existing
		e.unlock()
		if cp.Status == model.OrderRejected {
			// 这个幂等键已宣告失败，不再为它重试
			return nil, fmt.Errorf("%w: %s previously rejected",
				model.ErrExecutionFailure, req.ClientOrderID)
		}
		e.logger.Info("Duplicate submit resolved to existing order",
			zap.String("ClientOrderID", req.ClientOrderID),
			zap.String("Status", string(cp.Status)))
		return &cp, nil
	}
	order := &model.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        model.OrderNew,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	e.orders[req.ClientOrderID] = order
	e.unlock()

	// 有界队列提供背压：满时拒绝而不是无限堆积。
	// 背压不是订单失败：移除本地记录并归还预留，
	// 同一个幂等键之后可以重新提交。
	select {
	case e.submitSlots <- struct{}{}:
		defer func() { <-e.submitSlots }()
	default:
		e.lock()
		delete(e.orders, req.ClientOrderID)
		e.unlock()
		e.risk.ReleaseReservation(req.ClientOrderID)
		e.logger.Warn("Submit queue full, order dropped",
			zap.String("ClientOrderID", req.ClientOrderID))
		return nil, fmt.Errorf("%w: submit queue full for %s", model.ErrExchangeBusy, req.Symbol)
	}

	// 账户级串行提交
	select {
	case e.submitSerial <- struct{}{}:
		defer func() { <-e.submitSerial }()
	case <-ctx.Done():
		e.failLocally(req.ClientOrderID, "context cancelled before submit")
		return nil, ctx.Err()
	}

	return e.submitWithRetry(ctx, req)
}

// submitWithRetry 以同一个 ClientOrderID 做有界重试，指数退避。
// 超时视为未知结果：先按幂等键查询，绝不盲目重发。
func (e *Engine) submitWithRetry(ctx context.Context, req model.SizedOrderRequest) (*model.Order, error) {
	price, err := e.limitPrice(ctx, req)
	if err != nil {
		e.failLocally(req.ClientOrderID, "no quote available")
		return nil, fmt.Errorf("%w: quote %s: %v", model.ErrExecutionFailure, req.Symbol, err)
	}

	backoff := e.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		ack, err := e.client.PlaceLimitOrder(callCtx, req.Symbol, req.Side, price, req.Quantity, req.ClientOrderID)
		cancel()

		if err == nil {
			return e.applyAck(req, price, ack)
		}
		lastErr = err

		// 未知结果：查询交易所是否已接受这个幂等键
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrTransientNetwork) {
			if existing := e.queryByClientID(ctx, req.ClientOrderID); existing != nil {
				return e.adoptRemote(req, existing)
			}
		}

		if !retryable(err) {
			break
		}

		wait := backoff
		var rl *model.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		e.logger.Warn("Transient submit failure, retrying with same ClientOrderID",
			zap.String("ClientOrderID", req.ClientOrderID),
			zap.Int("Attempt", attempt),
			zap.Duration("Backoff", wait),
			zap.Error(err))
		e.sleep(wait)
		backoff *= 2

		if ctx.Err() != nil {
			break
		}
	}

	// 重试耗尽：本地标记 REJECTED 并上浮，不再为这个幂等键重试
	e.failLocally(req.ClientOrderID, "retry attempts exhausted")
	return nil, fmt.Errorf("%w: submit %s attempts exhausted: %v",
		model.ErrExecutionFailure, req.ClientOrderID, lastErr)
}

// limitPrice 从最优价计算限价，偏移上限防止无界吃单：
// 买: best ask * (1 + offset)，且绝不高于风控批准的 MaxPrice，
// 否则实际挂单名义敞口会突破 sizing 时按 MaxPrice 预留的上限；
// 卖: best bid * (1 - offset)，且不低于批准的下限。
func (e *Engine) limitPrice(ctx context.Context, req model.SizedOrderRequest) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	quote, err := e.client.BestQuote(callCtx, req.Symbol)
	if err != nil {
		return 0, err
	}

	if req.Side == model.SideBuy {
		price := quote.BestAsk * (1 + e.cfg.PriceOffsetFraction)
		if price > req.MaxPrice {
			price = req.MaxPrice
		}
		return price, nil
	}
	price := quote.BestBid * (1 - e.cfg.PriceOffsetFraction)
	if price < req.MaxPrice {
		price = req.MaxPrice
	}
	return price, nil
}

// applyAck 根据交易所应答推进订单状态
func (e *Engine) applyAck(req model.SizedOrderRequest, price float64, ack model.OrderAck) (*model.Order, error) {
	e.lock()
	order := e.orders[req.ClientOrderID]
	if order == nil || order.Status.IsTerminal() {
		// 成交回报可能先于 ack 到达并已推进到终态
		if order != nil {
			cp := *order
			e.unlock()
			return &cp, nil
		}
		e.unlock()
		return nil, fmt.Errorf("%w: order %s vanished", model.ErrExecutionFailure, req.ClientOrderID)
	}

	if !ack.Accepted {
		order.Status = model.OrderRejected
		order.UpdatedAt = time.Now()
		cp := *order
		e.unlock()
		e.risk.ReleaseReservation(req.ClientOrderID)
		e.persistOrder(cp)
		e.logger.Warn("Order rejected by exchange",
			zap.String("ClientOrderID", req.ClientOrderID),
			zap.String("Reason", ack.Reason))
		return nil, fmt.Errorf("%w: exchange rejected %s: %s",
			model.ErrExecutionFailure, req.ClientOrderID, ack.Reason)
	}

	order.ExchangeOrderID = ack.ExchangeOrderID
	order.Price = price
	if order.Status == model.OrderNew {
		order.Status = model.OrderOpen
	}
	order.UpdatedAt = time.Now()
	cp := *order
	e.unlock()

	e.persistOrder(cp)
	e.logger.Info("Order acknowledged",
		zap.String("ClientOrderID", cp.ClientOrderID),
		zap.String("ExchangeOrderID", cp.ExchangeOrderID),
		zap.Float64("Price", cp.Price),
		zap.Float64("Quantity", cp.Quantity))
	return &cp, nil
}

// adoptRemote 用交易所查询到的订单状态覆盖本地视图 (未知结果恢复路径)
func (e *Engine) adoptRemote(req model.SizedOrderRequest, remote *model.Order) (*model.Order, error) {
	e.lock()
	order := e.orders[req.ClientOrderID]
	if order != nil && !order.Status.IsTerminal() {
		order.ExchangeOrderID = remote.ExchangeOrderID
		order.Price = remote.Price
		order.FilledQuantity = remote.FilledQuantity
		order.Status = remote.Status
		order.UpdatedAt = time.Now()
	}
	cp := *e.orders[req.ClientOrderID]
	e.unlock()

	e.persistOrder(cp)
	e.logger.Info("Unknown-outcome submit resolved by query",
		zap.String("ClientOrderID", req.ClientOrderID),
		zap.String("Status", string(cp.Status)))
	return &cp, nil
}

// queryByClientID 按幂等键查询交易所，查询本身失败按未找到处理
func (e *Engine) queryByClientID(ctx context.Context, clientOrderID string) *model.Order {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	order, err := e.client.OrderByClientID(callCtx, clientOrderID)
	if err != nil {
		return nil
	}
	return order
}

// failLocally 把订单标记为本地 REJECTED 并释放风控预留
func (e *Engine) failLocally(clientOrderID, reason string) {
	e.lock()
	order := e.orders[clientOrderID]
	var cp model.Order
	if order != nil && !order.Status.IsTerminal() {
		order.Status = model.OrderRejected
		order.UpdatedAt = time.Now()
		cp = *order
	}
	e.unlock()

	e.risk.ReleaseReservation(clientOrderID)
	if cp.ClientOrderID != "" {
		e.persistOrder(cp)
	}
	e.logger.Warn("Order failed locally",
		zap.String("ClientOrderID", clientOrderID),
		zap.String("Reason", reason))
}

// OnFill 应用一笔成交回报。重复的 FillID 与终态订单上的回报被幂等忽略。
func (e *Engine) OnFill(fill model.Fill) {
	e.lock()
	if e.fillSeen[fill.FillID] {
		e.unlock()
		return
	}
	order := e.orders[fill.ClientOrderID]
	if order == nil || order.Status.IsTerminal() {
		e.unlock()
		return
	}
	e.fillSeen[fill.FillID] = true

	order.FilledQuantity += fill.Quantity
	if order.FilledQuantity >= order.Quantity {
		order.FilledQuantity = order.Quantity
		order.Status = model.OrderFilled
	} else {
		order.Status = model.OrderPartFilled
	}
	order.UpdatedAt = time.Now()
	cp := *order
	e.unlock()

	e.risk.RecordFill(fill)
	e.persistFill(fill)
	if cp.Status.IsTerminal() {
		e.risk.ReleaseReservation(cp.ClientOrderID)
		e.persistOrder(cp)
	}
	e.logger.Info("Fill applied",
		zap.String("ClientOrderID", fill.ClientOrderID),
		zap.String("FillID", fill.FillID),
		zap.Float64("Quantity", fill.Quantity),
		zap.String("Status", string(cp.Status)))
}

// Cancel 请求撤单。订单已处于终态时是 no-op 而不是错误。
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	e.lock()
	order := e.orders[clientOrderID]
	if order == nil {
		e.unlock()
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if order.Status.IsTerminal() {
		e.unlock()
		return nil
	}
	exchangeID := order.ExchangeOrderID
	e.unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.client.CancelOrder(callCtx, exchangeID); err != nil {
		return fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}

	e.lock()
	if order := e.orders[clientOrderID]; order != nil && !order.Status.IsTerminal() {
		order.Status = model.OrderCancelled
		order.UpdatedAt = time.Now()
	}
	cp := *e.orders[clientOrderID]
	e.unlock()

	e.risk.ReleaseReservation(clientOrderID)
	e.persistOrder(cp)
	return nil
}

// CancelAll 撤掉全部未完结订单，仅在显式请求时使用：
// 默认关停流程保留 OPEN 订单，重启后由 Reconcile 对账。
func (e *Engine) CancelAll(ctx context.Context) {
	e.lock()
	ids := make([]string, 0, len(e.orders))
	for id, o := range e.orders {
		if !o.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	e.unlock()

	for _, id := range ids {
		if err := e.Cancel(ctx, id); err != nil {
			e.logger.Error("Cancel failed", zap.String("ClientOrderID", id), zap.Error(err))
		}
	}
}

// Reconcile 在启动时从持久化与交易所恢复未完结订单，
// 以交易所报告的状态为准。
func (e *Engine) Reconcile(ctx context.Context) error {
	persisted, err := e.store.LoadOpenOrders()
	if err != nil {
		return fmt.Errorf("load persisted orders: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	remote, err := e.client.OpenOrders(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("load exchange orders: %w", err)
	}

	remoteByClientID := make(map[string]model.Order, len(remote))
	for _, o := range remote {
		remoteByClientID[o.ClientOrderID] = o
	}

	e.lock()
	for _, o := range persisted {
		order := o
		if r, ok := remoteByClientID[o.ClientOrderID]; ok {
			// 交易所报告的状态覆盖本地快照
			order = r
		} else if !order.Status.IsTerminal() {
			// 交易所不认识：视为已撤
			order.Status = model.OrderCancelled
			order.UpdatedAt = time.Now()
		}
		e.orders[order.ClientOrderID] = &order
	}
	for id, r := range remoteByClientID {
		if _, ok := e.orders[id]; !ok {
			order := r
			e.orders[id] = &order
		}
	}
	count := len(e.orders)
	e.unlock()

	e.logger.Info("Order reconciliation complete", zap.Int("Orders", count))
	return nil
}

// Order 返回订单的只读副本
func (e *Engine) Order(clientOrderID string) (model.Order, bool) {
	e.lock()
	defer e.unlock()
	if o, ok := e.orders[clientOrderID]; ok {
		return *o, true
	}
	return model.Order{}, false
}

// LiveOrders 返回全部非终态订单的只读副本
func (e *Engine) LiveOrders() []model.Order {
	e.lock()
	defer e.unlock()
	var out []model.Order
	for _, o := range e.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

func (e *Engine) persistOrder(order model.Order) {
	if err := e.store.SaveOrder(order); err != nil {
		e.logger.Error("Persist order failed",
			zap.String("ClientOrderID", order.ClientOrderID), zap.Error(err))
	}
}

func (e *Engine) persistFill(fill model.Fill) {
	if err := e.store.SaveFill(fill); err != nil {
		e.logger.Error("Persist fill failed",
			zap.String("FillID", fill.FillID), zap.Error(err))
	}
}

func retryable(err error) bool {
	return model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}
