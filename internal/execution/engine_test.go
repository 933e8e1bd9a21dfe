package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/risk"
	"spot-auto-trader/internal/service"
	"spot-auto-trader/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient 用函数字段模拟交易所，未设置的方法给出中性默认值
type fakeClient struct {
	placeFn  func(ctx context.Context, symbol string, side model.Side, price, quantity float64, clientOrderID string) (model.OrderAck, error)
	queryFn  func(ctx context.Context, clientOrderID string) (*model.Order, error)
	cancelFn func(ctx context.Context, exchangeOrderID string) error
	openFn   func(ctx context.Context) ([]model.Order, error)

	placeCalls int
	placedIDs  []string
}

func (f *fakeClient) FetchHistory(context.Context, string, string, int) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeClient) BestQuote(_ context.Context, symbol string) (model.Quote, error) {
	return model.Quote{Symbol: symbol, BestBid: 99, BestAsk: 100}, nil
}

func (f *fakeClient) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, quantity float64, clientOrderID string) (model.OrderAck, error) {
	f.placeCalls++
	f.placedIDs = append(f.placedIDs, clientOrderID)
	if f.placeFn != nil {
		return f.placeFn(ctx, symbol, side, price, quantity, clientOrderID)
	}
	return model.OrderAck{Accepted: true, ExchangeOrderID: "ex-" + clientOrderID, ClientOrderID: clientOrderID}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, exchangeOrderID)
	}
	return nil
}

func (f *fakeClient) OrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, clientOrderID)
	}
	return nil, nil
}

func (f *fakeClient) OpenOrders(ctx context.Context) ([]model.Order, error) {
	if f.openFn != nil {
		return f.openFn(ctx)
	}
	return nil, nil
}

func (f *fakeClient) StreamFills(context.Context) (<-chan model.Fill, error) {
	ch := make(chan model.Fill)
	close(ch)
	return ch, nil
}

func testRisk() *risk.Engine {
	return risk.NewEngine(model.RiskLimits{
		MaxRiskPerTradeFraction:      0.01,
		MaxPositionNotionalPerSymbol: 100000,
		MaxAggregateExposure:         500000,
		MaxDailyLossFraction:         0.03,
		MinOrderQty:                  0.001,
	}, model.Account{Equity: 10000, AvailableBalance: 10000}, zap.NewNop())
}

func newTestEngine(client *fakeClient) *Engine {
	cfg := service.ExecutionConfig{
		PriceOffsetFraction: 0.001,
		MaxAttempts:         3,
		RetryBackoff:        time.Millisecond,
		SubmitQueueSize:     4,
	}
	e := NewEngine(cfg, client, testRisk(), storage.Noop{}, 100*time.Millisecond, zap.NewNop())
	e.sleep = func(time.Duration) {}
	return e
}

func testRequest() model.SizedOrderRequest {
	return model.SizedOrderRequest{
		Symbol:        "KRW-BTC",
		Side:          model.SideBuy,
		Quantity:      0.5,
		MaxPrice:      101,
		ClientOrderID: "KRW-BTC-buy-1748736000000",
	}
}

func TestSubmitPlacesLimitOrder(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(client)

	order, err := engine.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, order.Status)
	assert.Equal(t, "ex-KRW-BTC-buy-1748736000000", order.ExchangeOrderID)
	// 买单限价 = ask * (1 + offset)
	assert.InDelta(t, 100*1.001, order.Price, 1e-9)
	assert.Equal(t, 1, client.placeCalls)
}

func TestSubmitDuplicateClientOrderIDIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(client)
	req := testRequest()

	first, err := engine.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := engine.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
	assert.Equal(t, 1, client.placeCalls, "duplicate submit must not reach the exchange")

	assert.Len(t, engine.LiveOrders(), 1)
}

func TestSubmitRetriesWithSameClientOrderID(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(_ context.Context, _ string, _ model.Side, _, _ float64, id string) (model.OrderAck, error) {
		if client.placeCalls < 3 {
			return model.OrderAck{}, model.ErrTransientNetwork
		}
		return model.OrderAck{Accepted: true, ExchangeOrderID: "ex-1", ClientOrderID: id}, nil
	}
	engine := newTestEngine(client)

	order, err := engine.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, order.Status)
	require.Equal(t, 3, client.placeCalls)
	// 重试沿用同一个幂等键
	assert.Equal(t, client.placedIDs[0], client.placedIDs[1])
	assert.Equal(t, client.placedIDs[0], client.placedIDs[2])
}

func TestSubmitExhaustedRetriesRejectsLocally(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(context.Context, string, model.Side, float64, float64, string) (model.OrderAck, error) {
		return model.OrderAck{}, model.ErrTransientNetwork
	}
	engine := newTestEngine(client)
	req := testRequest()

	_, err := engine.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExecutionFailure))
	assert.Equal(t, 3, client.placeCalls)

	order, ok := engine.Order(req.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderRejected, order.Status)

	// 同一个幂等键不再重试
	_, err = engine.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExecutionFailure))
	assert.Equal(t, 3, client.placeCalls)
}

func TestSubmitUnknownOutcomeResolvedByQuery(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(context.Context, string, model.Side, float64, float64, string) (model.OrderAck, error) {
		// 应答丢失：交易所其实已接受
		return model.OrderAck{}, context.DeadlineExceeded
	}
	client.queryFn = func(_ context.Context, id string) (*model.Order, error) {
		return &model.Order{
			ClientOrderID:   id,
			ExchangeOrderID: "ex-recovered",
			Symbol:          "KRW-BTC",
			Side:            model.SideBuy,
			Price:           100.1,
			Quantity:        0.5,
			Status:          model.OrderOpen,
		}, nil
	}
	engine := newTestEngine(client)

	order, err := engine.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, order.Status)
	assert.Equal(t, "ex-recovered", order.ExchangeOrderID)
	assert.Equal(t, 1, client.placeCalls, "recovered order must not be re-sent")
}

func TestSubmitExchangeRejectionIsTerminal(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(context.Context, string, model.Side, float64, float64, string) (model.OrderAck, error) {
		return model.OrderAck{Accepted: false, Reason: "insufficient balance"}, nil
	}
	engine := newTestEngine(client)
	req := testRequest()

	_, err := engine.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExecutionFailure))

	order, ok := engine.Order(req.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderRejected, order.Status)
	assert.Equal(t, 1, client.placeCalls)
}

func TestOnFillAdvancesStateAndIgnoresDuplicates(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(client)
	req := testRequest()

	_, err := engine.Submit(context.Background(), req)
	require.NoError(t, err)

	fill := model.Fill{
		FillID:        "f1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          model.SideBuy,
		Price:         100.1,
		Quantity:      0.2,
	}
	engine.OnFill(fill)
	order, _ := engine.Order(req.ClientOrderID)
	assert.Equal(t, model.OrderPartFilled, order.Status)
	assert.InDelta(t, 0.2, order.FilledQuantity, 1e-9)

	// 重复的 FillID 必须被忽略
	engine.OnFill(fill)
	order, _ = engine.Order(req.ClientOrderID)
	assert.InDelta(t, 0.2, order.FilledQuantity, 1e-9)

	fill.FillID = "f2"
	fill.Quantity = 0.3
	engine.OnFill(fill)
	order, _ = engine.Order(req.ClientOrderID)
	assert.Equal(t, model.OrderFilled, order.Status)
	assert.InDelta(t, 0.5, order.FilledQuantity, 1e-9)

	// 终态订单不再接受回报
	engine.OnFill(model.Fill{FillID: "f3", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: model.SideBuy, Price: 100, Quantity: 1})
	order, _ = engine.Order(req.ClientOrderID)
	assert.Equal(t, model.OrderFilled, order.Status)
	assert.InDelta(t, 0.5, order.FilledQuantity, 1e-9)
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(context.Context, string, model.Side, float64, float64, string) (model.OrderAck, error) {
		return model.OrderAck{Accepted: false, Reason: "rejected"}, nil
	}
	engine := newTestEngine(client)
	req := testRequest()

	_, _ = engine.Submit(context.Background(), req)

	cancelCalled := false
	client.cancelFn = func(context.Context, string) error {
		cancelCalled = true
		return nil
	}
	err := engine.Cancel(context.Background(), req.ClientOrderID)
	assert.NoError(t, err)
	assert.False(t, cancelCalled)
}

func TestCancelOpenOrder(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(client)
	req := testRequest()

	_, err := engine.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(context.Background(), req.ClientOrderID))
	order, _ := engine.Order(req.ClientOrderID)
	assert.Equal(t, model.OrderCancelled, order.Status)
	assert.Empty(t, engine.LiveOrders())

	// 撤单后的回报被忽略
	engine.OnFill(model.Fill{FillID: "late", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: model.SideBuy, Price: 100, Quantity: 0.5})
	order, _ = engine.Order(req.ClientOrderID)
	assert.InDelta(t, 0.0, order.FilledQuantity, 1e-9)
}

func TestCancelUnknownOrderErrors(t *testing.T) {
	engine := newTestEngine(&fakeClient{})
	assert.Error(t, engine.Cancel(context.Background(), "never-seen"))
}

func TestReconcileExchangeStateWins(t *testing.T) {
	client := &fakeClient{}
	client.openFn = func(context.Context) ([]model.Order, error) {
		return []model.Order{{
			ClientOrderID:   "KRW-BTC-buy-1",
			ExchangeOrderID: "ex-1",
			Symbol:          "KRW-BTC",
			Side:            model.SideBuy,
			Price:           100,
			Quantity:        1,
			FilledQuantity:  0.4,
			Status:          model.OrderPartFilled,
		}}, nil
	}
	engine := newTestEngine(client)

	require.NoError(t, engine.Reconcile(context.Background()))
	order, ok := engine.Order("KRW-BTC-buy-1")
	require.True(t, ok)
	assert.Equal(t, model.OrderPartFilled, order.Status)
	assert.InDelta(t, 0.4, order.FilledQuantity, 1e-9)
	assert.Len(t, engine.LiveOrders(), 1)
}

func TestBuyLimitPriceCappedAtApprovedPrice(t *testing.T) {
	limits := model.RiskLimits{
		MaxRiskPerTradeFraction:      0.01,
		MaxPositionNotionalPerSymbol: 1000,
		MaxAggregateExposure:         500000,
		MaxDailyLossFraction:         0.03,
		MinOrderQty:                  0.001,
	}
	riskEngine := risk.NewEngine(limits,
		model.Account{Equity: 10000, AvailableBalance: 10000}, zap.NewNop())

	// 偏移 1%，最优卖价恰好等于批准价：未封顶时限价会到 101
	client := &fakeClient{}
	cfg := service.ExecutionConfig{
		PriceOffsetFraction: 0.01,
		MaxAttempts:         1,
		RetryBackoff:        time.Millisecond,
		SubmitQueueSize:     4,
	}
	engine := NewEngine(cfg, client, riskEngine, storage.Noop{}, time.Second, zap.NewNop())
	engine.sleep = func(time.Duration) {}

	req, err := riskEngine.Size(model.Signal{
		Symbol: "KRW-BTC", Direction: model.DirLong, Price: 100, StopDistance: 2,
		WindowEnd: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.InDelta(t, 10.0, req.Quantity, 1e-9)

	order, err := engine.Submit(context.Background(), *req)
	require.NoError(t, err)

	// 限价不得超过风控批准价，否则挂单名义敞口突破单交易对上限
	assert.InDelta(t, 100.0, order.Price, 1e-9)
	assert.LessOrEqual(t, order.Price*order.Quantity, limits.MaxPositionNotionalPerSymbol+1e-9)
}

func TestSubmitHonorsRateLimitRetryAfter(t *testing.T) {
	client := &fakeClient{}
	client.placeFn = func(_ context.Context, _ string, _ model.Side, _, _ float64, id string) (model.OrderAck, error) {
		if client.placeCalls == 1 {
			return model.OrderAck{}, &model.RateLimitError{RetryAfter: 250 * time.Millisecond}
		}
		return model.OrderAck{Accepted: true, ExchangeOrderID: "ex-" + id, ClientOrderID: id}, nil
	}
	engine := newTestEngine(client)
	var waits []time.Duration
	engine.sleep = func(d time.Duration) { waits = append(waits, d) }

	order, err := engine.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, order.Status)

	// 交易所指定的等待时间长于本地退避时以它为准
	require.Len(t, waits, 1)
	assert.Equal(t, 250*time.Millisecond, waits[0])
}

func TestSubmitQueueFullReturnsExchangeBusy(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	client := &fakeClient{}
	client.placeFn = func(_ context.Context, _ string, _ model.Side, _, _ float64, id string) (model.OrderAck, error) {
		entered <- struct{}{}
		<-release
		return model.OrderAck{Accepted: true, ExchangeOrderID: "ex-" + id, ClientOrderID: id}, nil
	}

	cfg := service.ExecutionConfig{
		PriceOffsetFraction: 0.001,
		MaxAttempts:         1,
		RetryBackoff:        time.Millisecond,
		SubmitQueueSize:     1,
	}
	engine := NewEngine(cfg, client, testRisk(), storage.Noop{}, time.Second, zap.NewNop())
	engine.sleep = func(time.Duration) {}

	first := testRequest()
	done := make(chan error, 1)
	go func() {
		_, err := engine.Submit(context.Background(), first)
		done <- err
	}()
	<-entered

	// 队列已被第一单占满
	second := testRequest()
	second.ClientOrderID = "KRW-BTC-buy-1748736300000"
	_, err := engine.Submit(context.Background(), second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExchangeBusy))

	// 背压不烧掉幂等键：本地不留 REJECTED 记录
	_, ok := engine.Order(second.ClientOrderID)
	assert.False(t, ok)

	close(release)
	require.NoError(t, <-done)

	// 队列有空位后，同一逻辑意图可以重新提交
	order, err := engine.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, order.Status)
	assert.Equal(t, second.ClientOrderID, order.ClientOrderID)
}

func TestSellLimitPriceUsesBidWithFloor(t *testing.T) {
	client := &fakeClient{}
	engine := newTestEngine(client)
	req := model.SizedOrderRequest{
		Symbol:        "KRW-BTC",
		Side:          model.SideSell,
		Quantity:      0.5,
		MaxPrice:      99,
		ClientOrderID: "KRW-BTC-sell-1748736000000",
	}

	order, err := engine.Submit(context.Background(), req)
	require.NoError(t, err)
	// 卖单限价 = bid * (1 - offset)，但不低于风控批准的下限
	assert.InDelta(t, 99.0, order.Price, 1e-9)
}
