// Package exchange 定义核心依赖的交易所窄接口及其实现。
// 核心只消费该接口：传输、鉴权、断线重连都属于适配层。
package exchange

import (
	"context"

	"spot-auto-trader/internal/model"
)

// Client 是交易所适配器的契约，所有调用都必须带超时 ctx。
// 超时返回的错误应能被 model.IsRetryable 识别，由上层按幂等键重试或查询。
type Client interface {
	// FetchHistory 返回按 OpenTime 升序的最近 count 根 K 线
	FetchHistory(ctx context.Context, symbol, timeframe string, count int) ([]model.Candle, error)

	// BestQuote 返回当前最优买卖价
	BestQuote(ctx context.Context, symbol string) (model.Quote, error)

	// PlaceLimitOrder 以 clientOrderID 作为幂等键提交限价单
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, quantity float64, clientOrderID string) (model.OrderAck, error)

	// CancelOrder 请求撤单
	CancelOrder(ctx context.Context, exchangeOrderID string) error

	// OrderByClientID 按幂等键查询订单，未知结果的提交靠它解决
	// 订单不存在时返回 (nil, nil)
	OrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error)

	// OpenOrders 返回交易所侧的全部未完结订单，启动对账使用
	OpenOrders(ctx context.Context) ([]model.Order, error)

	// StreamFills 返回成交回报流，通道在 ctx 取消后关闭
	StreamFills(ctx context.Context) (<-chan model.Fill, error)
}
