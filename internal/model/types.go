package model

import (
	"fmt"
	"time"
)

// Ticker 代表最小粒度的市场数据（成交或价格快照）
type Ticker struct {
	Symbol       string  // 所属交易对，例如 "BTCUSDT"
	Timestamp    int64   // 毫秒时间戳
	Price        float64 // 价格
	Volume       float64 // 交易量 (0 表示价格快照)
	IsBuyerMaker bool    // 是否为 Maker 导致的成交
}

// Candle 代表一根已聚合的 K 线，收盘后不可变
// 唯一键为 (Symbol, Timeframe, OpenTime)
type Candle struct {
	Symbol    string
	Timeframe string // 周期，例如 "1m", "5m", "1h"
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Key 返回 K 线在其序列内的唯一时间键
func (c Candle) Key() int64 {
	return c.OpenTime.UnixMilli()
}

// Direction 定义了信号期望的方向
type Direction string

const (
	DirLong Direction = "LONG" // 进入或持有多头
	DirFlat Direction = "FLAT" // 无操作
	DirExit Direction = "EXIT" // 平掉已有仓位
)

// Signal 是策略引擎对一个窗口的评估结果，生成后不再修改
type Signal struct {
	Symbol       string
	Direction    Direction
	Score        float64 // 无界实数，趋势与动量的加权和
	Price        float64 // 窗口最后一根 K 线的收盘价
	StopDistance float64 // sizing 使用的预估止损距离 (波动率来源)
	GeneratedAt  time.Time
	WindowEnd    time.Time // 评估窗口最后一根 K 线的 OpenTime
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s] score=%.6f @ %.4f stop=%.4f",
		s.Symbol, s.Direction, s.Score, s.Price, s.StopDistance)
}

// Position 定义了当前持仓信息，只在成交回报时变更
type Position struct {
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
	UnrealizedPnl float64
}

// Notional 返回按给定价格计算的名义敞口
func (p Position) Notional(price float64) float64 {
	return p.Quantity * price
}

// Account 是进程级账户状态，由风控引擎独占持有
type Account struct {
	Equity            float64
	AvailableBalance  float64
	RealizedPnlToday  float64
	TradingHalted     bool // 熔断闩锁，置位后只能显式重置
}

// RiskLimits 是不可变的风控上限配置
type RiskLimits struct {
	MaxRiskPerTradeFraction      float64
	MaxPositionNotionalPerSymbol float64
	MaxAggregateExposure         float64
	MaxDailyLossFraction         float64
	MinOrderQty                  float64
}

// Side 定义了订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SizedOrderRequest 是风控批准后的下单请求
// ClientOrderID 是确定性幂等键，重试时复用，绝不重新生成
type SizedOrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      float64
	MaxPrice      float64 // 限价上限 (买) 或下限 (卖)
	ClientOrderID string
}

// ClientOrderID 由交易对与信号窗口终点推导，同一逻辑意图得到同一个键
func NewClientOrderID(symbol string, windowEnd time.Time, side Side) string {
	return fmt.Sprintf("%s-%s-%d", symbol, side, windowEnd.UnixMilli())
}

// OrderStatus 是订单生命周期的有限状态
type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderOpen       OrderStatus = "OPEN"
	OrderPartFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled     OrderStatus = "FILLED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRejected   OrderStatus = "REJECTED"
)

// IsTerminal 报告状态是否为终态，终态订单不再变更
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order 是执行引擎持有的订单视图
// 只由交易所的确认与成交回报驱动更新
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string // 交易所确认前为空
	Symbol          string
	Side            Side
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Notional 返回剩余挂单部分的名义敞口
func (o Order) Notional() float64 {
	return (o.Quantity - o.FilledQuantity) * o.Price
}

// Fill 是交易所推送的成交回报，FillID 用于去重
type Fill struct {
	FillID          string
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Price           float64
	Quantity        float64
	Fee             float64
	Timestamp       time.Time
}

// OrderAck 是下单请求的交易所应答
type OrderAck struct {
	ClientOrderID   string
	ExchangeOrderID string
	Accepted        bool
	Reason          string // 拒单原因，仅在 Accepted=false 时有值
}

// Quote 是当前的最优买卖价
type Quote struct {
	Symbol  string
	BestBid float64
	BestAsk float64
}
