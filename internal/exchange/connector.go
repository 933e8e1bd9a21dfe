package exchange

import (
	"context"
	"encoding/json"
	"time"

	"spot-auto-trader/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsTrade 适配交易所 trade 频道的数据结构
type wsTrade struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`        // 交易对代码
	Price     float64 `json:"trade_price"` // 成交价格
	Volume    float64 `json:"trade_volume"`
	Timestamp int64   `json:"timestamp"` // 毫秒时间戳
	AskBid    string  `json:"ask_bid"`   // ASK 或 BID (成交方向)
}

// Connector 维护行情 WebSocket 连接，把原始成交转为内部 Ticker，
// 按交易对分发到各自的通道。断线后自动重连，重连属于适配层不属于核心。
type Connector struct {
	wsURL    string
	symbols  []string
	channels map[string]chan model.Ticker
	logger   *zap.Logger
}

// NewConnector 为给定交易对集合创建连接器
func NewConnector(wsURL string, symbols []string, logger *zap.Logger) *Connector {
	channels := make(map[string]chan model.Ticker, len(symbols))
	for _, symbol := range symbols {
		// 缓冲区要能吸收高频成交的突发
		channels[symbol] = make(chan model.Ticker, 2048)
	}
	logger.Info("Connector initialized", zap.Strings("Symbols", symbols))
	return &Connector{
		wsURL:    wsURL,
		symbols:  symbols,
		channels: channels,
		logger:   logger,
	}
}

// TickerChannel 返回指定交易对的 Ticker 流
func (c *Connector) TickerChannel(symbol string) <-chan model.Ticker {
	return c.channels[symbol]
}

// Start 运行连接循环直到 ctx 取消，退出时关闭所有 Ticker 通道
func (c *Connector) Start(ctx context.Context) {
	defer func() {
		for _, ch := range c.channels {
			close(ch)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRead(ctx); err != nil {
			c.logger.Error("WS connection lost, reconnecting...", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Connector) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ctx 取消时关闭连接，打断阻塞中的 ReadMessage。
	// watcher 随本次连接退出，重连循环不会累积 goroutine。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	subscribe := []any{
		map[string]string{"ticket": "spot-auto-trader"},
		map[string]any{"type": "trade", "codes": c.symbols},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	c.logger.Info("Subscribed to trade streams", zap.Int("Symbols", len(c.symbols)))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(message)
	}
}

// dispatch 解析一条行情消息并转发到所属交易对的通道
func (c *Connector) dispatch(message []byte) {
	var trade wsTrade
	if err := json.Unmarshal(message, &trade); err != nil {
		return
	}
	if trade.Type != "trade" || trade.Code == "" {
		return // 订阅确认等控制消息
	}

	ch, ok := c.channels[trade.Code]
	if !ok {
		return
	}

	ticker := model.Ticker{
		Symbol:       trade.Code,
		Timestamp:    trade.Timestamp,
		Price:        trade.Price,
		Volume:       trade.Volume,
		IsBuyerMaker: trade.AskBid == "ASK",
	}

	// select/default 防止阻塞读循环
	select {
	case ch <- ticker:
	default:
		c.logger.Warn("Ticker channel full! Dropping trade data.",
			zap.String("Symbol", trade.Code))
	}
}
