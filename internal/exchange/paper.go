package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot-auto-trader/internal/model"
)

// PaperClient 是内置的模拟交易所，用于 paper 模式与测试。
// 订单立即 ack，成交由调用方通过 Fill 显式触发。
type PaperClient struct {
	mu        sync.Mutex
	nextID    int
	orders    map[string]*model.Order // key 为 ClientOrderID
	quotes    map[string]model.Quote
	history   map[string][]model.Candle // key 为 symbol+"/"+timeframe
	fillChan  chan model.Fill
	seenFills map[string]bool
}

func NewPaperClient() *PaperClient {
	return &PaperClient{
		orders:    make(map[string]*model.Order),
		quotes:    make(map[string]model.Quote),
		history:   make(map[string][]model.Candle),
		fillChan:  make(chan model.Fill, 256),
		seenFills: make(map[string]bool),
	}
}

// SetQuote 设置某交易对的最优买卖价
func (p *PaperClient) SetQuote(q model.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// SetHistory 预置历史 K 线，FetchHistory 从这里读取
func (p *PaperClient) SetHistory(symbol, timeframe string, candles []model.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[symbol+"/"+timeframe] = candles
}

func (p *PaperClient) FetchHistory(_ context.Context, symbol, timeframe string, count int) ([]model.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.history[symbol+"/"+timeframe]
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]model.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *PaperClient) BestQuote(_ context.Context, symbol string) (model.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no quote for %s", model.ErrTransientNetwork, symbol)
	}
	return q, nil
}

func (p *PaperClient) PlaceLimitOrder(_ context.Context, symbol string, side model.Side, price, quantity float64, clientOrderID string) (model.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 幂等：同一个 clientOrderID 的重复提交返回原订单的 ack
	if o, ok := p.orders[clientOrderID]; ok {
		return model.OrderAck{
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Accepted:        true,
		}, nil
	}

	if price <= 0 || quantity <= 0 {
		return model.OrderAck{
			ClientOrderID: clientOrderID,
			Accepted:      false,
			Reason:        "invalid price or quantity",
		}, nil
	}

	p.nextID++
	o := &model.Order{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", p.nextID),
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Quantity:        quantity,
		Status:          model.OrderOpen,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	p.orders[clientOrderID] = o
	return model.OrderAck{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Accepted:        true,
	}, nil
}

func (p *PaperClient) CancelOrder(_ context.Context, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.ExchangeOrderID == exchangeOrderID && !o.Status.IsTerminal() {
			o.Status = model.OrderCancelled
			o.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

func (p *PaperClient) OrderByClientID(_ context.Context, clientOrderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[clientOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (p *PaperClient) OpenOrders(_ context.Context) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Order
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperClient) StreamFills(ctx context.Context) (<-chan model.Fill, error) {
	out := make(chan model.Fill)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fill, ok := <-p.fillChan:
				if !ok {
					return
				}
				select {
				case out <- fill:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Fill 模拟一笔成交：推进订单状态并推送成交回报
func (p *PaperClient) Fill(clientOrderID string, price, quantity float64) error {
	p.mu.Lock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if o.Status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("order %s already terminal", clientOrderID)
	}

	o.FilledQuantity += quantity
	if o.FilledQuantity >= o.Quantity {
		o.FilledQuantity = o.Quantity
		o.Status = model.OrderFilled
	} else {
		o.Status = model.OrderPartFilled
	}
	o.UpdatedAt = time.Now()

	fill := model.Fill{
		FillID:          fmt.Sprintf("%s-f%d", clientOrderID, len(p.seenFills)+1),
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Price:           price,
		Quantity:        quantity,
		Timestamp:       time.Now(),
	}
	p.seenFills[fill.FillID] = true
	p.mu.Unlock()

	p.fillChan <- fill
	return nil
}
