package data

import (
	"math"
	"time"

	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/service"

	"go.uber.org/zap"
)

// Aggregator 将单个交易对的 Ticker 流聚合为指定周期的 K 线，
// 收盘的 K 线写入 Store 并转发到输出通道。
// 一个交易对一个 Aggregator，各自在独立 goroutine 中运行。
type Aggregator struct {
	symbol    string
	timeframe string
	interval  time.Duration
	store     *Store
	inChan    <-chan model.Ticker
	outChan   chan model.Candle
	current   model.Candle
	started   bool
	logger    *zap.Logger
}

// NewAggregator 创建聚合器，timeframe 必须是可解析的周期字符串
func NewAggregator(symbol, timeframe string, store *Store, in <-chan model.Ticker, logger *zap.Logger) (*Aggregator, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		symbol:    symbol,
		timeframe: timeframe,
		interval:  interval,
		store:     store,
		inChan:    in,
		outChan:   make(chan model.Candle, 100),
		logger:    logger.With(zap.String("Symbol", symbol), zap.String("Timeframe", timeframe)),
	}, nil
}

// Candles 返回收盘 K 线的输出通道，供主循环消费
func (agg *Aggregator) Candles() <-chan model.Candle {
	return agg.outChan
}

// Run 是聚合器的核心循环，输入通道关闭后冲刷最后一根 K 线并退出
func (agg *Aggregator) Run() {
	agg.logger.Info("Aggregator started")

	for ticker := range agg.inChan {
		if ticker.Symbol != agg.symbol {
			continue
		}
		agg.processTicker(ticker)
	}

	// 输入流结束：当前未收盘的 K 线也发出，避免丢数据
	if agg.started {
		agg.emit(agg.current)
	}
	close(agg.outChan)
	agg.logger.Info("Aggregator stopped")
}

// processTicker 将 Ticker 归并到所属周期的 K 线
func (agg *Aggregator) processTicker(ticker model.Ticker) {
	tickerTime := time.UnixMilli(ticker.Timestamp)
	bucketStart := tickerTime.Truncate(agg.interval)

	// Ticker 落在上一根已发出的 K 线之前：丢弃，交给 Store 计 gap 由回补处理
	if agg.started && bucketStart.Before(agg.current.OpenTime) {
		return
	}

	// 跨过周期边界：当前 K 线收盘
	if agg.started && bucketStart.After(agg.current.OpenTime) {
		agg.emit(agg.current)
		agg.current = model.Candle{
			Symbol:    agg.symbol,
			Timeframe: agg.timeframe,
			OpenTime:  bucketStart,
			// 新 K 线的开盘价取上一根的收盘价，保持价格连续
			Open: agg.current.Close,
			High: ticker.Price,
			Low:  ticker.Price,
		}
	}

	if !agg.started {
		agg.current = model.Candle{
			Symbol:    agg.symbol,
			Timeframe: agg.timeframe,
			OpenTime:  bucketStart,
			Open:      ticker.Price,
			High:      ticker.Price,
			Low:       ticker.Price,
		}
		agg.started = true
	}

	agg.current.Close = ticker.Price
	agg.current.High = math.Max(agg.current.High, ticker.Price)
	agg.current.Low = math.Min(agg.current.Low, ticker.Price)
	agg.current.Volume += ticker.Volume
}

func (agg *Aggregator) emit(candle model.Candle) {
	agg.store.Ingest(candle)
	select {
	case agg.outChan <- candle:
	default:
		agg.logger.Warn("Candle output channel full! Dropping completed candle.",
			zap.Time("OpenTime", candle.OpenTime))
	}
}
