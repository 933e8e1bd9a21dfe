// Package data 负责 K 线的滚动缓存与实时聚合。
// 存储按 (symbol, timeframe) 分片，跨交易对操作不需要全局锁。
package data

import (
	"sort"
	"sync"
	"time"

	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/service"

	"go.uber.org/zap"
)

type seriesKey struct {
	symbol    string
	timeframe string
}

// series 是单个 (symbol, timeframe) 的有界环形历史
// candles 始终按 OpenTime 严格升序且无重复
type series struct {
	mu       sync.Mutex
	candles  []model.Candle
	interval time.Duration
	gapCount int64
}

// Store 是有界的 K 线滚动缓存
// 写入按分片加锁，读取返回点时快照，互不阻塞
type Store struct {
	mu         sync.RWMutex
	series     map[seriesKey]*series
	lookback   int
	lastIngest map[string]time.Time
	now        func() time.Time
	logger     *zap.Logger
}

// NewStore 创建缓存，lookback 为每个序列保留的最大 K 线数
func NewStore(lookback int, logger *zap.Logger) *Store {
	return &Store{
		series:     make(map[seriesKey]*series),
		lookback:   lookback,
		lastIngest: make(map[string]time.Time),
		now:        time.Now,
		logger:     logger,
	}
}

func (s *Store) getSeries(symbol, timeframe string) *series {
	key := seriesKey{symbol, timeframe}

	s.mu.RLock()
	sr, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[key]; ok {
		return sr
	}
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		// 未知周期按 1m 对待，只影响 overwrite 判定
		interval = time.Minute
	}
	sr = &series{interval: interval}
	s.series[key] = sr
	return sr
}

// Ingest 写入一根 K 线，幂等：
//   - 时间键已存在且数据相同 -> no-op
//   - 时间键已存在、数据不同且旧 K 线尚未过收盘边界 -> 原地覆盖
//   - 比窗口最老一根还旧 -> 丢弃并计为 DataGap 事件，不算错误
func (s *Store) Ingest(candle model.Candle) {
	sr := s.getSeries(candle.Symbol, candle.Timeframe)

	sr.mu.Lock()
	s.ingestLocked(sr, candle)
	sr.mu.Unlock()

	s.mu.Lock()
	s.lastIngest[candle.Symbol] = s.now()
	s.mu.Unlock()
}

func (s *Store) ingestLocked(sr *series, candle model.Candle) {
	n := len(sr.candles)
	key := candle.Key()

	// 快路径：追加到尾部
	if n == 0 || key > sr.candles[n-1].Key() {
		sr.candles = append(sr.candles, candle)
		s.evictLocked(sr)
		return
	}

	// 查找已存在的时间键
	idx := sort.Search(n, func(i int) bool { return sr.candles[i].Key() >= key })
	if idx < n && sr.candles[idx].Key() == key {
		existing := sr.candles[idx]
		if sameBar(existing, candle) {
			return
		}
		// 旧 K 线已过收盘边界则视为不可变
		closedAt := existing.OpenTime.Add(sr.interval)
		if s.now().Before(closedAt) {
			sr.candles[idx] = candle
		}
		return
	}

	// 比窗口最老一根还旧：丢弃并计 gap
	if key < sr.candles[0].Key() && n >= s.lookback {
		sr.gapCount++
		if s.logger != nil {
			s.logger.Warn("Dropping out-of-order candle",
				zap.String("Symbol", candle.Symbol),
				zap.String("Timeframe", candle.Timeframe),
				zap.Time("OpenTime", candle.OpenTime))
		}
		return
	}

	// 窗口内缺口回填：按序插入
	sr.candles = append(sr.candles, model.Candle{})
	copy(sr.candles[idx+1:], sr.candles[idx:])
	sr.candles[idx] = candle
	s.evictLocked(sr)
}

// sameBar 比较两根 K 线的行情数据，时间用 Equal 以避免单调时钟干扰
func sameBar(a, b model.Candle) bool {
	return a.OpenTime.Equal(b.OpenTime) &&
		a.Open == b.Open && a.High == b.High && a.Low == b.Low &&
		a.Close == b.Close && a.Volume == b.Volume
}

func (s *Store) evictLocked(sr *series) {
	if over := len(sr.candles) - s.lookback; over > 0 {
		sr.candles = append(sr.candles[:0], sr.candles[over:]...)
	}
}

// Window 返回最近 <= n 根 K 线的升序快照
// 预热期内返回少于 n 根；快照不受后续写入影响
func (s *Store) Window(symbol, timeframe string, n int) []model.Candle {
	sr := s.getSeries(symbol, timeframe)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	start := len(sr.candles) - n
	if start < 0 {
		start = 0
	}
	out := make([]model.Candle, len(sr.candles)-start)
	copy(out, sr.candles[start:])
	return out
}

// Backfill 冷启动时批量加载历史，乱序输入会被排序并去重
// 之后的实时写入对已覆盖的时间键是 no-op
func (s *Store) Backfill(symbol, timeframe string, candles []model.Candle) {
	if len(candles) == 0 {
		return
	}
	sorted := make([]model.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	sr := s.getSeries(symbol, timeframe)
	sr.mu.Lock()
	for _, c := range sorted {
		s.ingestLocked(sr, c)
	}
	sr.mu.Unlock()

	s.mu.Lock()
	s.lastIngest[symbol] = s.now()
	s.mu.Unlock()
}

// Size 返回当前序列长度，用于预热判断
func (s *Store) Size(symbol, timeframe string) int {
	sr := s.getSeries(symbol, timeframe)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.candles)
}

// GapCount 返回该序列累计的 DataGap 事件数
func (s *Store) GapCount(symbol, timeframe string) int64 {
	sr := s.getSeries(symbol, timeframe)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.gapCount
}

// LastIngestTimes 返回每个交易对最近一次写入时间的快照，供 health 查询
func (s *Store) LastIngestTimes() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.lastIngest))
	for k, v := range s.lastIngest {
		out[k] = v
	}
	return out
}
