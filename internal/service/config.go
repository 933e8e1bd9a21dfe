// internal/service/config.go
package service

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name      string
	AccessKey string
	SecretKey string
	WSURL     string
	RESTURL   string
	// 每次交易所调用的超时时间
	RequestTimeout time.Duration
	// Paper 模式下不访问真实交易所，使用内置模拟撮合
	Paper bool
}

// StrategyConfig 定义了信号引擎参数
type StrategyConfig struct {
	Timeframe      string  // 评估使用的 K 线周期，如 "5m"
	Lookback       int     // 滚动窗口长度 N
	EMAFast        int     // 短周期 EMA
	EMASlow        int     // 长周期 EMA
	MomentumWindow int     // 动量子窗口长度
	TrendWeight    float64 // 趋势项权重 (与 MomentumWeight 之和为 1)
	MomentumWeight float64 // 动量项权重
	EntryThreshold float64 // 开仓分数阈值
	ExitThreshold  float64 // 平仓分数阈值
	TopK           int     // 每轮最多进入 sizing 的 LONG 信号数
}

// RiskConfig 定义了风控参数
type RiskConfig struct {
	InitialEquity                float64 // 启动时的账户权益 (实盘应由对账覆盖)
	MaxRiskPerTradeFraction      float64 // 单笔交易最大风险占权益比例
	MaxPositionNotionalPerSymbol float64 // 单交易对最大名义敞口
	MaxAggregateExposure         float64 // 全账户最大名义敞口
	MaxDailyLossFraction         float64 // 当日最大亏损占权益比例，触发熔断
	MinOrderQty                  float64 // 最小可交易数量，低于则拒绝
	ATRPeriod                    int     // 止损距离估计使用的 ATR 周期
	ATRMultiplier                float64 // 止损距离 = ATR * 该系数
	DayBoundaryHourUTC           int     // 交易日切换的 UTC 小时 (重置日内亏损)
}

// ExecutionConfig 定义了订单执行参数
type ExecutionConfig struct {
	PriceOffsetFraction float64       // 限价相对最优价的偏移上限 (买: ask*(1+x))
	MaxAttempts         int           // 瞬时错误的最大重试次数
	RetryBackoff        time.Duration // 首次重试退避，之后指数增长
	SubmitQueueSize     int           // 串行提交队列长度，满时返回 exchange busy
}

// EngineConfig 定义了主循环参数
type EngineConfig struct {
	TickInterval time.Duration // 每轮评估周期
	Symbols      []string      // 静态交易对列表
}

// DatabaseConfig 定义了持久化连接
type DatabaseConfig struct {
	DSN     string
	Disable bool // 为 true 时使用 Noop 存储 (paper/测试)
}

// ServerConfig 定义了只读状态接口
type ServerConfig struct {
	Addr string // 如 ":8080"，为空则不启动
}

// ProfilingConfig 定义了可选的持续 profiling 上报
type ProfilingConfig struct {
	Enabled   bool
	ServerURL string
	AppName   string
}

type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"Exchange"`
	Strategy  StrategyConfig  `mapstructure:"Strategy"`
	Risk      RiskConfig      `mapstructure:"Risk"`
	Execution ExecutionConfig `mapstructure:"Execution"`
	Engine    EngineConfig    `mapstructure:"Engine"`
	Database  DatabaseConfig  `mapstructure:"Database"`
	Server    ServerConfig    `mapstructure:"Server"`
	Profiling ProfilingConfig `mapstructure:"Profiling"`
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件，加载后即不可变
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	if err := GlobalConfig.Validate(); err != nil {
		log.Fatalf("Invalid config: %s", err)
	}

	return &GlobalConfig
}

// Validate 校验配置的内部一致性，启动时失败即退出
func (c *Config) Validate() error {
	s := c.Strategy
	if s.EMAFast <= 0 || s.EMASlow <= 0 || s.EMAFast >= s.EMASlow {
		return fmt.Errorf("strategy: EMAFast (%d) must be positive and less than EMASlow (%d)", s.EMAFast, s.EMASlow)
	}
	if s.Lookback < s.EMASlow {
		return fmt.Errorf("strategy: Lookback (%d) must cover EMASlow (%d)", s.Lookback, s.EMASlow)
	}
	if s.MomentumWindow <= 0 || s.MomentumWindow > s.Lookback {
		return fmt.Errorf("strategy: MomentumWindow (%d) out of range", s.MomentumWindow)
	}
	if w := s.TrendWeight + s.MomentumWeight; w < 0.999 || w > 1.001 {
		return fmt.Errorf("strategy: TrendWeight+MomentumWeight must sum to 1, got %f", w)
	}
	if _, err := ParseIntervalDuration(s.Timeframe); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	r := c.Risk
	if r.MaxRiskPerTradeFraction <= 0 || r.MaxRiskPerTradeFraction > 1 {
		return fmt.Errorf("risk: MaxRiskPerTradeFraction out of (0,1]")
	}
	if r.MaxDailyLossFraction <= 0 || r.MaxDailyLossFraction > 1 {
		return fmt.Errorf("risk: MaxDailyLossFraction out of (0,1]")
	}
	if r.MaxPositionNotionalPerSymbol <= 0 || r.MaxAggregateExposure <= 0 {
		return fmt.Errorf("risk: notional caps must be positive")
	}
	if r.ATRPeriod <= 0 || r.ATRMultiplier <= 0 {
		return fmt.Errorf("risk: ATR parameters must be positive")
	}
	if r.DayBoundaryHourUTC < 0 || r.DayBoundaryHourUTC > 23 {
		return fmt.Errorf("risk: DayBoundaryHourUTC out of [0,23]")
	}

	e := c.Execution
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("execution: MaxAttempts must be positive")
	}
	if e.RetryBackoff <= 0 {
		return fmt.Errorf("execution: RetryBackoff must be positive")
	}
	if e.SubmitQueueSize <= 0 {
		return fmt.Errorf("execution: SubmitQueueSize must be positive")
	}
	if e.PriceOffsetFraction < 0 {
		return fmt.Errorf("execution: PriceOffsetFraction must be non-negative")
	}

	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine: TickInterval must be positive")
	}
	return nil
}
