package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"spot-auto-trader/internal/bot"
	"spot-auto-trader/internal/data"
	"spot-auto-trader/internal/exchange"
	"spot-auto-trader/internal/execution"
	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/risk"
	"spot-auto-trader/internal/server"
	"spot-auto-trader/internal/service"
	"spot-auto-trader/internal/storage"
	"spot-auto-trader/internal/strategy"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
)

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	if cfg.Profiling.Enabled {
		_, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerURL,
		})
		if err != nil {
			service.Logger.Warn("Pyroscope start failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 持久化协作方：paper 模式或显式禁用时退化为 Noop
	var persistent storage.Store = storage.Noop{}
	if !cfg.Database.Disable && cfg.Database.DSN != "" {
		pg, err := storage.NewPostgres(cfg.Database.DSN)
		if err != nil {
			service.Logger.Fatal("Database connection failed", zap.Error(err))
		}
		persistent = pg
	}

	// 交易所适配层
	var client exchange.Client
	var tickers bot.TickerSource
	if cfg.Exchange.Paper {
		client = exchange.NewPaperClient()
		service.Logger.Info("Running in paper mode")
	} else {
		// TODO: 接入真实交易所的 REST 适配器 (鉴权签名在适配层实现)
		connector := exchange.NewConnector(cfg.Exchange.WSURL, cfg.Engine.Symbols, service.Logger)
		go connector.Start(ctx)
		tickers = connector
		client = exchange.NewPaperClient()
	}

	// 核心组件装配
	store := data.NewStore(cfg.Strategy.Lookback, service.Logger)
	stopEstimator := strategy.ATRStopEstimator(cfg.Risk.ATRPeriod, cfg.Risk.ATRMultiplier)
	strategyEngine := strategy.NewEngine(cfg.Strategy, stopEstimator)

	limits := model.RiskLimits{
		MaxRiskPerTradeFraction:      cfg.Risk.MaxRiskPerTradeFraction,
		MaxPositionNotionalPerSymbol: cfg.Risk.MaxPositionNotionalPerSymbol,
		MaxAggregateExposure:         cfg.Risk.MaxAggregateExposure,
		MaxDailyLossFraction:         cfg.Risk.MaxDailyLossFraction,
		MinOrderQty:                  cfg.Risk.MinOrderQty,
	}
	account := model.Account{
		Equity:           cfg.Risk.InitialEquity,
		AvailableBalance: cfg.Risk.InitialEquity,
	}
	riskEngine := risk.NewEngine(limits, account, service.Logger)

	executionEngine := execution.NewEngine(
		cfg.Execution, client, riskEngine, persistent,
		cfg.Exchange.RequestTimeout, service.Logger)

	universe := bot.StaticUniverse(cfg.Engine.Symbols)

	// 只读状态接口
	if cfg.Server.Addr != "" {
		statusServer := server.New(riskEngine, store, server.UniverseFn(universe), service.Logger)
		go func() {
			if err := statusServer.Run(cfg.Server.Addr); err != nil {
				service.Logger.Error("Status server stopped", zap.Error(err))
			}
		}()
	}

	trader := bot.New(cfg, store, strategyEngine, riskEngine, executionEngine,
		client, persistent, universe, tickers, service.Logger)

	if err := trader.Run(ctx); err != nil {
		service.Logger.Fatal("Trading loop failed", zap.Error(err))
	}
	service.Logger.Info("Shutdown complete")
}
