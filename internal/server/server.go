// Package server 暴露给 dashboard 的只读状态接口。
// 所有 handler 都是核心状态的纯读取，绝不触发核心变更。
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"spot-auto-trader/internal/data"
	"spot-auto-trader/internal/model"
	"spot-auto-trader/internal/risk"

	"go.uber.org/zap"
)

// UniverseFn 返回当前可交易的交易对集合 (由外部 universe 选择提供)
type UniverseFn func() []string

// Server 持有只读依赖
type Server struct {
	risk     *risk.Engine
	store    *data.Store
	universe UniverseFn
	logger   *zap.Logger
}

func New(riskEngine *risk.Engine, store *data.Store, universe UniverseFn, logger *zap.Logger) *Server {
	return &Server{
		risk:     riskEngine,
		store:    store,
		universe: universe,
		logger:   logger,
	}
}

// Handler 返回挂载了全部只读路由的 mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /markets", s.handleMarkets)
	mux.HandleFunc("GET /balances", s.handleBalances)
	return mux
}

// Run 在 addr 上启动 HTTP 服务，阻塞直到出错
func (s *Server) Run(addr string) error {
	s.logger.Info("Status server listening", zap.String("Addr", addr))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

type healthResponse struct {
	TradingHalted bool                 `json:"tradingHalted"`
	LastIngest    map[string]time.Time `json:"lastIngest"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		TradingHalted: s.risk.Halted(),
		LastIngest:    s.store.LastIngestTimes(),
	})
}

func (s *Server) handleMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"markets": s.universe()})
}

type balancesResponse struct {
	Account   model.Account             `json:"account"`
	Positions map[string]model.Position `json:"positions"`
}

func (s *Server) handleBalances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, balancesResponse{
		Account:   s.risk.AccountSnapshot(),
		Positions: s.risk.PositionsSnapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
