package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectAndReadDoesNotLeakWatcher(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// 立刻断开：客户端读取必然失败并返回
		conn.Close()
	}))
	defer srv.Close()

	c := NewConnector("ws"+strings.TrimPrefix(srv.URL, "http"),
		[]string{"KRW-BTC"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseline := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		_ = c.connectAndRead(ctx)
	}

	// 每次连接的 watcher 必须随连接退出，不随重连累积
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline+3 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d after 20 reconnects",
				baseline, runtime.NumGoroutine())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchRoutesTradesBySymbol(t *testing.T) {
	c := NewConnector("ws://unused", []string{"KRW-BTC"}, zap.NewNop())

	c.dispatch([]byte(`{"type":"trade","code":"KRW-BTC","trade_price":100.5,"trade_volume":0.2,"timestamp":1748736000000,"ask_bid":"ASK"}`))
	c.dispatch([]byte(`{"type":"trade","code":"KRW-ETH","trade_price":50,"trade_volume":1,"timestamp":1748736000000,"ask_bid":"BID"}`)) // 未订阅
	c.dispatch([]byte(`{"status":"UP"}`))                                                                                              // 控制消息
	c.dispatch([]byte(`not json`))

	require.Len(t, c.TickerChannel("KRW-BTC"), 1)
	ticker := <-c.TickerChannel("KRW-BTC")
	assert.Equal(t, 100.5, ticker.Price)
	assert.Equal(t, 0.2, ticker.Volume)
	assert.Equal(t, int64(1748736000000), ticker.Timestamp)
	assert.True(t, ticker.IsBuyerMaker)
}
