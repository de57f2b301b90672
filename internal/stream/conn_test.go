package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perprun/perprun/internal/domain"
)

func TestPublicStreamURL(t *testing.T) {
	assert.Equal(t, "wss://stream.bybit.com/v5/public/linear",
		PublicStreamURL(domain.CategoryLinear, false))
	assert.Equal(t, "wss://stream-testnet.bybit.com/v5/public/inverse",
		PublicStreamURL(domain.CategoryInverse, true))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "degraded", StateDegraded.String())
}

// wsTestServer accepts one connection at a time, records subscribe frames
// and pushes canned data frames.
type wsTestServer struct {
	*httptest.Server
	mu   sync.Mutex
	subs [][]string
	send chan []byte
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{send: make(chan []byte, 16)}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, payload, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var op wsOp
				if json.Unmarshal(payload, &op) != nil {
					continue
				}
				switch op.Op {
				case "subscribe":
					s.mu.Lock()
					s.subs = append(s.subs, op.Args)
					s.mu.Unlock()
					ack, _ := json.Marshal(map[string]interface{}{
						"op": "subscribe", "success": true,
					})
					conn.WriteMessage(websocket.TextMessage, ack)
				case "ping":
					pong, _ := json.Marshal(map[string]interface{}{"op": "pong"})
					conn.WriteMessage(websocket.TextMessage, pong)
				}
			}
		}()
		for {
			select {
			case <-done:
				return
			case msg := <-s.send:
				if conn.WriteMessage(websocket.TextMessage, msg) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsTestServer) subscribed() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.subs))
	copy(out, s.subs)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnSubscribesAndDeliversData(t *testing.T) {
	srv := newWSTestServer(t)

	var mu sync.Mutex
	var got [][]byte
	c := NewConn(domain.CategoryLinear, false, func(_ domain.Category, payload []byte) {
		mu.Lock()
		got = append(got, append([]byte(nil), payload...))
		mu.Unlock()
	}, nil)
	c.url = srv.wsURL()
	require.NoError(t, c.Subscribe(TickerTopic("BTCUSDT")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 3*time.Second, func() bool {
		return c.State() == StateSubscribed
	})
	subs := srv.subscribed()
	require.NotEmpty(t, subs)
	assert.Equal(t, []string{"tickers.BTCUSDT"}, subs[0])

	srv.send <- []byte(`{"topic":"tickers.BTCUSDT","data":{"s":"BTCUSDT","lp":"1"}}`)
	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	assert.Positive(t, c.MessageCount())
}

func TestConnReplaysTopicsAfterReconnect(t *testing.T) {
	srv := newWSTestServer(t)

	c := NewConn(domain.CategoryLinear, false, nil, nil)
	c.url = srv.wsURL()
	require.NoError(t, c.Subscribe(TickerTopic("ETHUSDT")))
	// Tight idle limit forces the read deadline to recycle the session.
	c.SetIdleLimit(150 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		return len(srv.subscribed()) >= 2
	})
	for _, args := range srv.subscribed() {
		assert.Equal(t, []string{"tickers.ETHUSDT"}, args)
	}
	assert.Positive(t, c.Reconnects())
}

func TestSubscribeWhileDisconnectedQueues(t *testing.T) {
	c := NewConn(domain.CategoryLinear, false, nil, nil)
	require.NoError(t, c.Subscribe(TickerTopic("BTCUSDT")))
	require.NoError(t, c.Unsubscribe(TickerTopic("BTCUSDT")))
	assert.Len(t, c.topics, 0)
}
