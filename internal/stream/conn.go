package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perprun/perprun/internal/domain"
)

// State is the lifecycle position of one public stream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateSubscribed
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// backoffSchedule is walked on consecutive failed connects and sticks at
// its last entry. A successful session resets it.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const (
	pingInterval      = 20 * time.Second
	heartbeatInterval = 10 * time.Second
	defaultIdleLimit  = 60 * time.Second
)

// PublicStreamURL is the v5 public stream endpoint for a category.
func PublicStreamURL(category domain.Category, testnet bool) string {
	host := "stream.bybit.com"
	if testnet {
		host = "stream-testnet.bybit.com"
	}
	return fmt.Sprintf("wss://%s/v5/public/%s", host, category)
}

// MessageHandler receives every raw data frame from the socket.
type MessageHandler func(category domain.Category, payload []byte)

// StateHandler observes connection state transitions.
type StateHandler func(category domain.Category, s State)

// Conn manages one public stream connection: dial, subscribe, read, ping,
// and reconnect with the fixed backoff schedule. All exported methods are
// safe for concurrent use.
type Conn struct {
	url       string
	category  domain.Category
	dialer    *websocket.Dialer
	idleLimit time.Duration

	onMessage MessageHandler
	onState   StateHandler

	mu     sync.Mutex
	ws     *websocket.Conn
	state  State
	topics map[string]struct{}

	msgCount   atomic.Int64
	reconnects atomic.Int64
}

// NewConn builds an unconnected stream handle; Run starts it.
func NewConn(category domain.Category, testnet bool, onMessage MessageHandler, onState StateHandler) *Conn {
	return &Conn{
		url:      PublicStreamURL(category, testnet),
		category: category,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		idleLimit: defaultIdleLimit,
		onMessage: onMessage,
		onState:   onState,
		state:     StateDisconnected,
		topics:    make(map[string]struct{}),
	}
}

// SetIdleLimit overrides the silence window after which the connection is
// declared degraded and recycled.
func (c *Conn) SetIdleLimit(d time.Duration) {
	if d > 0 {
		c.idleLimit = d
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MessageCount reports frames received since start.
func (c *Conn) MessageCount() int64 { return c.msgCount.Load() }

// Reconnects reports how many reconnect attempts have been made.
func (c *Conn) Reconnects() int64 { return c.reconnects.Load() }

func (c *Conn) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		log.Info().Str("category", string(c.category)).Stringer("state", s).
			Msg("ws state change")
		if c.onState != nil {
			c.onState(c.category, s)
		}
	}
}

type wsOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (c *Conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("ws %s: not connected", c.category)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return fmt.Errorf("ws %s: connection recycled", c.category)
	}
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}

// Subscribe registers topics and, when connected, sends the subscribe
// frame immediately. Registered topics are replayed after every
// reconnect.
func (c *Conn) Subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.mu.Lock()
	var fresh []string
	for _, t := range topics {
		if _, ok := c.topics[t]; !ok {
			c.topics[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected || len(fresh) == 0 {
		return nil
	}
	return c.writeJSON(wsOp{Op: "subscribe", Args: fresh})
}

// Unsubscribe removes topics and tells the venue when connected.
func (c *Conn) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.mu.Lock()
	var gone []string
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			delete(c.topics, t)
			gone = append(gone, t)
		}
	}
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected || len(gone) == 0 {
		return nil
	}
	return c.writeJSON(wsOp{Op: "unsubscribe", Args: gone})
}

// Run dials and services the connection until ctx is cancelled, walking
// the backoff schedule between failed sessions.
func (c *Conn) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		ok := c.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if ok {
			attempt = 0
		}
		delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
		attempt++
		c.reconnects.Add(1)
		log.Warn().Str("category", string(c.category)).
			Dur("backoff", delay).Int("attempt", attempt).
			Msg("ws reconnecting")
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	c.setState(StateDisconnected)
}

// session runs one connect-subscribe-read cycle. It reports whether the
// session got far enough to count as a success for backoff reset.
func (c *Conn) session(ctx context.Context) bool {
	c.setState(StateConnecting)
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		log.Error().Err(err).Str("category", string(c.category)).Msg("ws dial failed")
		c.setState(StateDisconnected)
		return false
	}
	c.mu.Lock()
	c.ws = ws
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	c.setState(StateOpen)

	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	if len(topics) > 0 {
		if err := c.writeJSON(wsOp{Op: "subscribe", Args: topics}); err != nil {
			log.Error().Err(err).Str("category", string(c.category)).Msg("ws resubscribe failed")
			return false
		}
		c.setState(StateSubscribed)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(sessionCtx)
	go c.heartbeat(sessionCtx)

	for {
		ws.SetReadDeadline(time.Now().Add(c.idleLimit))
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			c.setState(StateDegraded)
			log.Warn().Err(err).Str("category", string(c.category)).Msg("ws read failed")
			return true
		}
		c.msgCount.Add(1)
		if c.handleControl(payload) {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.category, payload)
		}
	}
}

// handleControl consumes op acknowledgements and pongs; data frames fall
// through to the handler.
func (c *Conn) handleControl(payload []byte) bool {
	var ctl struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(payload, &ctl); err != nil {
		return false
	}
	switch ctl.Op {
	case "":
		return false
	case "pong", "ping":
		return true
	case "subscribe":
		if ctl.Success != nil && !*ctl.Success {
			log.Error().Str("category", string(c.category)).
				Str("ret_msg", ctl.RetMsg).Msg("ws subscribe rejected")
		} else {
			c.setState(StateSubscribed)
		}
		return true
	default:
		return true
	}
}

func (c *Conn) keepalive(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.writeJSON(wsOp{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) heartbeat(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	last := c.msgCount.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cur := c.msgCount.Load()
			log.Debug().Str("category", string(c.category)).
				Int64("messages", cur).Int64("delta", cur-last).
				Stringer("state", c.State()).
				Msg("ws heartbeat")
			last = cur
		}
	}
}
