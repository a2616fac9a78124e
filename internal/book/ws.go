// ws.go implements the WebSocket market feed.
//
// One long-lived connection serves every subscribed token. The feed keeps
// two subscription sets: pending (wanted, not yet confirmed to the venue)
// and active (sent on the current connection). Subscription intent arrives
// on the cache's change channel; on every (re)connect the initial subscribe
// frame is rebuilt from the cache's full token set, which also heals any
// change dropped under burst.
//
// Keep-alive is a text "PING" every ping interval; a missing "PONG" (text or
// protocol pong) within the pong timeout tears the connection down.
// Reconnects back off exponentially from 1s to the cap with ±10% jitter.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const (
	initialReconnectWait = time.Second
	maxReconnectWait     = 60 * time.Second
	reconnectJitterPct   = 0.10
	writeTimeout         = 10 * time.Second
)

// Feed maintains the market-channel WebSocket connection and routes book
// deltas into the cache.
type Feed struct {
	url   string
	cfg   config.BookConfig
	cache *Cache

	connMu sync.Mutex // serializes conn writes and swaps
	conn   *websocket.Conn

	subMu   sync.Mutex
	pending map[string]bool
	active  map[string]bool

	pongMu   sync.Mutex
	lastPong time.Time

	connected     sync.Mutex // guards connectedFlag
	connectedFlag bool

	logger *slog.Logger
}

// NewFeed creates a market feed bound to the cache.
func NewFeed(wsURL string, cfg config.BookConfig, cache *Cache, logger *slog.Logger) *Feed {
	return &Feed{
		url:     wsURL,
		cfg:     cfg,
		cache:   cache,
		pending: make(map[string]bool),
		active:  make(map[string]bool),
		logger:  logger.With("component", "ws_market"),
	}
}

// Connected reports whether the feed currently has a live connection.
func (f *Feed) Connected() bool {
	f.connected.Lock()
	defer f.connected.Unlock()
	return f.connectedFlag
}

// Run connects and maintains the connection with auto-reconnect, and
// consumes subscription changes. Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	go f.changeLoop(ctx)

	backoff := initialReconnectWait
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := jitter(backoff)
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * reconnectJitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// changeLoop folds cache subscription intent into the pending/active sets
// and pushes incremental frames while connected.
func (f *Feed) changeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-f.cache.Changes():
			if ch.Subscribe {
				f.subscribe(ch.TokenID)
			} else {
				f.unsubscribe(ch.TokenID)
			}
		}
	}
}

func (f *Feed) subscribe(tokenID string) {
	f.subMu.Lock()
	if f.active[tokenID] || f.pending[tokenID] {
		f.subMu.Unlock()
		return
	}
	f.pending[tokenID] = true
	f.subMu.Unlock()

	if !f.Connected() {
		return
	}
	if err := f.writeJSON(types.WSUpdateMsg{AssetIDs: []string{tokenID}, Operation: "subscribe"}); err != nil {
		f.logger.Debug("incremental subscribe failed", "token", tokenID, "error", err)
		return
	}
	f.subMu.Lock()
	delete(f.pending, tokenID)
	f.active[tokenID] = true
	f.subMu.Unlock()
}

func (f *Feed) unsubscribe(tokenID string) {
	f.subMu.Lock()
	wasActive := f.active[tokenID]
	delete(f.pending, tokenID)
	delete(f.active, tokenID)
	f.subMu.Unlock()

	if !wasActive || !f.Connected() {
		return
	}
	if err := f.writeJSON(types.WSUpdateMsg{AssetIDs: []string{tokenID}, Operation: "unsubscribe"}); err != nil {
		f.logger.Debug("unsubscribe failed", "token", tokenID, "error", err)
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.setConnected(true)

	defer func() {
		f.setConnected(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()

		// Active subscriptions must be re-sent on the next connection.
		f.subMu.Lock()
		for id := range f.active {
			f.pending[id] = true
		}
		f.active = make(map[string]bool)
		f.subMu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		f.recordPong()
		return nil
	})

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.recordPong()

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.PingInterval + f.cfg.PongTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType == websocket.TextMessage && string(msg) == "PONG" {
			f.recordPong()
			continue
		}
		f.dispatchMessage(msg)
	}
}

// sendInitialSubscription subscribes everything the cache wants. The full
// set comes from the cache, not the local pending set, so a fresh connection
// always converges on true intent.
func (f *Feed) sendInitialSubscription() error {
	ids := f.cache.SubscribedTokens()

	f.subMu.Lock()
	for id := range f.pending {
		found := false
		for _, have := range ids {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, id)
		}
	}
	f.subMu.Unlock()

	if err := f.writeJSON(types.WSSubscribeMsg{AssetIDs: ids, Type: "market"}); err != nil {
		return err
	}

	f.subMu.Lock()
	f.pending = make(map[string]bool)
	f.active = make(map[string]bool)
	for _, id := range ids {
		f.active[id] = true
	}
	f.subMu.Unlock()
	return nil
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var msg types.WSBookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal book message", "error", err)
			return
		}
		if msg.AssetID == "" {
			return
		}
		f.cache.ApplyUpdate(msg.AssetID, msg.Bids, msg.Asks, types.BookSourceWS)

	case "price_change", "last_trade_price", "tick_size_change", "market_resolved":
		// Not consumed by the execution pipeline.
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// pingLoop sends the keep-alive "PING" and tears the connection down when no
// pong arrives within the pong timeout.
func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sentAt := time.Now()
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				conn.Close()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.cfg.PongTimeout):
				f.pongMu.Lock()
				alive := f.lastPong.After(sentAt) || f.lastPong.Equal(sentAt)
				f.pongMu.Unlock()
				if !alive {
					f.logger.Warn("pong timeout, closing connection")
					conn.Close()
					return
				}
			}
		}
	}
}

func (f *Feed) recordPong() {
	f.pongMu.Lock()
	f.lastPong = time.Now()
	f.pongMu.Unlock()
}

func (f *Feed) setConnected(v bool) {
	f.connected.Lock()
	f.connectedFlag = v
	f.connected.Unlock()
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
