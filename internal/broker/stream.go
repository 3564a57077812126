// stream.go implements the real-time market data WebSocket feed.
//
// The feed subscribes to NBBO quotes by symbol and publishes them on a typed
// channel; the gateway drains that channel into the shared price cache. The
// connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quantdesk/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	quoteBufferSize  = 256
)

// QuoteFeed manages the market data WebSocket connection. It handles the
// connection lifecycle, subscription tracking, message routing, and automatic
// reconnection with exponential backoff.
type QuoteFeed struct {
	url       string
	apiKey    string
	apiSecret string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	quoteCh chan types.StreamQuote

	logger *slog.Logger
}

// NewQuoteFeed creates a market data feed for the given stream endpoint.
func NewQuoteFeed(streamURL, apiKey, apiSecret string, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		url:        streamURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		subscribed: make(map[string]bool),
		quoteCh:    make(chan types.StreamQuote, quoteBufferSize),
		logger:     logger.With("component", "quote_feed"),
	}
}

// Quotes returns a read-only channel of quote frames.
func (f *QuoteFeed) Quotes() <-chan types.StreamQuote { return f.quoteCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *QuoteFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the quote subscription.
func (f *QuoteFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"action": "subscribe",
		"quotes": symbols,
	})
}

// Unsubscribe removes symbols from the subscription.
func (f *QuoteFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(map[string]any{
		"action": "unsubscribe",
		"quotes": symbols,
	})
}

// Close gracefully closes the connection.
func (f *QuoteFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *QuoteFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.authenticate(); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

func (f *QuoteFeed) authenticate() error {
	return f.writeJSON(map[string]any{
		"action": "auth",
		"key":    f.apiKey,
		"secret": f.apiSecret,
	})
}

func (f *QuoteFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{
		"action": "subscribe",
		"quotes": symbols,
	})
}

// dispatchFrame routes one stream frame. Frames arrive as JSON arrays of
// messages; each message carries a T discriminator.
func (f *QuoteFeed) dispatchFrame(data []byte) {
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		f.logger.Debug("ignoring non-array ws message", "data", string(data))
		return
	}

	for _, raw := range frames {
		var envelope types.StreamMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "q":
			var q types.StreamQuote
			if err := json.Unmarshal(raw, &q); err != nil {
				f.logger.Error("unmarshal quote", "error", err)
				continue
			}
			select {
			case f.quoteCh <- q:
			default:
				f.logger.Warn("quote channel full, dropping frame", "symbol", q.Symbol)
			}

		case "success", "subscription":
			f.logger.Debug("stream control message", "type", envelope.Type, "msg", envelope.Msg)

		case "error":
			f.logger.Error("stream error message", "msg", envelope.Msg)

		default:
			f.logger.Debug("unknown ws message type", "type", envelope.Type)
		}
	}
}

func (f *QuoteFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *QuoteFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *QuoteFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
