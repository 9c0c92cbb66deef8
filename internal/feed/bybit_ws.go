// Package feed streams live prices into the price cache. The websocket feed
// is an optimization over REST polling; the monitor works off the cached
// price source either way.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantpulse/guardbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// BybitWSFeed subscribes to the Bybit public ticker stream for the configured
// symbols and writes every last-price update into the price cache. It
// reconnects with exponential backoff on disconnect.
type BybitWSFeed struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewBybitWSFeed creates a feed for the given symbols. wsURL is the public
// stream endpoint, e.g. "wss://stream.bybit.com/v5/public/linear".
func NewBybitWSFeed(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *BybitWSFeed {
	return &BybitWSFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "bybit_ws_feed")),
	}
}

// Run connects and pumps ticker updates until ctx is cancelled.
func (f *BybitWSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("bybit ws disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *BybitWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("bybit ws subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go f.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

func (f *BybitWSFeed) subscribe(conn *websocket.Conn) error {
	args := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		args[i] = "tickers." + s
	}
	cmd := map[string]any{"op": "subscribe", "args": args}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *BybitWSFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

// tickerMessage is the envelope of a Bybit public ticker push. Snapshot
// messages carry the full ticker; delta messages carry changed fields only,
// so lastPrice may be empty.
type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
	TS int64 `json:"ts"`
}

func (f *BybitWSFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return
	}

	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	ts := time.UnixMilli(msg.TS).UTC()
	if msg.TS == 0 {
		ts = time.Now().UTC()
	}

	if err := f.cache.SetPrice(ctx, msg.Data.Symbol, price, ts); err != nil {
		f.logger.DebugContext(ctx, "price cache write failed",
			slog.String("symbol", msg.Data.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
