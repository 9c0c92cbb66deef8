// Package bybit is the REST client for the Bybit v5 API: prices, candle
// history, and the protective order operations the reconciler needs.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantpulse/guardbot/internal/domain"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	category       = "linear"
	recvWindow     = "5000"

	// protectionHandlePrefix marks handles of position-attached TP/SL set
	// through the trading-stop endpoint rather than a standalone order.
	protectionHandlePrefix = "pos-stop:"
)

// Client is the REST client for the Bybit v5 API. It implements
// domain.ExchangeClient, domain.PriceSource, and domain.CandleSource.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter

	// now is swapped out in signing tests.
	now func() time.Time
}

// NewClient creates a Bybit client. baseURL falls back to the production API
// root when empty. Requests are throttled to rps requests per second (10 when
// rps <= 0), staying under Bybit's per-key limits.
func NewClient(baseURL, apiKey, apiSecret string, rps float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		now:     time.Now,
	}
}

// GetPrice returns the last traded price for the symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("bybit: ticker %s: %w", symbol, err)
	}

	var res tickerResult
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("bybit: decode ticker: %w", err)
	}
	if len(res.List) == 0 {
		return domain.PriceQuote{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrPriceUnavailable)
	}

	price, err := strconv.ParseFloat(res.List[0].LastPrice, 64)
	if err != nil || price <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("bybit: ticker %s: bad price %q: %w", symbol, res.List[0].LastPrice, domain.ErrPriceUnavailable)
	}

	return domain.PriceQuote{Symbol: symbol, Price: price, At: c.now().UTC()}, nil
}

// GetCandles returns up to limit OHLCV bars, oldest first. interval uses
// guardbot notation ("1m", "15m", "1h", "4h", "1d") and is translated to
// Bybit's kline interval codes.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	code, err := klineInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("bybit: %w", err)
	}

	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", code)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("bybit: kline %s: %w", symbol, err)
	}

	var res klineResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}

	// Bybit returns newest first; callers expect chronological order.
	candles := make([]domain.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		candle, err := parseCandle(row)
		if err != nil {
			return nil, fmt.Errorf("bybit: kline %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// PlaceConditionalOrder places a reduce-only conditional market order that
// closes the position when the trigger price is reached.
func (c *Client) PlaceConditionalOrder(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	body := createOrderRequest{
		Category:         category,
		Symbol:           req.Symbol,
		Side:             orderSide(req.PositionSide.Opposite()),
		OrderType:        "Market",
		Qty:              formatQty(req.Quantity),
		TriggerPrice:     formatPrice(req.TriggerPrice),
		TriggerDirection: triggerDirection(req.PositionSide, req.Kind),
		ReduceOnly:       true,
		TimeInForce:      "GTC",
	}

	raw, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return "", fmt.Errorf("bybit: place %s %s: %w", req.Kind, req.Symbol, err)
	}

	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("bybit: decode order response: %w", err)
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("bybit: place %s %s: empty order id: %w", req.Kind, req.Symbol, domain.ErrOrderRejected)
	}
	return res.OrderID, nil
}

// PlaceLimitOrder places a resting limit order that adds to the position.
func (c *Client) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (string, error) {
	body := createOrderRequest{
		Category:    category,
		Symbol:      req.Symbol,
		Side:        orderSide(req.PositionSide),
		OrderType:   "Limit",
		Qty:         formatQty(req.Quantity),
		Price:       formatPrice(req.Price),
		TimeInForce: "GTC",
	}

	raw, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return "", fmt.Errorf("bybit: place limit %s: %w", req.Symbol, err)
	}

	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("bybit: decode order response: %w", err)
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("bybit: place limit %s: empty order id: %w", req.Symbol, domain.ErrOrderRejected)
	}
	return res.OrderID, nil
}

// PlaceProtection attaches a combined TP/SL to the position through the
// trading-stop endpoint. The endpoint returns no order id, so the handle is
// synthetic and CancelOrder recognizes it by prefix.
func (c *Client) PlaceProtection(ctx context.Context, req domain.ProtectionRequest) (string, error) {
	body := tradingStopRequest{
		Category:   category,
		Symbol:     req.Symbol,
		TakeProfit: formatPrice(req.TakeProfit),
		StopLoss:   formatPrice(req.StopLoss),
		TpslMode:   "Full",
	}

	if _, err := c.post(ctx, "/v5/position/trading-stop", body); err != nil {
		return "", fmt.Errorf("bybit: trading stop %s: %w", req.Symbol, err)
	}
	return protectionHandlePrefix + req.Symbol, nil
}

// CancelOrder cancels the order with the given handle. Protection handles
// clear the position-attached TP/SL instead of canceling a standalone order.
func (c *Client) CancelOrder(ctx context.Context, symbol, handle string) error {
	if strings.HasPrefix(handle, protectionHandlePrefix) {
		body := tradingStopRequest{
			Category:   category,
			Symbol:     symbol,
			TakeProfit: "0",
			StopLoss:   "0",
			TpslMode:   "Full",
		}
		if _, err := c.post(ctx, "/v5/position/trading-stop", body); err != nil {
			return fmt.Errorf("bybit: clear trading stop %s: %w", symbol, err)
		}
		return nil
	}

	body := cancelOrderRequest{
		Category: category,
		Symbol:   symbol,
		OrderID:  handle,
	}
	if _, err := c.post(ctx, "/v5/order/cancel", body); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", handle, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	query := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.sign(req, query)
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(jsonBody))
	return c.do(req)
}

// sign adds the Bybit v5 HMAC-SHA256 authentication headers. The signed
// message is timestamp + apiKey + recvWindow + payload, where payload is the
// query string for GETs and the JSON body for POSTs.
func (c *Client) sign(req *http.Request, payload string) {
	if c.apiKey == "" {
		return // public endpoints work unsigned
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + c.apiKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func parseCandle(row []string) (domain.Candle, error) {
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad start time %q", row[0])
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("bad kline field %q", row[i+1])
		}
		vals[i] = v
	}
	return domain.Candle{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func klineInterval(interval string) (string, error) {
	switch interval {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "4h":
		return "240", nil
	case "1d":
		return "D", nil
	}
	return "", fmt.Errorf("unsupported kline interval %q", interval)
}

func orderSide(side domain.Side) string {
	if side == domain.SideLong {
		return "Buy"
	}
	return "Sell"
}

// triggerDirection tells Bybit whether the conditional fires on a rising (1)
// or falling (2) price.
func triggerDirection(positionSide domain.Side, kind domain.OrderKind) int {
	rising := 1
	falling := 2
	if positionSide == domain.SideLong {
		if kind == domain.OrderTakeProfit {
			return rising
		}
		return falling
	}
	if kind == domain.OrderTakeProfit {
		return falling
	}
	return rising
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	_ domain.ExchangeClient = (*Client)(nil)
	_ domain.PriceSource    = (*Client)(nil)
	_ domain.CandleSource   = (*Client)(nil)
)

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
