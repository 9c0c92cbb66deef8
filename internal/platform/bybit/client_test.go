package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/guardbot/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key", "test-secret", 1000)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func ok(result string) string {
	return `{"retCode":0,"retMsg":"OK","result":` + result + `}`
}

func TestGetPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		io.WriteString(w, ok(`{"list":[{"symbol":"ETHUSDT","lastPrice":"2543.5"}]}`))
	})

	q, err := c.GetPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2543.5, q.Price)
	assert.Equal(t, "ETHUSDT", q.Symbol)
}

func TestGetPriceUnknownSymbol(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ok(`{"list":[]}`))
	})

	_, err := c.GetPrice(context.Background(), "NOPEUSDT")
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestGetCandlesChronologicalOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "15", r.URL.Query().Get("interval"))
		// Newest first, as Bybit serves them.
		io.WriteString(w, ok(`{"list":[
			["1700000900000","101","102","100","101.5","10","1000"],
			["1700000000000","100","101","99","101","12","1200"]
		]}`))
	})

	candles, err := c.GetCandles(context.Background(), "ETHUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 101.5, candles[1].Close)
}

func TestGetCandlesRejectsUnknownInterval(t *testing.T) {
	c := NewClient("http://unused", "", "", 1000)
	_, err := c.GetCandles(context.Background(), "ETHUSDT", "2h", 10)
	require.Error(t, err)
}

func TestPlaceConditionalOrderSigning(t *testing.T) {
	var captured createOrderRequest
	var sig, ts string
	var rawBody []byte

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawBody, _ = io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(rawBody, &captured))
		sig = r.Header.Get("X-BAPI-SIGN")
		ts = r.Header.Get("X-BAPI-TIMESTAMP")
		assert.Equal(t, "test-key", r.Header.Get("X-BAPI-API-KEY"))
		io.WriteString(w, ok(`{"orderId":"abc-123"}`))
	})

	handle, err := c.PlaceConditionalOrder(context.Background(), domain.ConditionalOrderRequest{
		Symbol:       "ETHUSDT",
		PositionSide: domain.SideLong,
		Kind:         domain.OrderStopLoss,
		TriggerPrice: 2400,
		Quantity:     0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", handle)

	// Long stop-loss: closing Sell that fires on a falling price.
	assert.Equal(t, "Sell", captured.Side)
	assert.Equal(t, 2, captured.TriggerDirection)
	assert.True(t, captured.ReduceOnly)
	assert.Equal(t, "2400", captured.TriggerPrice)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(ts + "test-key" + recvWindow + string(rawBody)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestPlaceLimitOrderAddsToPosition(t *testing.T) {
	var captured createOrderRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		io.WriteString(w, ok(`{"orderId":"lim-1"}`))
	})

	_, err := c.PlaceLimitOrder(context.Background(), domain.LimitOrderRequest{
		Symbol:       "ETHUSDT",
		PositionSide: domain.SideLong,
		Price:        2200,
		Quantity:     0.25,
	})
	require.NoError(t, err)

	// DCA adds in the direction of the position.
	assert.Equal(t, "Buy", captured.Side)
	assert.Equal(t, "Limit", captured.OrderType)
	assert.Equal(t, "2200", captured.Price)
	assert.False(t, captured.ReduceOnly)
}

func TestPlaceProtectionAndClear(t *testing.T) {
	var paths []string
	var last tradingStopRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &last))
		io.WriteString(w, ok(`{}`))
	})

	handle, err := c.PlaceProtection(context.Background(), domain.ProtectionRequest{
		Symbol:       "ETHUSDT",
		PositionSide: domain.SideLong,
		TakeProfit:   2800,
		StopLoss:     2400,
		Quantity:     0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "2800", last.TakeProfit)
	assert.Equal(t, "2400", last.StopLoss)

	// Canceling the synthetic handle clears the trading stop, not an order.
	require.NoError(t, c.CancelOrder(context.Background(), "ETHUSDT", handle))
	assert.Equal(t, []string{"/v5/position/trading-stop", "/v5/position/trading-stop"}, paths)
	assert.Equal(t, "0", last.StopLoss)
	assert.Equal(t, "0", last.TakeProfit)
}

func TestErrorRetCodeSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	})

	err := c.CancelOrder(context.Background(), "ETHUSDT", "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params error")
}
