package advisor

import (
	"context"
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

func testContext() domain.PositionContext {
	return domain.PositionContext{
		PositionID:      "p1",
		Symbol:          "BTCUSDT",
		Side:            domain.SideLong,
		EntryPrice:      50000,
		Quantity:        0.1,
		CurrentPrice:    42900,
		PnLPercent:      -14.2,
		TriggerLevel:    domain.LevelDCA,
		TriggerDistance: 0.94,
	}
}

func TestEvaluateRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var pc map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&pc))
		assert.Equal(t, "BTCUSDT", pc["symbol"])
		assert.Equal(t, "dca", pc["trigger_level"])

		io.WriteString(w, `{
			"action": "ADJUST_SL",
			"reasoning": "support broken",
			"urgency": "high",
			"confidence": 0.85,
			"recommended_stop_loss": 41000
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Minute)
	rec, err := c.Evaluate(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAdjustSL, rec.Action)
	require.NotNil(t, rec.StopLoss)
	assert.Equal(t, 41000.0, *rec.StopLoss)
	assert.Equal(t, 0.85, rec.Confidence)
}

func TestEvaluateRejectsUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"action":"KEEP","confidence":0.5,"surprise_field":1}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute)
	_, err := c.Evaluate(context.Background(), testContext())
	require.ErrorIs(t, err, domain.ErrInvalidRecommendation)
}

func TestEvaluateServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute)
	_, err := c.Evaluate(context.Background(), testContext())
	require.ErrorIs(t, err, domain.ErrEvaluatorUnavailable)
}
