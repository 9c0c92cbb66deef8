package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/position"
	"github.com/quantpulse/guardbot/internal/risk"
)

func newTestExecutor(book *position.Book, exch *fakeExchange) *ActionExecutor {
	rec, _ := newTestReconciler(exch, book, nil)
	return NewActionExecutor(book, risk.NewEngine(risk.DefaultConfig()), rec, nil, testLogger())
}

func dcaTrigger() domain.ProximityTrigger {
	return domain.ProximityTrigger{
		PositionID:      "p1",
		Symbol:          "BTCUSDT",
		Level:           domain.LevelDCA,
		TargetPrice:     42500,
		CurrentPrice:    42900,
		DistancePercent: 0.94,
		At:              time.Now(),
	}
}

func TestApplyAdjustStopLoss(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	rec := domain.Recommendation{
		Action:     domain.ActionAdjustSL,
		Reasoning:  "tighten stop below support",
		Confidence: 0.8,
		StopLoss:   domain.Float(41000),
	}
	require.NoError(t, x.Apply(context.Background(), protectedLong(), rec, dcaTrigger()))

	got, _ := book.Get("p1")
	require.NotNil(t, got.StopLoss)
	assert.Equal(t, 41000.0, *got.StopLoss)
	// DCA 42500 still clears the new stop plus margin, so it is untouched.
	assert.Equal(t, 42500.0, *got.DCAPrice)

	assert.Equal(t, []string{"place_conditional"}, exch.callLog())
	assert.Equal(t, 41000.0, exch.lastConditional.TriggerPrice)
	assert.Equal(t, domain.OrderStopLoss, exch.lastConditional.Kind)
}

func TestApplyRejectsStopOnWrongSide(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	rec := domain.Recommendation{
		Action:     domain.ActionAdjustSL,
		Confidence: 0.9,
		StopLoss:   domain.Float(51000), // above entry on a long
	}
	err := x.Apply(context.Background(), protectedLong(), rec, dcaTrigger())
	require.ErrorIs(t, err, domain.ErrInvalidLevel)

	got, _ := book.Get("p1")
	assert.Equal(t, 40000.0, *got.StopLoss)
	assert.Empty(t, exch.callLog())
}

func TestApplyStopMoveReclampsDCA(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	// Stop raised to 43000 puts the committed DCA 42500 below it; the DCA is
	// pulled up to stop + 40% of the stop-entry span.
	rec := domain.Recommendation{
		Action:     domain.ActionAdjustSL,
		Confidence: 0.7,
		StopLoss:   domain.Float(43000),
	}
	require.NoError(t, x.Apply(context.Background(), protectedLong(), rec, dcaTrigger()))

	got, _ := book.Get("p1")
	assert.Equal(t, 43000.0, *got.StopLoss)
	assert.InDelta(t, 45800.0, *got.DCAPrice, 1e-9)

	// Both the stop order and the DCA limit order are replaced.
	calls := exch.callLog()
	assert.Contains(t, calls, "place_conditional")
	assert.Contains(t, calls, "place_limit")
	assert.InDelta(t, 45800.0, exch.lastLimit.Price, 1e-9)
}

func TestApplyDCAClampsAggressivePrice(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	// 39000 sits below the 40000 stop; the clamp lands at 44000.
	rec := domain.Recommendation{
		Action:     domain.ActionDCA,
		Confidence: 0.85,
		DCAPrice:   domain.Float(39000),
	}
	require.NoError(t, x.Apply(context.Background(), protectedLong(), rec, dcaTrigger()))

	got, _ := book.Get("p1")
	assert.InDelta(t, 44000.0, *got.DCAPrice, 1e-9)
	assert.Equal(t, []string{"place_limit"}, exch.callLog())
	assert.InDelta(t, 44000.0, exch.lastLimit.Price, 1e-9)
	assert.Equal(t, 0.1, exch.lastLimit.Quantity)
}

func TestApplyDCAAmountOnlyDerivesPriceAndSize(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	rec := domain.Recommendation{
		Action:       domain.ActionDCA,
		Confidence:   0.85,
		DCAAmountUSD: domain.Float(1000),
	}
	// Current price 42900: the defaulted price 38610 is below the stop and
	// clamps to 44000, so the add sizes as 1000 / 44000.
	require.NoError(t, x.Apply(context.Background(), protectedLong(), rec, dcaTrigger()))

	got, _ := book.Get("p1")
	assert.InDelta(t, 44000.0, *got.DCAPrice, 1e-9)
	assert.InDelta(t, 1000.0/44000.0, got.DCAQuantity, 1e-12)
	assert.InDelta(t, 1000.0/44000.0, exch.lastLimit.Quantity, 1e-12)
}

func TestApplyModifyAppliesIndependentSubChanges(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	// TP below entry is invalid on a long; the stop change still commits.
	rec := domain.Recommendation{
		Action:     domain.ActionModify,
		Confidence: 0.6,
		StopLoss:   domain.Float(41000),
		TakeProfit: domain.Float(49000),
	}
	err := x.Apply(context.Background(), protectedLong(), rec, dcaTrigger())
	require.ErrorIs(t, err, domain.ErrInvalidLevel)

	got, _ := book.Get("p1")
	assert.Equal(t, 41000.0, *got.StopLoss)
	assert.Equal(t, 55000.0, *got.TakeProfit)
	assert.Equal(t, []string{"place_conditional"}, exch.callLog())
}

func TestApplyKeepDoesNothing(t *testing.T) {
	book := newTestBook(t, protectedLong())
	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	require.NoError(t, x.Apply(context.Background(), protectedLong(), domain.Keep("steady"), dcaTrigger()))
	assert.Empty(t, exch.callLog())
}

func TestApplySkipsClosedPosition(t *testing.T) {
	pos := protectedLong()
	book := newTestBook(t, pos)
	require.NoError(t, book.MarkClosed(context.Background(), "p1", domain.StatusClosedManual, 48000))

	exch := &fakeExchange{}
	x := newTestExecutor(book, exch)

	rec := domain.Recommendation{
		Action:     domain.ActionAdjustSL,
		Confidence: 0.8,
		StopLoss:   domain.Float(41000),
	}
	err := x.Apply(context.Background(), pos, rec, dcaTrigger())
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, exch.callLog())
}
