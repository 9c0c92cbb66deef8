package evaluate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/guardbot/internal/domain"
)

type fakeEvaluator struct {
	rec domain.Recommendation
	err error

	mu   sync.Mutex
	seen []domain.PositionContext
}

func (f *fakeEvaluator) Evaluate(_ context.Context, pc domain.PositionContext) (domain.Recommendation, error) {
	f.mu.Lock()
	f.seen = append(f.seen, pc)
	f.mu.Unlock()
	return f.rec, f.err
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []domain.Recommendation
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, _ domain.Position, rec domain.Recommendation, _ domain.ProximityTrigger) error {
	f.mu.Lock()
	f.applied = append(f.applied, rec)
	f.mu.Unlock()
	return f.err
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testPosition() domain.Position {
	return domain.Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   domain.Float(40000),
		TakeProfit: domain.Float(55000),
		DCAPrice:   domain.Float(42500),
		DCACount:   1,
		Status:     domain.StatusOpen,
	}
}

func testTrigger() domain.ProximityTrigger {
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

func TestDispatchAppliesValidRecommendation(t *testing.T) {
	eval := &fakeEvaluator{rec: domain.Recommendation{
		Action:     domain.ActionAdjustSL,
		Reasoning:  "tighten stop",
		Confidence: 0.8,
		StopLoss:   domain.Float(41000),
	}}
	applier := &fakeApplier{}

	o := New(eval, applier, nil, nil, nil, time.Minute, testLogger())
	o.Dispatch(context.Background(), testPosition(), testTrigger())

	require.Equal(t, 1, applier.count())
	assert.Equal(t, domain.ActionAdjustSL, applier.applied[0].Action)
}

func TestDispatchEvaluatorErrorBecomesKeep(t *testing.T) {
	eval := &fakeEvaluator{err: errors.New("upstream timeout")}
	applier := &fakeApplier{}

	o := New(eval, applier, nil, nil, nil, time.Minute, testLogger())
	o.Dispatch(context.Background(), testPosition(), testTrigger())

	assert.Equal(t, 0, applier.count())
}

func TestDispatchInvalidResponseBecomesKeep(t *testing.T) {
	// action=DCA without a price or amount fails schema validation.
	eval := &fakeEvaluator{rec: domain.Recommendation{
		Action:     domain.ActionDCA,
		Confidence: 0.9,
	}}
	applier := &fakeApplier{}

	o := New(eval, applier, nil, nil, nil, time.Minute, testLogger())
	o.Dispatch(context.Background(), testPosition(), testTrigger())

	assert.Equal(t, 0, applier.count())
}

func TestDispatchRejectsOutOfRangeConfidence(t *testing.T) {
	eval := &fakeEvaluator{rec: domain.Recommendation{
		Action:     domain.ActionAdjustTP,
		Confidence: 3.5,
		TakeProfit: domain.Float(60000),
	}}
	applier := &fakeApplier{}

	o := New(eval, applier, nil, nil, nil, time.Minute, testLogger())
	o.Dispatch(context.Background(), testPosition(), testTrigger())

	assert.Equal(t, 0, applier.count())
}

func TestBuildContextIncludesTriggerAndPnL(t *testing.T) {
	eval := &fakeEvaluator{rec: domain.Keep("steady")}
	o := New(eval, &fakeApplier{}, nil, nil, nil, time.Minute, testLogger())

	pc := o.BuildContext(context.Background(), testPosition(), testTrigger())

	assert.Equal(t, "BTCUSDT", pc.Symbol)
	assert.Equal(t, domain.LevelDCA, pc.TriggerLevel)
	assert.InDelta(t, 0.94, pc.TriggerDistance, 1e-9)
	// Entry 50000, current 42900: -14.2% on a long.
	assert.InDelta(t, -14.2, pc.PnLPercent, 1e-9)
	assert.Equal(t, 1, pc.DCACount)
	require.NotNil(t, pc.StopLoss)
	assert.Equal(t, 40000.0, *pc.StopLoss)
}

type fakeAudit struct {
	adjs []domain.Adjustment
	err  error
}

func (f *fakeAudit) AppendAdjustment(context.Context, domain.Adjustment) error { return nil }

func (f *fakeAudit) ListAdjustments(_ context.Context, positionID string, _ int) ([]domain.Adjustment, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Adjustment
	for _, adj := range f.adjs {
		if adj.PositionID == positionID {
			out = append(out, adj)
		}
	}
	return out, nil
}

func (f *fakeAudit) ListBefore(context.Context, time.Time, int) ([]domain.Adjustment, error) {
	return nil, nil
}

func (f *fakeAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func TestBuildContextIncludesRecentAdjustments(t *testing.T) {
	eval := &fakeEvaluator{rec: domain.Keep("steady")}
	audit := &fakeAudit{adjs: []domain.Adjustment{
		{ID: "a1", PositionID: "p1", Field: "stop_loss", NewValue: 41000},
		{ID: "a2", PositionID: "other", Field: "take_profit", NewValue: 60000},
	}}

	o := New(eval, &fakeApplier{}, nil, audit, nil, time.Minute, testLogger())
	pc := o.BuildContext(context.Background(), testPosition(), testTrigger())

	require.Len(t, pc.RecentAdjustments, 1)
	assert.Equal(t, "stop_loss", pc.RecentAdjustments[0].Field)

	// History lookup failure only omits the context, never fails the build.
	o = New(eval, &fakeApplier{}, nil, &fakeAudit{err: errors.New("db down")}, nil, time.Minute, testLogger())
	pc = o.BuildContext(context.Background(), testPosition(), testTrigger())
	assert.Empty(t, pc.RecentAdjustments)
}

type fakeSnapshots struct {
	snap *domain.IndicatorSnapshot
	err  error
}

func (f *fakeSnapshots) Snapshot(context.Context, string) (*domain.IndicatorSnapshot, error) {
	return f.snap, f.err
}

func TestBuildContextToleratesSnapshotFailure(t *testing.T) {
	eval := &fakeEvaluator{rec: domain.Keep("steady")}
	o := New(eval, &fakeApplier{}, &fakeSnapshots{err: errors.New("no candles")}, nil, nil, time.Minute, testLogger())

	pc := o.BuildContext(context.Background(), testPosition(), testTrigger())
	assert.Nil(t, pc.Indicators)

	o = New(eval, &fakeApplier{}, &fakeSnapshots{snap: &domain.IndicatorSnapshot{RSI14: 28, Summary: "BUY"}}, nil, nil, time.Minute, testLogger())
	pc = o.BuildContext(context.Background(), testPosition(), testTrigger())
	require.NotNil(t, pc.Indicators)
	assert.Equal(t, 28.0, pc.Indicators.RSI14)
}
