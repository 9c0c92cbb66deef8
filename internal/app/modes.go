package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantpulse/guardbot/internal/analysis"
	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/evaluate"
	"github.com/quantpulse/guardbot/internal/executor"
	"github.com/quantpulse/guardbot/internal/feed"
	"github.com/quantpulse/guardbot/internal/monitor"
	"github.com/quantpulse/guardbot/internal/position"
	"github.com/quantpulse/guardbot/internal/risk"
)

// MonitorMode runs the proximity control loop: load the position book, seed
// cooldowns, start the websocket price feed, and tick until cancelled. Dryrun
// uses the same loop; Wire already swapped the exchange for the paper
// implementation there.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	rules := risk.NewEngine(risk.Config{
		TakeProfitPct:      a.cfg.Risk.TakeProfitPct,
		StopLossPct:        a.cfg.Risk.StopLossPct,
		DCAPct:             a.cfg.Risk.DCAPct,
		DCASafetyMarginPct: a.cfg.Risk.DCASafetyMarginPct,
		MinOrderUSD:        a.cfg.Risk.MinOrderUSD,
		SizeTolerancePct:   a.cfg.Risk.SizeTolerancePct,
	})

	book := position.NewBook(deps.PositionStore, deps.AuditStore, a.logger)
	if err := book.Load(ctx); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	a.replayRecentEvents(ctx, deps.EventBus)

	if deps.Notifier != nil {
		msg := fmt.Sprintf("mode=%s open_positions=%d", a.cfg.Mode, len(book.ListOpen()))
		if err := deps.Notifier.NotifyAll(ctx, "guardbot started", msg); err != nil {
			a.logger.DebugContext(ctx, "startup notice delivery failed",
				slog.String("error", err.Error()),
			)
		}
	}

	reconciler := executor.NewReconciler(
		deps.Exchange,
		book,
		deps.EventBus,
		deps.Notifier,
		a.cfg.Orders.MaxRetries,
		a.cfg.Orders.RetryBackoff.Duration,
		a.logger,
	)
	exec := executor.NewActionExecutor(book, rules, reconciler, deps.EventBus, a.logger)

	var snapshots evaluate.SnapshotProvider
	if a.cfg.Analysis.Enabled && deps.Candles != nil {
		snapshots = analysis.NewSnapshotter(
			deps.Candles,
			a.cfg.Analysis.Interval,
			a.cfg.Analysis.CandleLimit,
			a.logger,
		)
	}
	orch := evaluate.New(
		deps.Evaluator,
		exec,
		snapshots,
		deps.AuditStore,
		deps.EventBus,
		a.cfg.Advisor.Timeout.Duration,
		a.logger,
	)

	scope := monitor.ScopePerSymbol
	if a.cfg.Monitor.CooldownScope == "global" {
		scope = monitor.ScopeGlobal
	}
	gate := monitor.NewCooldownGate(a.cfg.Monitor.CooldownWindow.Duration, scope)

	prices := feed.NewCachedPriceSource(
		deps.PriceCache,
		deps.Prices,
		a.cfg.Monitor.PriceMaxAge.Duration,
		a.logger,
	)

	mon := monitor.New(monitor.Config{
		TickInterval:          a.cfg.Monitor.TickInterval.Duration,
		ProximityThresholdPct: a.cfg.Monitor.ProximityThresholdPct,
		PriceTimeout:          a.cfg.Monitor.PriceTimeout.Duration,
	}, book, prices, gate, orch, deps.EventBus, a.logger)
	mon.SeedCooldowns()

	// Websocket feed keeps the price cache warm; the monitor falls back to
	// REST when the cached quote is stale.
	symbols := a.watchSymbols(book)
	if a.cfg.Bybit.WsURL != "" && len(symbols) > 0 && deps.PriceCache != nil {
		wsFeed := feed.NewBybitWSFeed(a.cfg.Bybit.WsURL, symbols, deps.PriceCache, a.logger)
		g.Go(func() error {
			return wsFeed.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "websocket feed disabled, prices via REST only",
			slog.Int("symbols", len(symbols)),
		)
	}

	g.Go(func() error {
		return mon.Run(ctx)
	})

	return g.Wait()
}

// ArchiveMode performs one archival pass moving aged closed positions and
// adjustment history to object storage, then exits. Intended to run from cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Duration("retention", retention),
	)

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: object storage not configured")
	}
	if err := deps.Archiver.Run(ctx, retention); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

// replayRecentEvents logs the tail of the event stream so the operator log
// shows what the controller last did before this restart.
func (a *App) replayRecentEvents(ctx context.Context, bus domain.EventBus) {
	if bus == nil {
		return
	}
	events, err := bus.History(ctx, 10)
	if err != nil {
		a.logger.DebugContext(ctx, "event history unavailable", slog.String("error", err.Error()))
		return
	}
	for _, ev := range events {
		a.logger.InfoContext(ctx, "recent event",
			slog.String("type", ev.Type),
			slog.String("symbol", ev.Symbol),
			slog.Time("at", ev.At),
		)
	}
}

// watchSymbols returns the symbols the websocket feed should subscribe to:
// the configured list, or the distinct symbols of the open positions when the
// list is empty.
func (a *App) watchSymbols(book *position.Book) []string {
	if len(a.cfg.Monitor.Symbols) > 0 {
		return a.cfg.Monitor.Symbols
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, p := range book.ListOpen() {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		symbols = append(symbols, p.Symbol)
	}
	return symbols
}
