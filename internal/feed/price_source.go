package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
)

// CachedPriceSource serves prices from the cache when they are fresh enough
// and falls back to the REST source otherwise, writing the fallback result
// back into the cache.
type CachedPriceSource struct {
	cache    domain.PriceCache
	fallback domain.PriceSource
	maxAge   time.Duration
	logger   *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewCachedPriceSource creates a cached source. maxAge <= 0 defaults to 10
// seconds. cache may be nil, which degrades to the fallback alone.
func NewCachedPriceSource(cache domain.PriceCache, fallback domain.PriceSource, maxAge time.Duration, logger *slog.Logger) *CachedPriceSource {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &CachedPriceSource{
		cache:    cache,
		fallback: fallback,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "price_source")),
		now:      time.Now,
	}
}

// GetPrice returns the freshest available price for the symbol.
func (s *CachedPriceSource) GetPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	if s.cache != nil {
		price, ts, err := s.cache.GetPrice(ctx, symbol)
		if err == nil && s.now().Sub(ts) <= s.maxAge {
			return domain.PriceQuote{Symbol: symbol, Price: price, At: ts}, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "price cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	quote, err := s.fallback.GetPrice(ctx, symbol)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("feed: %s: %w", symbol, err)
	}

	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, symbol, quote.Price, quote.At); err != nil {
			s.logger.DebugContext(ctx, "price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return quote, nil
}

var _ domain.PriceSource = (*CachedPriceSource)(nil)
