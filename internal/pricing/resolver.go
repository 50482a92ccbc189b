// Package pricing resolves a usable per-share price for a symbol by falling
// through market-data tiers of decreasing quality. A resolved price is always
// positive; when every tier fails the resolver reports PriceUnavailableError
// and the owning operation must fail rather than trade on a guess.
package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/domain"
)

// historyLookbackDays bounds the tier-four bar request. A symbol that has not
// traded in ten days has no price worth acting on.
const historyLookbackDays = 10

// Resolver falls through quote tiers: live, frozen, delayed, then the last
// historical close. Each tier gets its own timeout so one hung feed cannot
// consume the whole budget.
type Resolver struct {
	source      domain.PriceSource
	tierTimeout time.Duration
	log         zerolog.Logger
}

// NewResolver creates a pricing resolver on top of a raw market-data source
func NewResolver(source domain.PriceSource, tierTimeout time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		source:      source,
		tierTimeout: tierTimeout,
		log:         log.With().Str("component", "pricing").Logger(),
	}
}

type tier struct {
	name  string
	fetch func(ctx context.Context, symbol string) (float64, error)
}

// Price resolves the best available price for a symbol
func (r *Resolver) Price(ctx context.Context, symbol string) (float64, error) {
	tiers := []tier{
		{"live", r.quoteTier(r.source.LiveQuote)},
		{"frozen", r.quoteTier(r.source.FrozenQuote)},
		{"delayed", r.quoteTier(r.source.DelayedQuote)},
		{"historical", r.historicalTier},
	}

	for _, t := range tiers {
		price, err := r.tryTier(ctx, t, symbol)
		if err == nil && price > 0 {
			if t.name != "live" {
				r.log.Debug().
					Str("symbol", symbol).
					Str("tier", t.name).
					Float64("price", price).
					Msg("Price resolved from fallback tier")
			}
			return price, nil
		}
		if ctx.Err() != nil {
			// The caller's deadline is gone, lower tiers would just burn time
			break
		}
		r.log.Debug().
			Err(err).
			Str("symbol", symbol).
			Str("tier", t.name).
			Msg("Pricing tier unusable, falling through")
	}

	r.log.Warn().Str("symbol", symbol).Msg("All pricing tiers exhausted")
	return 0, &domain.PriceUnavailableError{Symbol: symbol}
}

func (r *Resolver) tryTier(ctx context.Context, t tier, symbol string) (float64, error) {
	tierCtx, cancel := context.WithTimeout(ctx, r.tierTimeout)
	defer cancel()
	return t.fetch(tierCtx, symbol)
}

// quoteTier adapts one of the snapshot methods into a tier fetch. A quote
// with no usable price is not an error from the source's point of view, but
// it is a miss for pricing.
func (r *Resolver) quoteTier(fetch func(context.Context, string) (*domain.Quote, error)) func(ctx context.Context, symbol string) (float64, error) {
	return func(ctx context.Context, symbol string) (float64, error) {
		quote, err := fetch(ctx, symbol)
		if err != nil {
			return 0, err
		}
		return quote.Price(), nil
	}
}

func (r *Resolver) historicalTier(ctx context.Context, symbol string) (float64, error) {
	bars, err := r.source.HistoricalBars(ctx, symbol, historyLookbackDays)
	if err != nil {
		return 0, err
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Close > 0 {
			return bars[i].Close, nil
		}
	}
	return 0, nil
}
