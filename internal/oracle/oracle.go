// Package oracle serves the asset prices the position gateway values
// collateral and debt with.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
)

var (
	ErrUnknownAsset = errors.New("no price for asset")
	ErrStalePrice   = errors.New("price is stale")
)

// Static returns fixed prices. Paper mode and tests move the market by
// calling Set.
type Static struct {
	mu     sync.RWMutex
	prices map[string]sdkmath.LegacyDec
}

func NewStatic(prices map[string]sdkmath.LegacyDec) *Static {
	s := &Static{prices: make(map[string]sdkmath.LegacyDec, len(prices))}
	for asset, p := range prices {
		s.prices[normalize(asset)] = p
	}
	return s
}

func (s *Static) Set(asset string, price sdkmath.LegacyDec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[normalize(asset)] = price
}

func (s *Static) Price(ctx context.Context, asset string) (sdkmath.LegacyDec, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[normalize(asset)]
	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%s: %w", asset, ErrUnknownAsset)
	}
	return p, nil
}

type quote struct {
	price sdkmath.LegacyDec
	at    time.Time
}

// Source fetches a full price table, e.g. the REST client.
type Source interface {
	Prices(ctx context.Context) (map[string]sdkmath.LegacyDec, error)
}

// Feed caches the latest quote per asset and refuses to serve quotes older
// than maxAge. A zero maxAge disables the staleness check.
type Feed struct {
	source Source
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote
}

func NewFeed(source Source, maxAge time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		source: source,
		maxAge: maxAge,
		log:    log,
		now:    time.Now,
		quotes: make(map[string]quote),
	}
}

// Refresh pulls the whole table from the source.
func (f *Feed) Refresh(ctx context.Context) error {
	if f.source == nil {
		return nil
	}
	prices, err := f.source.Prices(ctx)
	if err != nil {
		return fmt.Errorf("refresh prices: %w", err)
	}
	at := f.now()
	for asset, p := range prices {
		f.Update(asset, p, at)
	}
	return nil
}

// Update records a quote. Non-positive prices are dropped.
func (f *Feed) Update(asset string, price sdkmath.LegacyDec, at time.Time) {
	if price.IsNil() || !price.IsPositive() {
		f.log.Warn("dropping non-positive price", zap.String("asset", asset))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := normalize(asset)
	if prev, ok := f.quotes[key]; ok && at.Before(prev.at) {
		return
	}
	f.quotes[key] = quote{price: price, at: at}
}

func (f *Feed) Price(ctx context.Context, asset string) (sdkmath.LegacyDec, error) {
	_ = ctx
	f.mu.RLock()
	q, ok := f.quotes[normalize(asset)]
	f.mu.RUnlock()
	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%s: %w", asset, ErrUnknownAsset)
	}
	if f.maxAge > 0 {
		if age := f.now().Sub(q.at); age > f.maxAge {
			return sdkmath.LegacyDec{}, fmt.Errorf("%s is %s old: %w", asset, age.Truncate(time.Millisecond), ErrStalePrice)
		}
	}
	return q.price, nil
}

// Updated returns when asset was last quoted.
func (f *Feed) Updated(asset string) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[normalize(asset)]
	return q.at, ok
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
