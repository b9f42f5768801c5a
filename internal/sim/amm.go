package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flexlev-keeper/internal/exec"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/precise"
	"flexlev-keeper/internal/venue"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrSlippage      = errors.New("received less than minimum")
	ErrRouteMismatch = errors.New("route does not match swap")
	ErrRouteExpired  = errors.New("route deadline passed")
	ErrUnknownVenue  = errors.New("unknown venue")
)

type AMMConfig struct {
	Name   string
	FeeBps uint32
	// Decimals per asset symbol.
	Decimals map[string]int
}

// AMM fills swaps at the oracle price less a fee. Route payloads, when
// present, must start at the sold asset and end at the bought one; their
// per-hop fee tiers replace the flat fee.
type AMM struct {
	cfg    AMMConfig
	oracle position.Oracle
	now    func() time.Time

	mu     sync.Mutex
	swaps  int
	volume map[string]sdkmath.Int
}

func NewAMM(cfg AMMConfig, oracle position.Oracle) *AMM {
	return &AMM{
		cfg:    cfg,
		oracle: oracle,
		now:    time.Now,
		volume: make(map[string]sdkmath.Int),
	}
}

func (a *AMM) Name() string { return a.cfg.Name }

func (a *AMM) Swap(ctx context.Context, swap exec.Swap) (sdkmath.Int, error) {
	fee, err := a.fee(swap)
	if err != nil {
		return sdkmath.Int{}, exec.Permanent(err)
	}
	gross, err := a.convert(ctx, swap.Sell, swap.Buy, swap.Amount)
	if err != nil {
		return sdkmath.Int{}, err
	}
	received := gross.MulTruncate(precise.OneMinus(fee)).TruncateInt()
	if !swap.MinReceive.IsNil() && received.LT(swap.MinReceive) {
		return sdkmath.Int{}, exec.Permanent(fmt.Errorf("%s: got %s want %s: %w", a.cfg.Name, received, swap.MinReceive, ErrSlippage))
	}
	a.mu.Lock()
	a.swaps++
	a.volume[swap.Sell] = precise.IntOrZero(a.volume[swap.Sell]).Add(swap.Amount)
	a.mu.Unlock()
	return received, nil
}

// QuoteIn returns how much of sell buys exactly out of buy, rounded up.
func (a *AMM) QuoteIn(ctx context.Context, sell, buy string, out sdkmath.Int, payload []byte) (sdkmath.Int, error) {
	fee, err := a.fee(exec.Swap{Sell: sell, Buy: buy, Payload: payload})
	if err != nil {
		return sdkmath.Int{}, err
	}
	keep := precise.OneMinus(fee)
	if !keep.IsPositive() {
		return sdkmath.Int{}, fmt.Errorf("%s: fee consumes the whole swap", a.cfg.Name)
	}
	gross, err := a.convert(ctx, buy, sell, out)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return gross.Quo(keep).Ceil().TruncateInt().AddRaw(1), nil
}

// Swaps returns the number of filled swaps.
func (a *AMM) Swaps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swaps
}

func (a *AMM) Volume(asset string) sdkmath.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return precise.IntOrZero(a.volume[asset])
}

// convert values amount of sell in base units of buy at oracle prices,
// before fees.
func (a *AMM) convert(ctx context.Context, sell, buy string, amount sdkmath.Int) (sdkmath.LegacyDec, error) {
	sellDec, ok := a.decimals(sell)
	if !ok {
		return sdkmath.LegacyDec{}, exec.Permanent(fmt.Errorf("%s: %w", sell, ErrUnknownAsset))
	}
	buyDec, ok := a.decimals(buy)
	if !ok {
		return sdkmath.LegacyDec{}, exec.Permanent(fmt.Errorf("%s: %w", buy, ErrUnknownAsset))
	}
	sellPrice, err := a.oracle.Price(ctx, sell)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	buyPrice, err := a.oracle.Price(ctx, buy)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	if !buyPrice.IsPositive() {
		return sdkmath.LegacyDec{}, exec.Permanent(position.ErrZeroPrice)
	}
	num := sdkmath.LegacyNewDecFromInt(precise.IntOrZero(amount)).Mul(sellPrice).MulInt(precise.Pow10(buyDec))
	return num.Quo(buyPrice.MulInt(precise.Pow10(sellDec))), nil
}

func (a *AMM) decimals(asset string) (int, bool) {
	for k, v := range a.cfg.Decimals {
		if strings.EqualFold(k, asset) {
			return v, true
		}
	}
	return 0, false
}

func (a *AMM) fee(swap exec.Swap) (sdkmath.LegacyDec, error) {
	bps := uint64(a.cfg.FeeBps)
	if len(swap.Payload) > 0 {
		route, err := venue.DecodeRoute(swap.Payload)
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		if !strings.EqualFold(route.Venue, a.cfg.Name) {
			return sdkmath.LegacyDec{}, fmt.Errorf("route for %s sent to %s: %w", route.Venue, a.cfg.Name, ErrRouteMismatch)
		}
		if !strings.EqualFold(route.Sell(), swap.Sell) || !strings.EqualFold(route.Buy(), swap.Buy) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%s->%s on %s->%s: %w", swap.Sell, swap.Buy, route.Sell(), route.Buy(), ErrRouteMismatch)
		}
		if route.Deadline > 0 && a.now().Unix() > route.Deadline {
			return sdkmath.LegacyDec{}, ErrRouteExpired
		}
		if len(route.FeeBps) > 0 {
			bps = 0
			for _, hop := range route.FeeBps {
				bps += uint64(hop)
			}
		}
	}
	return sdkmath.LegacyNewDecWithPrec(int64(bps), 4), nil
}

// Router sends each swap to the AMM named by its venue.
type Router struct {
	mu     sync.RWMutex
	venues map[string]*AMM
}

func NewRouter(amms ...*AMM) *Router {
	r := &Router{venues: make(map[string]*AMM, len(amms))}
	for _, amm := range amms {
		r.venues[amm.Name()] = amm
	}
	return r
}

func (r *Router) Add(amm *AMM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[amm.Name()] = amm
}

func (r *Router) Venue(name string) (*AMM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	amm, ok := r.venues[name]
	return amm, ok
}

func (r *Router) Swap(ctx context.Context, swap exec.Swap) (sdkmath.Int, error) {
	amm, ok := r.Venue(swap.Venue)
	if !ok {
		return sdkmath.Int{}, exec.Permanent(fmt.Errorf("%s: %w", swap.Venue, ErrUnknownVenue))
	}
	return amm.Swap(ctx, swap)
}

func (r *Router) QuoteIn(ctx context.Context, venueName, sell, buy string, out sdkmath.Int, payload []byte) (sdkmath.Int, error) {
	amm, ok := r.Venue(venueName)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%s: %w", venueName, ErrUnknownVenue)
	}
	return amm.QuoteIn(ctx, sell, buy, out, payload)
}
