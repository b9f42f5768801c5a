package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flexlev-keeper/internal/state"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
)

type Swap struct {
	Venue      string
	Sell       string
	Buy        string
	Amount     sdkmath.Int
	MinReceive sdkmath.Int
	Payload    []byte
	ClientID   string
}

type Router interface {
	Swap(ctx context.Context, swap Swap) (sdkmath.Int, error)
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type Executor struct {
	router Router
	store  state.Store
	log    *zap.Logger

	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(router Router, store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		router:   router,
		store:    store,
		log:      log,
		attempts: 5,
		backoff:  200 * time.Millisecond,
		cache:    make(map[string]string),
	}
}

func (e *Executor) SetRetry(attempts int, backoff time.Duration) {
	if attempts > 0 {
		e.attempts = attempts
	}
	if backoff >= 0 {
		e.backoff = backoff
	}
}

// Execute runs the swap and returns the amount received. Swaps carrying a
// ClientID run at most once: the result is remembered in memory and in the
// store, so a replay after a restart returns the recorded fill.
func (e *Executor) Execute(ctx context.Context, swap Swap) (sdkmath.Int, error) {
	if swap.ClientID == "" {
		return e.swapWithRetry(ctx, swap)
	}
	cacheKey := "swap:" + swap.ClientID
	e.mu.Lock()
	if raw, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return parseFill(raw)
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return sdkmath.Int{}, err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = raw
			e.mu.Unlock()
			return parseFill(raw)
		}
	}
	received, err := e.swapWithRetry(ctx, swap)
	if err != nil {
		return sdkmath.Int{}, err
	}
	raw := received.String()
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, raw); err != nil {
			e.log.Warn("failed to persist swap fill", zap.String("client_id", swap.ClientID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = raw
	e.mu.Unlock()
	return received, nil
}

func (e *Executor) swapWithRetry(ctx context.Context, swap Swap) (sdkmath.Int, error) {
	var received sdkmath.Int
	err := e.retry(ctx, func() error {
		var err error
		received, err = e.router.Swap(ctx, swap)
		return err
	})
	if err != nil {
		return sdkmath.Int{}, err
	}
	if received.IsNil() {
		return sdkmath.Int{}, errors.New("empty swap fill")
	}
	return received, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("swap attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func parseFill(raw string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid stored fill %q", raw)
	}
	return v, nil
}
