package venue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrEmptyName                  = errors.New("exchange name is required")
	ErrAlreadyEnabled             = errors.New("exchange already enabled")
	ErrNotEnabled                 = errors.New("exchange not enabled")
	ErrZeroTradeSize              = errors.New("max TWAP trade size must not be 0")
	ErrTradeSizeAboveIncentivized = errors.New("max TWAP trade size must not be greater than incentivized max TWAP trade size")
)

// Settings configures one trade venue.
type Settings struct {
	TwapMaxTradeSize             sdkmath.Int
	IncentivizedTwapMaxTradeSize sdkmath.Int
	LastTradeTimestamp           time.Time
	LeverPayload                 []byte
	DeleverPayload               []byte
}

func (s Settings) Validate() error {
	maxTrade := precise.IntOrZero(s.TwapMaxTradeSize)
	if !maxTrade.IsPositive() {
		return ErrZeroTradeSize
	}
	if maxTrade.GT(precise.IntOrZero(s.IncentivizedTwapMaxTradeSize)) {
		return ErrTradeSizeAboveIncentivized
	}
	return nil
}

// MaxTradeSize picks the ordinary or incentivized chunk cap.
func (s Settings) MaxTradeSize(incentivized bool) sdkmath.Int {
	if incentivized {
		return precise.IntOrZero(s.IncentivizedTwapMaxTradeSize)
	}
	return precise.IntOrZero(s.TwapMaxTradeSize)
}

func (s Settings) clone() Settings {
	out := s
	out.LeverPayload = append([]byte(nil), s.LeverPayload...)
	out.DeleverPayload = append([]byte(nil), s.DeleverPayload...)
	return out
}

// Registry keeps venue settings keyed by name plus the ordered list of
// enabled names. It is not safe for concurrent use; the controller serializes
// access.
type Registry struct {
	settings map[string]Settings
	enabled  []string
	index    map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		settings: make(map[string]Settings),
		index:    make(map[string]int),
	}
}

func (r *Registry) Add(name string, s Settings) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if r.IsEnabled(name) {
		return fmt.Errorf("%s: %w", name, ErrAlreadyEnabled)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.settings[name] = s.clone()
	r.index[name] = len(r.enabled)
	r.enabled = append(r.enabled, name)
	return nil
}

// Update replaces the venue's sizing and payloads. The last trade timestamp
// is owned by the controller and survives the update.
func (r *Registry) Update(name string, s Settings) error {
	name = strings.TrimSpace(name)
	current, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotEnabled)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	next := s.clone()
	next.LastTradeTimestamp = current.LastTradeTimestamp
	r.settings[name] = next
	return nil
}

// Remove deletes the venue and swap-removes it from the enabled list.
func (r *Registry) Remove(name string) error {
	name = strings.TrimSpace(name)
	idx, ok := r.index[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotEnabled)
	}
	last := len(r.enabled) - 1
	if idx != last {
		moved := r.enabled[last]
		r.enabled[idx] = moved
		r.index[moved] = idx
	}
	r.enabled = r.enabled[:last]
	delete(r.index, name)
	delete(r.settings, name)
	return nil
}

func (r *Registry) Get(name string) (Settings, bool) {
	s, ok := r.lookup(strings.TrimSpace(name))
	if !ok {
		return Settings{}, false
	}
	return s.clone(), true
}

func (r *Registry) IsEnabled(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Enabled returns a copy of the enabled names in registry order.
func (r *Registry) Enabled() []string {
	return append([]string(nil), r.enabled...)
}

func (r *Registry) Len() int {
	return len(r.enabled)
}

// Touch records a trade on the venue.
func (r *Registry) Touch(name string, at time.Time) error {
	s, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotEnabled)
	}
	s.LastTradeTimestamp = at
	r.settings[name] = s
	return nil
}

// Restore re-creates an entry from persisted state, timestamp included.
func (r *Registry) Restore(name string, s Settings) error {
	if err := r.Add(name, s); err != nil {
		return err
	}
	return r.Touch(strings.TrimSpace(name), s.LastTradeTimestamp)
}

func (r *Registry) lookup(name string) (Settings, bool) {
	if !r.IsEnabled(name) {
		return Settings{}, false
	}
	s, ok := r.settings[name]
	return s, ok
}
