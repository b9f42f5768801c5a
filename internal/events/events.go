// Package events carries the controller's observable actions to logs,
// alerts and the time-series sink.
package events

import (
	"context"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	KindEngaged                    Kind = "Engaged"
	KindRebalanced                 Kind = "Rebalanced"
	KindRebalanceIterated          Kind = "RebalanceIterated"
	KindRipcordCalled              Kind = "RipcordCalled"
	KindDisengaged                 Kind = "Disengaged"
	KindMethodologySettingsUpdated Kind = "MethodologySettingsUpdated"
	KindExecutionSettingsUpdated   Kind = "ExecutionSettingsUpdated"
	KindIncentiveSettingsUpdated   Kind = "IncentiveSettingsUpdated"
	KindExchangeAdded              Kind = "ExchangeAdded"
	KindExchangeUpdated            Kind = "ExchangeUpdated"
	KindExchangeRemoved            Kind = "ExchangeRemoved"
	KindEtherWithdrawn             Kind = "EtherWithdrawn"
)

// IsTrade reports whether the kind comes from a trade-executing transition.
func (k Kind) IsTrade() bool {
	switch k {
	case KindEngaged, KindRebalanced, KindRebalanceIterated, KindRipcordCalled, KindDisengaged:
		return true
	}
	return false
}

type Event struct {
	ID     string
	Kind   Kind
	Time   time.Time
	Caller common.Address
	Venue  string

	CurrentLeverageRatio sdkmath.LegacyDec
	NewLeverageRatio     sdkmath.LegacyDec
	TwapLeverageRatio    sdkmath.LegacyDec
	ChunkNotional        sdkmath.Int
	TotalNotional        sdkmath.Int
	IsLever              bool
	Reward               sdkmath.Int

	// Params holds the new parameter values for settings and exchange events.
	Params map[string]string
}

func New(kind Kind, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Time: at}
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type Func func(ctx context.Context, ev Event)

func (f Func) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

type multi []Emitter

// Multi fans an event out to every non-nil emitter in order.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

type LogEmitter struct {
	log *zap.Logger
}

func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

func (l *LogEmitter) Emit(_ context.Context, ev Event) {
	l.log.Info("controller event", Fields(ev)...)
}

// Fields renders an event as zap fields, skipping unset values.
func Fields(ev Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Time("time", ev.Time),
	}
	if ev.Caller != (common.Address{}) {
		fields = append(fields, zap.String("caller", ev.Caller.Hex()))
	}
	if ev.Venue != "" {
		fields = append(fields, zap.String("venue", ev.Venue))
	}
	if !ev.CurrentLeverageRatio.IsNil() {
		fields = append(fields, zap.String("current_leverage_ratio", ev.CurrentLeverageRatio.String()))
	}
	if !ev.NewLeverageRatio.IsNil() {
		fields = append(fields, zap.String("new_leverage_ratio", ev.NewLeverageRatio.String()))
	}
	if !ev.TwapLeverageRatio.IsNil() {
		fields = append(fields, zap.String("twap_leverage_ratio", ev.TwapLeverageRatio.String()))
	}
	if !ev.ChunkNotional.IsNil() {
		fields = append(fields, zap.String("chunk_notional", ev.ChunkNotional.String()), zap.Bool("is_lever", ev.IsLever))
	}
	if !ev.TotalNotional.IsNil() {
		fields = append(fields, zap.String("total_notional", ev.TotalNotional.String()))
	}
	if !ev.Reward.IsNil() {
		fields = append(fields, zap.String("reward", ev.Reward.String()))
	}
	if len(ev.Params) > 0 {
		fields = append(fields, zap.Any("params", ev.Params))
	}
	return fields
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event of the given kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}
