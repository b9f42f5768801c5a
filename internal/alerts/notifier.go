package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"flexlev-keeper/internal/events"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier forwards trade events to a Sender off the caller's goroutine.
// Messages are dropped while the queue is full.
type Notifier struct {
	sender  Sender
	log     *zap.Logger
	queue   chan string
	dropped atomic.Uint64
}

func NewNotifier(sender Sender, queueSize int, log *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, log: log, queue: make(chan string, queueSize)}
}

func (n *Notifier) Emit(_ context.Context, ev events.Event) {
	if n == nil || !ev.Kind.IsTrade() {
		return
	}
	select {
	case n.queue <- FormatEvent(ev):
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("alert queue full")
		}
	}
}

func (n *Notifier) Dropped() uint64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

func (n *Notifier) Run(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if err := n.sender.Send(ctx, msg); err != nil {
				n.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

// FormatEvent renders a controller event as a short alert line.
func FormatEvent(ev events.Event) string {
	parts := []string{string(ev.Kind)}
	if ev.Venue != "" {
		parts = append(parts, "venue="+ev.Venue)
	}
	if !ev.CurrentLeverageRatio.IsNil() {
		parts = append(parts, "current="+ev.CurrentLeverageRatio.String())
	}
	if !ev.NewLeverageRatio.IsNil() {
		parts = append(parts, "new="+ev.NewLeverageRatio.String())
	}
	if !ev.ChunkNotional.IsNil() {
		dir := "delever"
		if ev.IsLever {
			dir = "lever"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", dir, ev.ChunkNotional))
	}
	if !ev.TotalNotional.IsNil() && (ev.ChunkNotional.IsNil() || !ev.TotalNotional.Equal(ev.ChunkNotional)) {
		parts = append(parts, "total="+ev.TotalNotional.String())
	}
	if !ev.Reward.IsNil() && ev.Reward.IsPositive() {
		parts = append(parts, "reward="+ev.Reward.String())
	}
	return strings.Join(parts, " ")
}
