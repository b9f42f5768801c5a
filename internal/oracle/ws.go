package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// PriceUpdate is one message on the price stream.
type PriceUpdate struct {
	Asset string          `json:"asset"`
	Price json.RawMessage `json:"price"`
	TsMS  int64           `json:"ts,omitempty"`
}

// Stream keeps a websocket open to a price stream and pushes every update
// into a Feed. It reconnects after reconnectDelay and pings on pingInterval.
type Stream struct {
	url            string
	assets         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	feed           *Feed
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(url string, assets []string, reconnectDelay, pingInterval time.Duration, feed *Feed, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		url:            url,
		assets:         append([]string(nil), assets...),
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		feed:           feed,
		log:            log,
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Run reads updates until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.ensureSubscribed(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("price stream connect failed", zap.Error(err))
			if !s.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logReadLoopError(err)
		s.resetConn()
		if !s.wait(ctx) {
			return ctx.Err()
		}
	}
}

func (s *Stream) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

func (s *Stream) ensureSubscribed(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return writeJSON(ctx, conn, map[string]any{"method": "subscribe", "channel": "prices", "assets": s.assets})
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var msg PriceUpdate
	if err := json.Unmarshal(data, &msg); err != nil || msg.Asset == "" || len(msg.Price) == 0 {
		return
	}
	price, err := parsePrice(msg.Price)
	if err != nil {
		s.log.Debug("bad price update", zap.String("asset", msg.Asset), zap.Error(err))
		return
	}
	at := s.feed.now()
	if msg.TsMS > 0 {
		at = time.UnixMilli(msg.TsMS)
	}
	s.feed.Update(msg.Asset, price, at)
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *Stream) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("price stream closed", zap.Error(err))
		return
	}
	s.log.Warn("price stream read failed", zap.Error(err))
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
