package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestStaticPrice(t *testing.T) {
	s := NewStatic(map[string]sdkmath.LegacyDec{"eth": sdkmath.LegacyNewDec(1000)})
	got, err := s.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !got.Equal(sdkmath.LegacyNewDec(1000)) {
		t.Fatalf("expected 1000, got %s", got)
	}
	s.Set("ETH", sdkmath.LegacyNewDec(800))
	got, _ = s.Price(context.Background(), "eth")
	if !got.Equal(sdkmath.LegacyNewDec(800)) {
		t.Fatalf("expected 800 after set, got %s", got)
	}
	if _, err := s.Price(context.Background(), "BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

func TestFeedRefreshFromREST(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/prices" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"ETH":"1000.5","USDC":1,"BAD":"x"}`))
	}))
	defer server.Close()

	feed := NewFeed(NewRESTClient(server.URL+"/", time.Second, zap.NewNop()), 0, zap.NewNop())
	if err := feed.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	eth, err := feed.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("eth: %v", err)
	}
	if !eth.Equal(sdkmath.LegacyMustNewDecFromStr("1000.5")) {
		t.Fatalf("expected 1000.5, got %s", eth)
	}
	usdc, err := feed.Price(context.Background(), "usdc")
	if err != nil || !usdc.Equal(sdkmath.LegacyOneDec()) {
		t.Fatalf("expected usdc 1, got %s (%v)", usdc, err)
	}
	if _, err := feed.Price(context.Background(), "BAD"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unparsable price to be skipped, got %v", err)
	}
}

func TestFeedRefreshHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	feed := NewFeed(NewRESTClient(server.URL, time.Second, nil), 0, nil)
	err := feed.Refresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "http 503") {
		t.Fatalf("expected http 503 error, got %v", err)
	}
}

func TestFeedStaleness(t *testing.T) {
	feed := NewFeed(nil, time.Minute, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	feed.now = func() time.Time { return now }

	feed.Update("ETH", sdkmath.LegacyNewDec(1000), now.Add(-30*time.Second))
	if _, err := feed.Price(context.Background(), "ETH"); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := feed.Price(context.Background(), "ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
}

func TestFeedIgnoresOlderAndNonPositiveQuotes(t *testing.T) {
	feed := NewFeed(nil, 0, zap.NewNop())
	at := time.Unix(1_700_000_000, 0)
	feed.Update("ETH", sdkmath.LegacyNewDec(1000), at)
	feed.Update("ETH", sdkmath.LegacyNewDec(900), at.Add(-time.Second))
	feed.Update("ETH", sdkmath.LegacyZeroDec(), at.Add(time.Second))

	got, err := feed.Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !got.Equal(sdkmath.LegacyNewDec(1000)) {
		t.Fatalf("expected 1000, got %s", got)
	}
	updated, ok := feed.Updated("eth")
	if !ok || !updated.Equal(at) {
		t.Fatalf("expected update time %s, got %s", at, updated)
	}
}

func TestStreamPushesUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub map[string]any
		_ = json.Unmarshal(data, &sub)
		subCh <- sub
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"asset":"ETH","price":"1234.5","ts":1700000000000}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewFeed(nil, 0, zap.NewNop())
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream := NewStream(wsURL, []string{"ETH"}, 10*time.Millisecond, 0, feed, zap.NewNop())

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = stream.Run(runCtx)
	}()

	select {
	case sub := <-subCh:
		if sub["method"] != "subscribe" || sub["channel"] != "prices" {
			t.Fatalf("unexpected subscription %v", sub)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p, err := feed.Price(ctx, "ETH"); err == nil {
			if !p.Equal(sdkmath.LegacyMustNewDecFromStr("1234.5")) {
				t.Fatalf("expected 1234.5, got %s", p)
			}
			updated, _ := feed.Updated("ETH")
			if updated.UnixMilli() != 1700000000000 {
				t.Fatalf("expected stream timestamp, got %d", updated.UnixMilli())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("price update never reached the feed")
}
