package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flexlev-keeper/internal/config"
	"flexlev-keeper/internal/events"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
	updates, err := client.GetUpdates(context.Background(), 0, time.Second)
	if err != nil || updates != nil {
		t.Fatalf("expected no updates when disabled, got %v %v", updates, err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotQuery = map[string]string{
			"offset":  r.URL.Query().Get("offset"),
			"timeout": r.URL.Query().Get("timeout"),
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[
			{"update_id":41,"message":{"message_id":1,"from":{"id":7,"username":"ops"},"chat":{"id":-100},"text":"/status"}}
		]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "-100"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 41, 3*time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if gotQuery["offset"] != "41" || gotQuery["timeout"] != "3" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
	if len(updates) != 1 || updates[0].UpdateID != 41 {
		t.Fatalf("unexpected updates %+v", updates)
	}
	msg := updates[0].Message
	if msg == nil || msg.From.ID != 7 || msg.Chat.ID != -100 || msg.Text != "/status" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	done chan struct{}
}

func (r *recordingSender) Send(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	return nil
}

func TestNotifierForwardsTradeEvents(t *testing.T) {
	sender := &recordingSender{done: make(chan struct{})}
	n := NewNotifier(sender, 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Emit(ctx, events.New(events.KindExchangeAdded, time.Now()))
	ev := events.New(events.KindRipcordCalled, time.Now())
	ev.Venue = "amm"
	ev.ChunkNotional = sdkmath.NewInt(10)
	ev.TotalNotional = sdkmath.NewInt(10)
	ev.Reward = sdkmath.NewInt(1)
	n.Emit(ctx, ev)

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for alert")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected only the trade event, got %v", sender.msgs)
	}
	if sender.msgs[0] != "RipcordCalled venue=amm delever=10 reward=1" {
		t.Fatalf("unexpected alert %q", sender.msgs[0])
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	n := NewNotifier(&recordingSender{}, 1, zap.NewNop())
	ev := events.New(events.KindRebalanced, time.Now())
	n.Emit(context.Background(), ev)
	n.Emit(context.Background(), ev)
	if n.Dropped() != 1 {
		t.Fatalf("expected one dropped alert, got %d", n.Dropped())
	}
}

func TestFormatEventLever(t *testing.T) {
	ev := events.New(events.KindRebalanceIterated, time.Now())
	ev.IsLever = true
	ev.ChunkNotional = sdkmath.NewInt(3)
	ev.TotalNotional = sdkmath.NewInt(9)
	ev.NewLeverageRatio = sdkmath.LegacyNewDec(2)
	got := FormatEvent(ev)
	want := "RebalanceIterated new=2.000000000000000000 lever=3 total=9"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
