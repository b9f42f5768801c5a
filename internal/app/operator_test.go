package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"flexlev-keeper/internal/alerts"
	"flexlev-keeper/internal/state"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) List(_ context.Context, prefix string, limit int) ([]state.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, state.Entry{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeTelegram struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTelegram) Send(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeTelegram) GetUpdates(context.Context, int64, time.Duration) ([]alerts.Update, error) {
	return nil, nil
}

func (f *fakeTelegram) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func operatorUpdate(id, chatID, userID int64, text string) alerts.Update {
	return alerts.Update{
		UpdateID: id,
		Message: &alerts.Message{
			MessageID: id,
			From:      &alerts.User{ID: userID, Username: "ops"},
			Chat:      &alerts.Chat{ID: chatID},
			Text:      text,
		},
	}
}

func TestParseOperatorCommand(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		args []string
		ok   bool
	}{
		{text: "/status", cmd: "status", ok: true},
		{text: "  /Engage amm  ", cmd: "engage", args: []string{"amm"}, ok: true},
		{text: "/audit@flexbot 5", cmd: "audit", args: []string{"5"}, ok: true},
		{text: "status", ok: false},
		{text: "   ", ok: false},
	}
	for _, tt := range tests {
		cmd, args, ok := parseOperatorCommand(tt.text)
		if ok != tt.ok || cmd != tt.cmd || strings.Join(args, " ") != strings.Join(tt.args, " ") {
			t.Fatalf("parse %q: got %q %v %v", tt.text, cmd, args, ok)
		}
	}
}

func TestHandleOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t), nil)
	tg := app.alerts.(*fakeTelegram)
	filter := newOperatorFilter(-100, []int64{7})
	ctx := context.Background()

	app.handleOperatorUpdate(ctx, operatorUpdate(1, -200, 7, "/pause"), filter)
	app.handleOperatorUpdate(ctx, operatorUpdate(2, -100, 8, "/pause"), filter)
	app.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 3}, filter)
	if app.isPaused() || len(tg.messages()) != 0 {
		t.Fatalf("expected foreign chat and user to be ignored")
	}

	app.handleOperatorUpdate(ctx, operatorUpdate(4, -100, 7, "/pause"), filter)
	app.handleOperatorUpdate(ctx, operatorUpdate(5, -100, 7, "/pause"), filter)
	if !app.isPaused() {
		t.Fatalf("expected keeper paused")
	}
	msgs := tg.messages()
	if len(msgs) != 2 || msgs[0] != "keeper paused" || msgs[1] != "keeper already paused" {
		t.Fatalf("unexpected responses %v", msgs)
	}

	app.handleOperatorUpdate(ctx, operatorUpdate(6, -100, 7, "/engage"), filter)
	msgs = tg.messages()
	if last := msgs[len(msgs)-1]; !strings.HasPrefix(last, "command failed:") || !strings.Contains(last, "exchange name is required") {
		t.Fatalf("expected missing exchange error, got %q", last)
	}
}

func TestOperatorAuditListsRecentCommands(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t), nil)
	app.now = steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	resp, err := app.handleOperatorCommand(ctx, "audit", nil, operatorMeta{})
	if err != nil || resp != "no operator actions recorded" {
		t.Fatalf("expected empty audit, got %q %v", resp, err)
	}
	for _, cmd := range []string{"pause", "resume"} {
		if _, err := app.handleOperatorCommand(ctx, cmd, nil, operatorMeta{Username: "alice"}); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	if _, err := app.handleOperatorCommand(ctx, "disengage", []string{"nowhere"}, operatorMeta{UserID: 42}); err == nil {
		t.Fatalf("expected disengage on unknown exchange to fail")
	}

	resp, err = app.handleOperatorCommand(ctx, "audit", []string{"2"}, operatorMeta{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	lines := strings.Split(resp, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit lines, got %q", resp)
	}
	if !strings.Contains(lines[0], "42 /disengage nowhere: error:") {
		t.Fatalf("expected newest failed disengage first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "alice /resume: keeper resumed") {
		t.Fatalf("expected resume second, got %q", lines[1])
	}

	if _, err := app.handleOperatorCommand(ctx, "audit", []string{"zero"}, operatorMeta{}); err == nil {
		t.Fatalf("expected invalid limit error")
	}
}

func TestOperatorStatusAndWithdraw(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t), nil)
	ctx := context.Background()

	status, err := app.handleOperatorCommand(ctx, "status", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{
		"paused: false",
		"leverage_ratio: 1.000000000000000000",
		"twap_active: false",
		"exchanges: amm",
		"ripcord_incentive: 0",
	} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}

	resp, err := app.handleOperatorCommand(ctx, "withdraw", nil, operatorMeta{Username: "ops"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !strings.HasPrefix(resp, "withdrew 500000000000000000 reward units") {
		t.Fatalf("unexpected withdraw response %q", resp)
	}
	if paid := app.paper.Vault.Paid(app.operator); paid.String() != "500000000000000000" {
		t.Fatalf("expected vault swept to operator, got %s", paid)
	}

	if help, _ := app.handleOperatorCommand(ctx, "bogus", nil, operatorMeta{}); !strings.HasPrefix(help, "commands:") {
		t.Fatalf("expected help text, got %q", help)
	}
}

func TestProcessOperatorUpdatesAdvancesOffset(t *testing.T) {
	app, store := newTestApp(t, testConfig(t), nil)
	tg := app.alerts.(*fakeTelegram)
	filter := newOperatorFilter(-100, nil)
	updates := []alerts.Update{
		operatorUpdate(9, -100, 1, "/pause"),
		operatorUpdate(10, -100, 2, "/pause"),
		operatorUpdate(11, -100, 3, "hello"),
	}
	offset := app.processOperatorUpdates(context.Background(), updates, 10, filter)
	if offset != 12 {
		t.Fatalf("expected offset 12, got %d", offset)
	}
	if store.data[operatorOffsetKey] != "12" {
		t.Fatalf("expected persisted offset 12, got %q", store.data[operatorOffsetKey])
	}
	if msgs := tg.messages(); len(msgs) != 1 || msgs[0] != "keeper paused" {
		t.Fatalf("expected only update 10 to run, got %v", msgs)
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	app, store := newTestApp(t, testConfig(t), nil)
	ctx := context.Background()
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 77)
	if got := app.loadOperatorOffset(ctx); got != 77 {
		t.Fatalf("expected offset 77, got %d", got)
	}
	store.data[operatorOffsetKey] = "-5"
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected negative offset to reset, got %d", got)
	}
}
