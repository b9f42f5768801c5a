package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flexlev-keeper/internal/alerts"
	"flexlev-keeper/internal/state"
	"flexlev-keeper/internal/strategy"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	defaultAuditLimit = 10
	maxAuditLimit     = 50
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

// operatorFilter admits messages from one chat and, when users is non-empty,
// only from those senders.
type operatorFilter struct {
	chatID int64
	users  map[int64]struct{}
}

func newOperatorFilter(chatID int64, userIDs []int64) operatorFilter {
	f := operatorFilter{chatID: chatID, users: make(map[int64]struct{}, len(userIDs))}
	for _, id := range userIDs {
		f.users[id] = struct{}{}
	}
	return f
}

func (f operatorFilter) admit(upd alerts.Update) (operatorMeta, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != f.chatID {
		return operatorMeta{}, false
	}
	if _, ok := f.users[msg.From.ID]; len(f.users) > 0 && !ok {
		return operatorMeta{}, false
	}
	return operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}, true
}

func (a *App) startOperator(ctx context.Context) {
	tg := a.cfg.Telegram
	if a.alerts == nil || !tg.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(tg.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	wait := tg.PollInterval
	if wait <= 0 {
		wait = 5 * time.Second
	}
	go a.operatorLoop(ctx, newOperatorFilter(chatID, tg.AllowedUserIDs), wait)
}

// operatorLoop long-polls for commands until ctx ends. The offset is saved
// before a command runs so a crash never replays it.
func (a *App) operatorLoop(ctx context.Context, filter operatorFilter, wait time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for ctx.Err() == nil {
		updates, err := a.alerts.GetUpdates(ctx, offset, wait)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		if a.operatorWarned {
			a.operatorWarned = false
			a.log.Info("telegram operator recovered")
		}
		offset = a.processOperatorUpdates(ctx, updates, offset, filter)
	}
}

func (a *App) processOperatorUpdates(ctx context.Context, updates []alerts.Update, offset int64, filter operatorFilter) int64 {
	for _, upd := range updates {
		if upd.UpdateID < offset {
			continue
		}
		offset = upd.UpdateID + 1
		a.saveOperatorOffset(ctx, offset)
		a.handleOperatorUpdate(ctx, upd, filter)
	}
	return offset
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, filter operatorFilter) {
	meta, ok := filter.admit(upd)
	if !ok {
		return
	}
	cmd, args, ok := parseOperatorCommand(meta.Raw)
	if !ok {
		return
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = "command failed: " + err.Error()
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot arg..." into a lower-case command
// and its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0][1:]), "@")
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		resp := "keeper already paused"
		if a.setPaused(true) {
			resp = "keeper paused"
		}
		a.audit(ctx, meta, cmd, args, resp)
		return resp, nil
	case "resume":
		resp := "keeper already active"
		if a.setPaused(false) {
			resp = "keeper resumed"
		}
		a.audit(ctx, meta, cmd, args, resp)
		return resp, nil
	case "engage", "disengage":
		return a.handleTradeCommand(ctx, cmd, args, meta)
	case "withdraw":
		amount, err := a.controller.WithdrawEtherBalance(ctx, a.operator)
		if err != nil {
			a.audit(ctx, meta, cmd, args, "error: "+err.Error())
			return "", err
		}
		resp := fmt.Sprintf("withdrew %s reward units to %s", amount, a.operator.Hex())
		a.audit(ctx, meta, cmd, args, resp)
		return resp, nil
	case "audit":
		return a.operatorAudit(ctx, args)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleTradeCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("/%s: %w", cmd, errNoExchange)
	}
	action := strategy.ActionEngage
	if cmd == "disengage" {
		action = strategy.ActionDisengage
	}
	res, err := a.call(ctx, action, args[0])
	if err != nil {
		a.audit(ctx, meta, cmd, args, "error: "+err.Error())
		return "", err
	}
	a.saveSnapshot(ctx)
	a.observe(ctx)
	resp := fmt.Sprintf("%s on %s: leverage %s -> %s", cmd, res.Venue, decString(res.CurrentLeverageRatio), decString(res.NewLeverageRatio))
	if !res.Chunk.Notional.IsNil() && !res.Chunk.Completes() {
		resp += " (twap started, keeper will iterate)"
	}
	a.audit(ctx, meta, cmd, args, resp)
	return resp, nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.controller == nil {
		return "status unavailable"
	}
	ratio := "n/a"
	if current, err := a.controller.CurrentLeverageRatio(ctx); err == nil {
		ratio = current.String()
	}
	incentive := "n/a"
	if reward, err := a.controller.CurrentEtherIncentive(ctx); err == nil {
		incentive = reward.String()
	}
	twap := a.controller.TwapLeverageRatio()
	lastTrade := "n/a"
	if at := a.controller.GlobalLastTradeTimestamp(); !at.IsZero() {
		lastTrade = at.UTC().Format(time.RFC3339)
	}
	next := "none"
	if names, actions, err := a.shouldRebalance(ctx); err == nil {
		pending := make([]string, 0, len(names))
		for i, name := range names {
			if actions[i] != strategy.ActionNone {
				pending = append(pending, name+"="+actions[i].String())
			}
		}
		if len(pending) > 0 {
			next = strings.Join(pending, ",")
		}
	}
	return strings.Join([]string{
		fmt.Sprintf("keeper: %s", a.caller.Hex()),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("leverage_ratio: %s", ratio),
		fmt.Sprintf("twap_active: %t", !twap.IsNil() && twap.IsPositive()),
		fmt.Sprintf("twap_leverage_ratio: %s", decString(twap)),
		fmt.Sprintf("last_trade: %s", lastTrade),
		fmt.Sprintf("exchanges: %s", strings.Join(a.controller.EnabledExchanges(), ",")),
		fmt.Sprintf("next_action: %s", next),
		fmt.Sprintf("ripcord_incentive: %s", incentive),
	}, "\n")
}

func (a *App) operatorAudit(ctx context.Context, args []string) (string, error) {
	limit := defaultAuditLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid audit limit %q", args[0])
		}
		limit = min(n, maxAuditLimit)
	}
	records, err := state.RecentAudit(ctx, a.store, limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no operator actions recorded", nil
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		line := fmt.Sprintf("%s %s /%s", time.UnixMilli(rec.TimeMS).UTC().Format(time.RFC3339), rec.Actor, rec.Command)
		if rec.Args != "" {
			line += " " + rec.Args
		}
		lines = append(lines, line+": "+rec.Result)
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - leverage, twap and next keeper action",
		"/pause - stop keeper calls",
		"/resume - resume keeper calls",
		"/engage <exchange> - lever up to the target ratio",
		"/disengage <exchange> - unwind toward 1x",
		"/withdraw - sweep the ripcord reward vault to the operator",
		"/audit [n] - recent operator actions",
	}, "\n")
}

func (a *App) audit(ctx context.Context, meta operatorMeta, cmd string, args []string, result string) {
	actor := meta.Username
	if actor == "" {
		actor = strconv.FormatInt(meta.UserID, 10)
	}
	rec := state.AuditRecord{
		TimeMS:  a.now().UnixMilli(),
		Actor:   actor,
		Command: cmd,
		Args:    strings.Join(args, " "),
		Result:  result,
	}
	if err := state.AppendAudit(ctx, a.store, rec); err != nil {
		a.log.Warn("operator audit failed", zap.Error(err))
	}
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		a.log.Warn("ignoring stored operator offset", zap.String("value", raw))
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}
