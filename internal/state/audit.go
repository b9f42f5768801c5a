package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const auditPrefix = "audit:"

var ErrListUnsupported = errors.New("store cannot list keys")

// AuditRecord is one operator command and its outcome.
type AuditRecord struct {
	TimeMS  int64  `json:"time_ms"`
	Actor   string `json:"actor"`
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
	Result  string `json:"result"`
}

// AppendAudit stores rec under a key that sorts by time.
func AppendAudit(ctx context.Context, store Store, rec AuditRecord) error {
	if store == nil {
		return nil
	}
	if rec.TimeMS == 0 {
		rec.TimeMS = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", auditPrefix, rec.TimeMS, uuid.NewString())
	return store.Set(ctx, key, string(payload))
}

// RecentAudit returns up to n records, newest first.
func RecentAudit(ctx context.Context, store Store, n int) ([]AuditRecord, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	entries, err := lister.List(ctx, auditPrefix, n)
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
