package reminder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/logging"
)

// LedgerKeyPrefix is followed by ":<userID>".
const LedgerKeyPrefix = "@BestBefore:reminders"

func LedgerKey(userID string) string { return LedgerKeyPrefix + ":" + userID }

// LedgerEntry remembers one notification handed to the deliverer.
type LedgerEntry struct {
	Handle     string `json:"handle"`
	ProductID  string `json:"product_id"`
	DaysBefore int    `json:"days_before"`
	TriggerAt  string `json:"trigger_at"`
}

func (e LedgerEntry) slotKey() string {
	return fmt.Sprintf("%s/%d/%s", e.ProductID, e.DaysBefore, e.TriggerAt)
}

type ledger struct {
	store  kv.Store
	logger *logging.Logger
}

func (l ledger) load(ctx context.Context, userID string) ([]LedgerEntry, error) {
	key := LedgerKey(userID)
	raw, found, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	var entries []LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Losing the ledger means reminders may be scheduled twice, not lost.
		l.logger.Errorf("corrupt reminder ledger key=%s, starting empty: %v", key, err)
		if qs, ok := l.store.(kv.Quarantiner); ok {
			_, _ = qs.Quarantine(ctx, key)
		}
		return nil, nil
	}
	return entries, nil
}

func (l ledger) save(ctx context.Context, userID string, entries []LedgerEntry) error {
	key := LedgerKey(userID)
	if len(entries) == 0 {
		return l.store.Remove(ctx, key)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal reminder ledger: %w", err)
	}
	if err := l.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
