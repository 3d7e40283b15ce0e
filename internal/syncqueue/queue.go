// Package syncqueue is the durable, ordered log of product mutations made
// while the remote store may be unreachable, and the replay that drains it.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/lock"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/metrics"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

// Storage key prefixes. Each user's lists live under <prefix>:<user id>.
const (
	QueueKeyPrefix      = "@BestBefore:syncQueue"
	DeadLetterKeyPrefix = "@BestBefore:deadLetters"

	DefaultRequestTimeout = 15 * time.Second
)

// QueueKey is the storage key of the pending mutations of userID.
func QueueKey(userID string) string { return QueueKeyPrefix + ":" + userID }

// DeadLetterKey is the storage key of the mutations of userID that the
// remote store rejected permanently.
func DeadLetterKey(userID string) string { return DeadLetterKeyPrefix + ":" + userID }

var (
	ErrNoSession          = errors.New("syncqueue: no signed-in user")
	ErrDeadLetterNotFound = errors.New("syncqueue: dead letter not found")
)

// Identity reports the signed-in user.
type Identity interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// Options configures a Queue. The zero value uses DefaultRequestTimeout,
// no events, no logging and the wall clock.
type Options struct {
	// RequestTimeout bounds each remote call made during replay.
	RequestTimeout time.Duration
	Events         events.Publisher
	Logger         *logging.Logger
	Now            func() time.Time
}

// Queue is the durable, per-user FIFO of product mutations waiting to reach
// the remote store. It is safe for concurrent use.
type Queue struct {
	store    kv.Store
	remote   remote.ProductStore
	identity Identity
	events   events.Publisher
	logger   *logging.Logger
	timeout  time.Duration
	now      func() time.Time

	// writeLocks guards read-modify-write of a user's persisted lists.
	writeLocks *lock.MutexMap
	// replayLocks serializes replays of one user.
	replayLocks *lock.MutexMap

	mu   sync.Mutex
	last map[string]Report
}

// New returns a queue persisted in store that replays against products on
// behalf of the user identity reports.
func New(store kv.Store, products remote.ProductStore, identity Identity, opts Options) *Queue {
	q := &Queue{
		store:       store,
		remote:      products,
		identity:    identity,
		events:      opts.Events,
		logger:      opts.Logger.With("syncqueue"),
		timeout:     opts.RequestTimeout,
		now:         opts.Now,
		writeLocks:  lock.NewMutexMap(),
		replayLocks: lock.NewMutexMap(),
		last:        make(map[string]Report),
	}
	if q.events == nil {
		q.events = events.Nop{}
	}
	if q.timeout <= 0 {
		q.timeout = DefaultRequestTimeout
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue appends a mutation for the signed-in user. It fails only without
// a session or when the store cannot be read or written.
func (q *Queue) Enqueue(ctx context.Context, action model.Action, payload any) (model.QueueEntry, error) {
	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		return model.QueueEntry{}, ErrNoSession
	}
	entry, err := model.NewQueueEntry(action, payload, userID, q.now())
	if err != nil {
		return model.QueueEntry{}, err
	}

	err = q.writeLocks.Do(ctx, userID, func() error {
		entries, err := q.load(ctx, QueueKey(userID))
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		if err := q.save(ctx, QueueKey(userID), entries); err != nil {
			return err
		}
		metrics.QueueDepth.Set(float64(len(entries)))
		return nil
	})
	if err != nil {
		q.logger.Errorf("enqueue failed user_id=%s action=%s entry_id=%s: %v", userID, action, entry.ID, err)
		return model.QueueEntry{}, fmt.Errorf("enqueue %s: %w", action, err)
	}

	q.logger.Infof("enqueued user_id=%s action=%s entry_id=%s", userID, action, entry.ID)
	q.events.Publish(events.EventEntryEnqueued, map[string]any{
		"user_id":  userID,
		"entry_id": entry.ID,
		"action":   string(action),
	})
	return entry, nil
}

// Pending returns the persisted queue of the signed-in user, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]model.QueueEntry, error) {
	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	var entries []model.QueueEntry
	err := q.writeLocks.Do(ctx, userID, func() error {
		var err error
		entries, err = q.load(ctx, QueueKey(userID))
		return err
	})
	return entries, err
}

// DeadLetters returns the parked mutations of the signed-in user in the
// order they were rejected.
func (q *Queue) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	var letters []model.DeadLetter
	err := q.writeLocks.Do(ctx, userID, func() error {
		var err error
		letters, err = q.loadDeadLetters(ctx, userID)
		return err
	})
	return letters, err
}

// Requeue moves a dead letter, identified by its own id or by the id of the
// entry it holds, back to the tail of the queue.
func (q *Queue) Requeue(ctx context.Context, id string) (model.QueueEntry, error) {
	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		return model.QueueEntry{}, ErrNoSession
	}
	var entry model.QueueEntry
	err := q.writeLocks.Do(ctx, userID, func() error {
		letters, err := q.loadDeadLetters(ctx, userID)
		if err != nil {
			return err
		}
		idx := -1
		for i, dl := range letters {
			if dl.ID == id || dl.Entry.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
		}
		entry = letters[idx].Entry

		entries, err := q.load(ctx, QueueKey(userID))
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		if err := q.save(ctx, QueueKey(userID), entries); err != nil {
			return err
		}
		letters = append(letters[:idx], letters[idx+1:]...)
		if err := q.saveDeadLetters(ctx, userID, letters); err != nil {
			return err
		}
		metrics.QueueDepth.Set(float64(len(entries)))
		metrics.DeadLetterDepth.Set(float64(len(letters)))
		return nil
	})
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	q.logger.Infof("requeued user_id=%s entry_id=%s", userID, entry.ID)
	q.events.Publish(events.EventEntryRequeued, map[string]any{
		"user_id":  userID,
		"entry_id": entry.ID,
		"action":   string(entry.Action),
	})
	return entry, nil
}

// PurgeDeadLetters drops every dead letter and returns how many there were.
func (q *Queue) PurgeDeadLetters(ctx context.Context) (int, error) {
	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		return 0, ErrNoSession
	}
	var n int
	err := q.writeLocks.Do(ctx, userID, func() error {
		letters, err := q.loadDeadLetters(ctx, userID)
		if err != nil {
			return err
		}
		n = len(letters)
		if n == 0 {
			return nil
		}
		return q.store.Remove(ctx, DeadLetterKey(userID))
	})
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	metrics.DeadLetterDepth.Set(0)
	q.logger.Infof("purged dead letters user_id=%s count=%d", userID, n)
	return n, nil
}

// LastReport returns the most recent replay report for userID.
func (q *Queue) LastReport(userID string) (Report, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.last[userID]
	return r, ok
}

func (q *Queue) setLast(r Report) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last[r.UserID] = r
}

// load reads and decodes a queue. A corrupt queue is discarded, never rolled
// back to its backup: the previous generation may hold entries that were
// already applied, and replaying a stale edit would overwrite newer rows.
func (q *Queue) load(ctx context.Context, key string) ([]model.QueueEntry, error) {
	return loadList[model.QueueEntry](ctx, q, key, false)
}

// loadDeadLetters restores the backup of a corrupt value; dead letters only
// replay on request.
func (q *Queue) loadDeadLetters(ctx context.Context, userID string) ([]model.DeadLetter, error) {
	return loadList[model.DeadLetter](ctx, q, DeadLetterKey(userID), true)
}

func loadList[T any](ctx context.Context, q *Queue, key string, restore bool) ([]T, error) {
	for attempt := 0; attempt < 2; attempt++ {
		raw, found, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !found {
			return nil, nil
		}
		var list []T
		decodeErr := json.Unmarshal([]byte(raw), &list)
		if decodeErr == nil {
			return list, nil
		}

		if !restore {
			if ds, ok := q.store.(kv.Discarder); ok {
				if err := ds.Discard(ctx, key); err != nil {
					return nil, fmt.Errorf("discard %s: %w", key, err)
				}
				q.logger.Errorf("discarded corrupt value key=%s: %v", key, decodeErr)
				return nil, nil
			}
		}
		qs, ok := q.store.(kv.Quarantiner)
		if !ok || !restore {
			q.logger.Errorf("corrupt value key=%s, treating as empty: %v", key, decodeErr)
			return nil, nil
		}
		restored, err := qs.Quarantine(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("quarantine %s: %w", key, err)
		}
		q.logger.Errorf("quarantined corrupt value key=%s restored_from_backup=%t: %v", key, restored, decodeErr)
		if !restored {
			return nil, nil
		}
	}
	return nil, nil
}

func (q *Queue) save(ctx context.Context, key string, entries []model.QueueEntry) error {
	if len(entries) == 0 {
		return q.store.Remove(ctx, key)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := q.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (q *Queue) saveDeadLetters(ctx context.Context, userID string, letters []model.DeadLetter) error {
	key := DeadLetterKey(userID)
	if len(letters) == 0 {
		return q.store.Remove(ctx, key)
	}
	data, err := json.Marshal(letters)
	if err != nil {
		return fmt.Errorf("marshal dead letters: %w", err)
	}
	if err := q.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
