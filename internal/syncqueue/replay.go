package syncqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/metrics"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

type EntryResult struct {
	EntryID   string       `json:"entry_id"`
	Action    model.Action `json:"action"`
	ProductID string       `json:"product_id,omitempty"`
	Outcome   Outcome      `json:"outcome"`
	Error     string       `json:"error,omitempty"`
}

// Report describes one replay pass.
type Report struct {
	UserID     string `json:"user_id,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	// Skipped is set when nobody was signed in.
	Skipped        bool `json:"skipped,omitempty"`
	Loaded         int  `json:"loaded"`
	Applied        int  `json:"applied"`
	AlreadyApplied int  `json:"already_applied"`
	DeadLettered   int  `json:"dead_lettered"`
	// Halted is set when a retryable failure stopped the pass; the whole
	// loaded queue is then still persisted.
	Halted       bool          `json:"halted,omitempty"`
	HaltedEntry  string        `json:"halted_entry,omitempty"`
	HaltPosition int           `json:"halt_position,omitempty"`
	Error        string        `json:"error,omitempty"`
	Results      []EntryResult `json:"results,omitempty"`
}

// Replay drains the signed-in user's queue against the remote store, one
// entry at a time in insertion order.
//
// A retryable failure, a rejected session or a sign-out during the pass
// halts it and leaves the persisted queue exactly as loaded. A permanent failure moves the entry to the dead-letter list and
// the pass continues. When the pass completes, exactly the loaded entries are
// removed; entries enqueued meanwhile stay for the next pass.
//
// The returned error is informational: it is set when the pass halted or
// its result could not be written.
func (q *Queue) Replay(ctx context.Context) (Report, error) {
	report := Report{StartedAt: q.timestamp()}

	userID, ok := q.identity.CurrentUser(ctx)
	if !ok {
		q.logger.Infof("replay skipped: no signed-in user")
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		metrics.ReplayTotal.WithLabelValues("skipped").Inc()
		return report, nil
	}
	report.UserID = userID

	if err := q.replayLocks.LockContext(ctx, userID); err != nil {
		return report, fmt.Errorf("wait for replay lock: %w", err)
	}
	defer q.replayLocks.Unlock(userID)

	var entries []model.QueueEntry
	err := q.writeLocks.Do(ctx, userID, func() error {
		var err error
		entries, err = q.load(ctx, QueueKey(userID))
		return err
	})
	if err != nil {
		// Storage failures degrade to an empty queue.
		q.logger.Errorf("replay: load queue user_id=%s, treating as empty: %v", userID, err)
		entries = nil
	}

	report.Loaded = len(entries)
	if len(entries) == 0 {
		report.FinishedAt = q.timestamp()
		metrics.ReplayTotal.WithLabelValues("empty").Inc()
		q.setLast(report)
		return report, nil
	}

	q.logger.Infof("replay started user_id=%s pending=%d", userID, len(entries))
	q.events.Publish(events.EventReplayStarted, map[string]any{"user_id": userID, "pending": len(entries)})

	var dead []model.DeadLetter
	for i, entry := range entries {
		res := EntryResult{EntryID: entry.ID, Action: entry.Action}
		res.ProductID, _ = entry.ProductID()

		if current, ok := q.identity.CurrentUser(ctx); !ok || current != userID {
			// Signed out (or another user signed in) mid-pass.
			return q.halt(report, i, entry, ErrNoSession)
		}

		err := q.dispatch(ctx, userID, entry)
		switch {
		case err == nil:
			res.Outcome = OutcomeApplied
			report.Applied++
		case alreadyApplied(entry.Action, err):
			res.Outcome = OutcomeAlreadyApplied
			report.AlreadyApplied++
			q.logger.Debugf("replay: entry_id=%s already applied: %v", entry.ID, err)
		case errors.Is(err, remote.ErrUnauthorized):
			// The session, not the entry, was rejected.
			return q.halt(report, i, entry, err)
		case remote.IsPermanent(err):
			res.Outcome = OutcomeDeadLettered
			res.Error = err.Error()
			report.DeadLettered++
			dl, idErr := q.deadLetter(entry, err)
			if idErr != nil {
				// Without an id the entry cannot be parked; keep the queue intact.
				return q.halt(report, i, entry, idErr)
			}
			dead = append(dead, dl)
			q.logger.Warnf("replay: dead-lettered entry_id=%s action=%s: %v", entry.ID, entry.Action, err)
		default:
			return q.halt(report, i, entry, err)
		}
		report.Results = append(report.Results, res)
	}

	if err := q.commit(context.WithoutCancel(ctx), userID, entries, dead); err != nil {
		report.FinishedAt = q.timestamp()
		report.Error = err.Error()
		q.setLast(report)
		metrics.ReplayTotal.WithLabelValues("commit_failed").Inc()
		q.logger.Errorf("replay: commit user_id=%s: %v", userID, err)
		return report, fmt.Errorf("commit replay: %w", err)
	}

	for _, dl := range dead {
		pid, _ := dl.Entry.ProductID()
		q.events.Publish(events.EventEntryDeadLettered, map[string]any{
			"user_id":    userID,
			"entry_id":   dl.Entry.ID,
			"product_id": pid,
			"action":     string(dl.Entry.Action),
			"reason":     dl.Reason,
		})
	}
	metrics.ReplayEntriesTotal.WithLabelValues(string(OutcomeApplied)).Add(float64(report.Applied))
	metrics.ReplayEntriesTotal.WithLabelValues(string(OutcomeAlreadyApplied)).Add(float64(report.AlreadyApplied))
	metrics.ReplayEntriesTotal.WithLabelValues(string(OutcomeDeadLettered)).Add(float64(report.DeadLettered))
	metrics.ReplayTotal.WithLabelValues("completed").Inc()

	report.FinishedAt = q.timestamp()
	q.setLast(report)
	q.logger.Infof("replay completed user_id=%s applied=%d already_applied=%d dead_lettered=%d",
		userID, report.Applied, report.AlreadyApplied, report.DeadLettered)
	q.events.Publish(events.EventReplayCompleted, map[string]any{
		"user_id":         userID,
		"applied":         report.Applied,
		"already_applied": report.AlreadyApplied,
		"dead_lettered":   report.DeadLettered,
	})
	return report, nil
}

func (q *Queue) halt(report Report, i int, entry model.QueueEntry, err error) (Report, error) {
	report.Halted = true
	report.HaltedEntry = entry.ID
	report.HaltPosition = i + 1
	report.Error = err.Error()
	report.FinishedAt = q.timestamp()
	q.setLast(report)
	metrics.ReplayTotal.WithLabelValues("halted").Inc()

	q.logger.Warnf("replay halted user_id=%s at %d/%d entry_id=%s action=%s: %v",
		report.UserID, report.HaltPosition, report.Loaded, entry.ID, entry.Action, err)
	q.events.Publish(events.EventReplayHalted, map[string]any{
		"user_id":  report.UserID,
		"entry_id": entry.ID,
		"action":   string(entry.Action),
		"position": report.HaltPosition,
		"error":    err.Error(),
	})
	return report, fmt.Errorf("replay halted at entry %d/%d (%s): %w", report.HaltPosition, report.Loaded, entry.ID, err)
}

// dispatch performs one entry against the remote store under its own timeout.
func (q *Queue) dispatch(ctx context.Context, userID string, entry model.QueueEntry) error {
	if entry.Table != "" && entry.Table != model.TableProducts {
		return remote.Permanent("dispatch", fmt.Errorf("entry %s targets unknown table %q", entry.ID, entry.Table))
	}

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	switch entry.Action {
	case model.ActionAdd:
		p, err := entry.DecodeAdd()
		if err != nil {
			return remote.Permanent("decode", err)
		}
		return q.remote.Insert(callCtx, userID, p)
	case model.ActionEdit:
		p, err := entry.DecodeEdit()
		if err != nil {
			return remote.Permanent("decode", err)
		}
		return q.remote.Update(callCtx, userID, p.ID, p.Updates)
	case model.ActionDelete:
		p, err := entry.DecodeDelete()
		if err != nil {
			return remote.Permanent("decode", err)
		}
		return q.remote.Delete(callCtx, userID, p.ID)
	default:
		return remote.Permanent("dispatch", fmt.Errorf("entry %s has unknown action %q", entry.ID, entry.Action))
	}
}

// alreadyApplied recognises replays of mutations that reached the remote
// store before: an insert of an existing client-minted id, or a delete of a
// row that is gone.
func alreadyApplied(action model.Action, err error) bool {
	switch action {
	case model.ActionAdd:
		return errors.Is(err, remote.ErrConflict)
	case model.ActionDelete:
		return errors.Is(err, remote.ErrNotFound)
	}
	return false
}

func (q *Queue) deadLetter(entry model.QueueEntry, cause error) (model.DeadLetter, error) {
	now := q.now()
	id, err := model.NewID(model.IDKindDeadLetter)
	if err != nil {
		return model.DeadLetter{}, err
	}
	return model.DeadLetter{
		ID:             id,
		Entry:          entry,
		Reason:         cause.Error(),
		DeadLetteredAt: now.UTC().Format(model.TimestampFormat),
	}, nil
}

// commit removes the replayed entries and records dead letters. Dead letters
// are written first so a crash between the two writes repeats work instead
// of losing it.
func (q *Queue) commit(ctx context.Context, userID string, replayed []model.QueueEntry, dead []model.DeadLetter) error {
	return q.writeLocks.Do(ctx, userID, func() error {
		if len(dead) > 0 {
			letters, err := q.loadDeadLetters(ctx, userID)
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(letters))
			for _, dl := range letters {
				known[dl.Entry.ID] = true
			}
			for _, dl := range dead {
				if !known[dl.Entry.ID] {
					letters = append(letters, dl)
				}
			}
			if err := q.saveDeadLetters(ctx, userID, letters); err != nil {
				return err
			}
			metrics.DeadLetterDepth.Set(float64(len(letters)))
		}

		current, err := q.load(ctx, QueueKey(userID))
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(replayed))
		for _, e := range replayed {
			done[e.ID] = true
		}
		remaining := current[:0]
		for _, e := range current {
			if !done[e.ID] {
				remaining = append(remaining, e)
			}
		}
		if err := q.save(ctx, QueueKey(userID), remaining); err != nil {
			return err
		}
		metrics.QueueDepth.Set(float64(len(remaining)))
		return nil
	})
}

func (q *Queue) timestamp() string {
	return q.now().UTC().Format(model.TimestampFormat)
}
