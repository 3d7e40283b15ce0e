package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TableProducts is the only remote collection mutations are recorded against.
const TableProducts = "products"

// TimestampFormat is used for every persisted timestamp (UTC, millisecond precision).
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

type Action string

const (
	ActionAdd    Action = "ADD"
	ActionEdit   Action = "EDIT"
	ActionDelete Action = "DELETE"
)

var validActions = map[Action]bool{
	ActionAdd:    true,
	ActionEdit:   true,
	ActionDelete: true,
}

func (a Action) Valid() bool {
	return validActions[a]
}

// QueueEntry is one pending mutation. Payload is kept raw so that a stored
// queue survives a decode/encode cycle unchanged.
type QueueEntry struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Table     string          `json:"table"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	UserID    string          `json:"user_id,omitempty"`
}

// AddPayload carries a full product record. The record ID is minted on the
// client so a replayed insert can be recognised as already applied.
type AddPayload = ProductRecord

type EditPayload struct {
	ID      string       `json:"id"`
	Updates ProductPatch `json:"updates"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

// NewQueueEntry builds an entry with a fresh ID and the current timestamp.
func NewQueueEntry(action Action, payload any, userID string, now time.Time) (QueueEntry, error) {
	if !action.Valid() {
		return QueueEntry{}, fmt.Errorf("invalid action: %q", action)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	id, err := newIDAt(IDKindQueueEntry, now)
	if err != nil {
		return QueueEntry{}, err
	}
	return QueueEntry{
		ID:        id,
		Action:    action,
		Table:     TableProducts,
		Payload:   raw,
		Timestamp: now.UTC().Format(TimestampFormat),
		UserID:    userID,
	}, nil
}

// ProductID returns the product the entry targets.
func (e QueueEntry) ProductID() (string, error) {
	var target struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &target); err != nil {
		return "", fmt.Errorf("decode %s payload of %s: %w", e.Action, e.ID, err)
	}
	if target.ID == "" {
		return "", fmt.Errorf("%s payload of %s has no product id", e.Action, e.ID)
	}
	return target.ID, nil
}

func (e QueueEntry) DecodeAdd() (AddPayload, error) {
	var p AddPayload
	if err := e.decode(ActionAdd, &p); err != nil {
		return AddPayload{}, err
	}
	if p.ID == "" {
		return AddPayload{}, fmt.Errorf("ADD payload of %s has no product id", e.ID)
	}
	return p, nil
}

func (e QueueEntry) DecodeEdit() (EditPayload, error) {
	var p EditPayload
	if err := e.decode(ActionEdit, &p); err != nil {
		return EditPayload{}, err
	}
	if p.ID == "" {
		return EditPayload{}, fmt.Errorf("EDIT payload of %s has no product id", e.ID)
	}
	return p, nil
}

func (e QueueEntry) DecodeDelete() (DeletePayload, error) {
	var p DeletePayload
	if err := e.decode(ActionDelete, &p); err != nil {
		return DeletePayload{}, err
	}
	if p.ID == "" {
		return DeletePayload{}, fmt.Errorf("DELETE payload of %s has no product id", e.ID)
	}
	return p, nil
}

func (e QueueEntry) decode(want Action, v any) error {
	if e.Action != want {
		return fmt.Errorf("entry %s is %s, not %s", e.ID, e.Action, want)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", want, e.ID, err)
	}
	return nil
}

// DeadLetter is a queue entry that the remote store rejected permanently.
type DeadLetter struct {
	ID             string     `json:"id"`
	Entry          QueueEntry `json:"entry"`
	Reason         string     `json:"reason"`
	DeadLetteredAt string     `json:"dead_lettered_at"`
}
