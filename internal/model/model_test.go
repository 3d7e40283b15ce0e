package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func strPtr(s string) *string { return &s }

func TestNewQueueEntry(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 123_000_000, time.UTC)
	entry, err := NewQueueEntry(ActionDelete, DeletePayload{ID: "p1"}, "u1", now)
	require.NoError(t, err)

	assert.True(t, IsLocalID(entry.ID))
	assert.Equal(t, ActionDelete, entry.Action)
	assert.Equal(t, TableProducts, entry.Table)
	assert.Equal(t, "2025-01-01T09:30:00.123Z", entry.Timestamp)
	assert.Equal(t, "u1", entry.UserID)
	assert.JSONEq(t, `{"id":"p1"}`, string(entry.Payload))

	ts, err := IDTime(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), ts.UnixMilli())
}

func TestNewQueueEntry_InvalidAction(t *testing.T) {
	_, err := NewQueueEntry("UPSERT", DeletePayload{ID: "p1"}, "u1", time.Now())
	assert.Error(t, err)
}

func TestQueueJSONRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	add, err := NewQueueEntry(ActionAdd, AddPayload{
		ID:         "3b241101-e2bb-4255-8caf-4136c566a962",
		Name:       "Milk",
		ExpiryDate: "2025-01-10",
		Category:   "Dairy",
		Badges:     []string{"High Calcium"},
	}, "u1", now)
	require.NoError(t, err)
	edit, err := NewQueueEntry(ActionEdit, EditPayload{
		ID:      "3b241101-e2bb-4255-8caf-4136c566a962",
		Updates: ProductPatch{ExpiryDate: strPtr("2025-01-12")},
	}, "u1", now.Add(time.Millisecond))
	require.NoError(t, err)
	del, err := NewQueueEntry(ActionDelete, DeletePayload{ID: "3b241101-e2bb-4255-8caf-4136c566a962"}, "u1", now.Add(2*time.Millisecond))
	require.NoError(t, err)

	// Key order written by another client must survive.
	foreign := QueueEntry{
		ID:        "mq_1741064767003_0a0b0c0d",
		Action:    ActionEdit,
		Table:     TableProducts,
		Payload:   json.RawMessage(`{"updates":{"name":"Oat milk"},"id":"p9"}`),
		Timestamp: "2025-03-04T05:06:07.003Z",
	}

	queue := []QueueEntry{add, edit, del, foreign}
	data, err := json.Marshal(queue)
	require.NoError(t, err)

	var decoded []QueueEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(queue))
	for i := range queue {
		assert.Equal(t, queue[i].ID, decoded[i].ID)
		assert.Equal(t, queue[i].Action, decoded[i].Action)
		assert.Equal(t, queue[i].Table, decoded[i].Table)
		assert.Equal(t, queue[i].Timestamp, decoded[i].Timestamp)
		assert.Equal(t, string(queue[i].Payload), string(decoded[i].Payload))
	}

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestQueueEntryDecode(t *testing.T) {
	now := time.Now()
	edit, err := NewQueueEntry(ActionEdit, EditPayload{ID: "p1", Updates: ProductPatch{Name: strPtr("Cream")}}, "u1", now)
	require.NoError(t, err)

	p, err := edit.DecodeEdit()
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	require.NotNil(t, p.Updates.Name)
	assert.Equal(t, "Cream", *p.Updates.Name)

	_, err = edit.DecodeDelete()
	assert.Error(t, err, "action mismatch must be rejected")

	id, err := edit.ProductID()
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	broken := QueueEntry{ID: "mq_1", Action: ActionDelete, Payload: json.RawMessage(`{}`)}
	_, err = broken.DecodeDelete()
	assert.Error(t, err)
	_, err = broken.ProductID()
	assert.Error(t, err)
}

func TestProductPatch(t *testing.T) {
	base := Product{ID: "p1", Name: "Milk", ExpiryDate: "2025-01-10", Category: "Dairy"}

	assert.True(t, ProductPatch{}.Empty())

	patch := ProductPatch{ExpiryDate: strPtr("2025-01-14"), Category: strPtr("")}
	assert.False(t, patch.Empty())

	got := patch.Apply(base)
	assert.Equal(t, "Milk", got.Name)
	assert.Equal(t, "2025-01-14", got.ExpiryDate)
	assert.Equal(t, "", got.Category)
	assert.Equal(t, "Dairy", base.Category, "Apply must not mutate its input")

	assert.Equal(t, map[string]any{"expiry_date": "2025-01-14", "category": ""}, patch.Columns())
}

func TestProductExpiry(t *testing.T) {
	loc := time.FixedZone("JST", 9*3600)
	d, err := Product{ID: "p1", ExpiryDate: "2025-06-10"}.Expiry(loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, loc), d)

	_, err = Product{ID: "p1", ExpiryDate: "10/06/2025"}.Expiry(loc)
	assert.Error(t, err)
}

func TestScheduledNotificationJSON(t *testing.T) {
	n := ScheduledNotification{
		NotificationContent: NotificationContent{
			Title: ReminderTitle,
			Body:  "Milk expires tomorrow!",
			Data:  NotificationData{ProductID: "p1", Category: "Dairy", DaysBefore: 1},
		},
		TriggerAt: "2025-01-09T12:00:00.000Z",
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"title":"Expiry Reminder",
		"body":"Milk expires tomorrow!",
		"data":{"productId":"p1","category":"Dairy","daysBefore":1},
		"triggerAt":"2025-01-09T12:00:00.000Z"
	}`, string(data))
}

func TestConfigYAML(t *testing.T) {
	src := `
storage:
  backend: sqlite
  path: state/bestbefore.db
remote:
  backend: postgrest
  rest_url: https://example.supabase.co
  request_timeout_sec: 10
reminders:
  default_days: 3
  timezone: Asia/Tokyo
notify:
  enabled: true
  sender: log
logging:
  level: debug
`
	var cfg Config
	require.NoError(t, yamlv3.Unmarshal([]byte(src), &cfg))
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "state/bestbefore.db", cfg.Storage.Path)
	assert.Equal(t, "postgrest", cfg.Remote.Backend)
	assert.Equal(t, "https://example.supabase.co", cfg.Remote.RestURL)
	assert.Equal(t, 10, cfg.Remote.RequestTimeoutSec)
	assert.Equal(t, "Asia/Tokyo", cfg.Reminders.Timezone)
	assert.True(t, cfg.Notify.Enabled)
	assert.Equal(t, "log", cfg.Notify.Sender)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
