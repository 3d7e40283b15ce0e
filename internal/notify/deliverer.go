package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/metrics"
	"github.com/msageha/bestbefore/internal/model"
)

// OutboxKey holds every scheduled, not yet fired notification.
const OutboxKey = "@BestBefore:outbox"

// maxSendAttempts bounds how often a due notification is retried before it
// is dropped.
const maxSendAttempts = 3

// Deliverer is the notification-delivery collaborator of the reminder scheduler.
type Deliverer interface {
	// ScheduleAt registers content to fire at triggerAt and returns its handle.
	ScheduleAt(ctx context.Context, content model.NotificationContent, triggerAt time.Time) (string, error)
	// Cancel drops a scheduled notification. Unknown handles are ignored.
	Cancel(ctx context.Context, handle string) error
	RequestPermission(ctx context.Context) (bool, error)
}

// Pending is one outbox entry.
type Pending struct {
	Handle    string                    `json:"handle"`
	Content   model.NotificationContent `json:"content"`
	TriggerAt string                    `json:"trigger_at"`
	Attempts  int                       `json:"attempts,omitempty"`
}

func (p Pending) due(now time.Time) bool {
	t, err := time.Parse(model.TimestampFormat, p.TriggerAt)
	return err != nil || !t.After(now)
}

type LocalDeliverer struct {
	store   kv.Store
	sender  Sender
	enabled bool
	events  events.Publisher
	logger  *logging.Logger

	mu sync.Mutex
}

type DelivererOptions struct {
	// Enabled is what RequestPermission reports.
	Enabled bool
	Events  events.Publisher
	Logger  *logging.Logger
}

func NewLocalDeliverer(store kv.Store, sender Sender, opts DelivererOptions) *LocalDeliverer {
	d := &LocalDeliverer{
		store:   store,
		sender:  sender,
		enabled: opts.Enabled,
		events:  opts.Events,
		logger:  opts.Logger.With("notify"),
	}
	if d.events == nil {
		d.events = events.Nop{}
	}
	return d
}

func (d *LocalDeliverer) RequestPermission(context.Context) (bool, error) {
	return d.enabled, nil
}

func (d *LocalDeliverer) ScheduleAt(ctx context.Context, content model.NotificationContent, triggerAt time.Time) (string, error) {
	handle, err := model.NewID(model.IDKindNotification)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	outbox, err := d.load(ctx)
	if err != nil {
		return "", err
	}
	outbox = append(outbox, Pending{
		Handle:    handle,
		Content:   content,
		TriggerAt: triggerAt.UTC().Format(model.TimestampFormat),
	})
	if err := d.save(ctx, outbox); err != nil {
		return "", err
	}
	metrics.NotificationsScheduled.Inc()
	d.logger.Debugf("scheduled handle=%s product_id=%s trigger_at=%s", handle, content.Data.ProductID, triggerAt.Format(time.RFC3339))
	return handle, nil
}

func (d *LocalDeliverer) Cancel(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	outbox, err := d.load(ctx)
	if err != nil {
		return err
	}
	kept := outbox[:0]
	for _, p := range outbox {
		if p.Handle != handle {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(outbox) {
		return nil
	}
	return d.save(ctx, kept)
}

// Pending returns the outbox ordered by trigger time.
func (d *LocalDeliverer) Pending(ctx context.Context) ([]Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outbox, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(outbox, func(i, j int) bool { return outbox[i].TriggerAt < outbox[j].TriggerAt })
	return outbox, nil
}

// DispatchDue sends every notification whose trigger time is at or before
// now and returns how many were sent. A failed send is retried on later
// calls up to maxSendAttempts.
func (d *LocalDeliverer) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outbox, err := d.load(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	dirty := false
	kept := make([]Pending, 0, len(outbox))
	for _, p := range outbox {
		if !p.due(now) {
			kept = append(kept, p)
			continue
		}
		dirty = true
		if err := d.sender.Send(ctx, p.Content.Title, p.Content.Body); err != nil {
			p.Attempts++
			if p.Attempts < maxSendAttempts {
				kept = append(kept, p)
				d.logger.Warnf("send handle=%s failed (attempt %d): %v", p.Handle, p.Attempts, err)
			} else {
				d.logger.Errorf("dropping handle=%s after %d attempts: %v", p.Handle, p.Attempts, err)
			}
			metrics.NotificationsDispatched.WithLabelValues("failed").Inc()
			continue
		}
		sent++
		metrics.NotificationsDispatched.WithLabelValues("sent").Inc()
		d.events.Publish(events.EventNotificationSent, map[string]any{
			"product_id":  p.Content.Data.ProductID,
			"handle":      p.Handle,
			"days_before": p.Content.Data.DaysBefore,
		})
	}

	if dirty {
		if err := d.save(ctx, kept); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (d *LocalDeliverer) load(ctx context.Context) ([]Pending, error) {
	raw, found, err := d.store.Get(ctx, OutboxKey)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if !found {
		return nil, nil
	}
	var outbox []Pending
	if err := json.Unmarshal([]byte(raw), &outbox); err != nil {
		d.logger.Errorf("corrupt outbox, starting empty: %v", err)
		if qs, ok := d.store.(kv.Quarantiner); ok {
			_, _ = qs.Quarantine(ctx, OutboxKey)
		}
		return nil, nil
	}
	return outbox, nil
}

func (d *LocalDeliverer) save(ctx context.Context, outbox []Pending) error {
	if len(outbox) == 0 {
		return d.store.Remove(ctx, OutboxKey)
	}
	data, err := json.Marshal(outbox)
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}
	if err := d.store.Set(ctx, OutboxKey, string(data)); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}
