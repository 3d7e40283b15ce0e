package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/lock"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/notify"
)

var ErrNoSession = errors.New("reminder: no signed-in user")

// Identity reports the signed-in user whose ledger is read and written.
type Identity interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// CategoryLookup resolves per-category reminder overrides.
type CategoryLookup interface {
	ReminderDays(ctx context.Context, userID, category string) (days int, found bool, err error)
}

// Options tunes a Scheduler. Zero fields fall back to
// model.DefaultReminderDays, the local time zone, no events and the wall
// clock.
type Options struct {
	// DefaultDays applies when a category has no override.
	DefaultDays int
	Location    *time.Location
	Events      events.Publisher
	Logger      *logging.Logger
	Now         func() time.Time
}

// Scheduler keeps the deliverer's scheduled reminders equal to the slots
// each product currently needs. A per-user ledger makes repeated passes
// idempotent.
type Scheduler struct {
	deliverer   notify.Deliverer
	categories  CategoryLookup
	identity    Identity
	ledger      ledger
	defaultDays int
	loc         *time.Location
	events      events.Publisher
	logger      *logging.Logger
	now         func() time.Time
	locks       *lock.MutexMap
}

// NewScheduler returns a Scheduler keeping its ledger in store and
// delivering through deliverer. categories may be nil.
func NewScheduler(store kv.Store, deliverer notify.Deliverer, categories CategoryLookup, identity Identity, opts Options) *Scheduler {
	s := &Scheduler{
		deliverer:   deliverer,
		categories:  categories,
		identity:    identity,
		defaultDays: opts.DefaultDays,
		loc:         opts.Location,
		events:      opts.Events,
		logger:      opts.Logger.With("reminder"),
		now:         opts.Now,
		locks:       lock.NewMutexMap(),
	}
	s.ledger = ledger{store: store, logger: s.logger}
	if s.defaultDays <= 0 {
		s.defaultDays = model.DefaultReminderDays
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// EnsurePermission asks the deliverer for permission. A denial or an error
// is logged and reported as false.
func (s *Scheduler) EnsurePermission(ctx context.Context) bool {
	granted, err := s.deliverer.RequestPermission(ctx)
	if err != nil {
		s.logger.Warnf("notification permission request failed: %v", err)
		return false
	}
	if !granted {
		s.logger.Warnf("notification permission not granted, skipping reminders")
	}
	return granted
}

// ReminderDaysFor returns the reminder lead time for category.
func (s *Scheduler) ReminderDaysFor(ctx context.Context, userID, category string) int {
	if category == "" || s.categories == nil {
		return s.defaultDays
	}
	days, found, err := s.categories.ReminderDays(ctx, userID, category)
	if err != nil {
		s.logger.Warnf("category settings unavailable, using default %d days: %v", s.defaultDays, err)
		return s.defaultDays
	}
	if !found {
		return s.defaultDays
	}
	return days
}

// ScheduleForProduct makes sure every future reminder slot of p is scheduled
// exactly once and cancels slots p no longer needs. It returns the handles
// of all scheduled slots in slot order.
//
// A failed submission does not stop the remaining slots. The returned error
// joins such failures; the handles are valid regardless.
func (s *Scheduler) ScheduleForProduct(ctx context.Context, p model.Product) ([]string, error) {
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	days := s.ReminderDaysFor(ctx, userID, p.Category)
	now := s.now()

	var errs []error
	slots, err := Slots(p, days, now, s.loc)
	if err != nil {
		// Unparseable expiry: nothing is wanted, cancel what was there.
		errs = append(errs, err)
		slots = nil
	}

	if err := s.locks.LockContext(ctx, userID); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(userID)

	entries, err := s.ledger.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(slots))
	for _, slot := range slots {
		wanted[slotEntry(p.ID, slot).slotKey()] = true
	}

	loaded := len(entries)
	known := make(map[string]LedgerEntry)
	kept := entries[:0]
	cancelled := 0
	for _, e := range entries {
		switch {
		case e.ProductID != p.ID:
			kept = append(kept, e)
		case wanted[e.slotKey()]:
			known[e.slotKey()] = e
			kept = append(kept, e)
		case !e.future(now):
			// Already due; it belongs to the dispatcher now.
		default:
			if err := s.deliverer.Cancel(ctx, e.Handle); err != nil {
				s.logger.Warnf("cancel stale reminder handle=%s product_id=%s: %v", e.Handle, p.ID, err)
				errs = append(errs, fmt.Errorf("cancel %s: %w", e.Handle, err))
				kept = append(kept, e)
				continue
			}
			cancelled++
		}
	}
	dropped := loaded - len(kept)
	entries = kept

	handles := make([]string, 0, len(slots))
	added := 0
	for _, slot := range slots {
		entry := slotEntry(p.ID, slot)
		if e, ok := known[entry.slotKey()]; ok {
			handles = append(handles, e.Handle)
			continue
		}
		n := Notification(p, slot)
		handle, err := s.deliverer.ScheduleAt(ctx, n.NotificationContent, slot.TriggerAt)
		if err != nil {
			s.logger.Warnf("schedule reminder product_id=%s days_before=%d trigger_at=%s: %v",
				p.ID, slot.DaysBefore, n.TriggerAt, err)
			errs = append(errs, fmt.Errorf("schedule %s days_before=%d at %s: %w", p.ID, slot.DaysBefore, n.TriggerAt, err))
			continue
		}
		entry.Handle = handle
		entries = append(entries, entry)
		handles = append(handles, handle)
		added++
	}

	if added > 0 || dropped > 0 {
		if err := s.ledger.save(ctx, userID, entries); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Debugf("product_id=%s reminder_days=%d slots=%d added=%d cancelled=%d",
		p.ID, days, len(slots), added, cancelled)
	if added > 0 || cancelled > 0 {
		s.events.Publish(events.EventRemindersSynced, map[string]any{
			"user_id":    userID,
			"product_id": p.ID,
			"scheduled":  added,
			"cancelled":  cancelled,
		})
	}
	return handles, errors.Join(errs...)
}

// Prune cancels the future reminders of products not in keepIDs and drops
// ledger entries that are already due. It returns how many were cancelled.
// keepIDs must be a complete listing of the user's products.
func (s *Scheduler) Prune(ctx context.Context, keepIDs []string) (int, error) {
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	return s.cancelWhere(ctx, "pruned", func(productID string) bool { return !keep[productID] })
}

// CancelProduct cancels the future reminders of one product and leaves every
// other ledger entry alone. Unlike Prune it needs no product listing, so it
// is safe to call while the view is stale or empty.
func (s *Scheduler) CancelProduct(ctx context.Context, productID string) (int, error) {
	if productID == "" {
		return 0, errors.New("reminder: product id is required")
	}
	return s.cancelWhere(ctx, "cancelled", func(id string) bool { return id == productID })
}

// cancelWhere cancels the future entries whose product matches drop and
// forgets entries that are already due.
func (s *Scheduler) cancelWhere(ctx context.Context, verb string, drop func(productID string) bool) (int, error) {
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return 0, ErrNoSession
	}

	if err := s.locks.LockContext(ctx, userID); err != nil {
		return 0, err
	}
	defer s.locks.Unlock(userID)

	entries, err := s.ledger.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var errs []error
	cancelled := 0
	kept := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if !e.future(now) {
			continue
		}
		if !drop(e.ProductID) {
			kept = append(kept, e)
			continue
		}
		if err := s.deliverer.Cancel(ctx, e.Handle); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", e.Handle, err))
			kept = append(kept, e)
			continue
		}
		cancelled++
	}
	if len(kept) != len(entries) {
		if err := s.ledger.save(ctx, userID, kept); err != nil {
			errs = append(errs, err)
		}
	}
	if cancelled > 0 {
		s.logger.Infof("%s reminders user_id=%s cancelled=%d", verb, userID, cancelled)
	}
	return cancelled, errors.Join(errs...)
}

// Scheduled returns the ledger of the signed-in user.
func (s *Scheduler) Scheduled(ctx context.Context) ([]LedgerEntry, error) {
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)
	return s.ledger.load(ctx, userID)
}

func slotEntry(productID string, slot Slot) LedgerEntry {
	return LedgerEntry{
		ProductID:  productID,
		DaysBefore: slot.DaysBefore,
		TriggerAt:  slot.TriggerAt.UTC().Format(model.TimestampFormat),
	}
}

func (e LedgerEntry) future(now time.Time) bool {
	t, err := time.Parse(model.TimestampFormat, e.TriggerAt)
	return err == nil && t.After(now)
}
