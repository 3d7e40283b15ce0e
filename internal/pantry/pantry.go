// Package pantry orchestrates product mutations and refreshes: every change
// is queued before it is attempted, and the product view is derived from
// confirmed remote rows plus still-pending queue entries.
package pantry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/reminder"
	"github.com/msageha/bestbefore/internal/remote"
	"github.com/msageha/bestbefore/internal/syncqueue"
)

var ErrEmptyPatch = errors.New("pantry: edit changes nothing")

type Identity interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// ProductView is a product as the user should see it.
type ProductView struct {
	model.Product
	// Pending is set while a queued mutation for the product has not been
	// confirmed by the remote store.
	Pending       bool         `json:"pending"`
	PendingAction model.Action `json:"pending_action,omitempty"`
}

type Status struct {
	UserID      string            `json:"user_id,omitempty"`
	Pending     int               `json:"pending"`
	DeadLetters int               `json:"dead_letters"`
	LastReplay  *syncqueue.Report `json:"last_replay,omitempty"`
	RefreshedAt string            `json:"refreshed_at,omitempty"`
	Products    int               `json:"products"`
}

type Options struct {
	// RequestTimeout bounds the immediate remote attempt of a mutation and
	// the product list request.
	RequestTimeout time.Duration
	Events         events.Publisher
	Logger         *logging.Logger
	Now            func() time.Time
}

type Service struct {
	queue     *syncqueue.Queue
	products  remote.ProductStore
	scheduler *reminder.Scheduler
	identity  Identity
	validate  *validator.Validate
	timeout   time.Duration
	events    events.Publisher
	logger    *logging.Logger
	now       func() time.Time

	// refreshMu serializes refreshes.
	refreshMu sync.Mutex

	mu          sync.RWMutex
	view        []ProductView
	viewUser    string
	refreshedAt time.Time
	// confirmed is the last successful remote listing of viewUser.
	confirmed []model.Product
}

// New wires the service. scheduler may be nil, in which case refreshes do
// not touch reminders.
func New(queue *syncqueue.Queue, products remote.ProductStore, scheduler *reminder.Scheduler, identity Identity, opts Options) *Service {
	s := &Service{
		queue:     queue,
		products:  products,
		scheduler: scheduler,
		identity:  identity,
		validate:  validator.New(),
		timeout:   opts.RequestTimeout,
		events:    opts.Events,
		logger:    opts.Logger.With("pantry"),
		now:       opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = syncqueue.DefaultRequestTimeout
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddProduct records a new product. A missing id is minted here so that a
// replay of the insert is recognisable.
func (s *Service) AddProduct(ctx context.Context, rec model.ProductRecord) (model.Product, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.validate.Struct(rec); err != nil {
		return model.Product{}, fmt.Errorf("invalid product: %w", err)
	}
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return model.Product{}, syncqueue.ErrNoSession
	}

	s.enqueue(ctx, model.ActionAdd, rec)
	s.attempt(ctx, "insert", rec.ID, func(ctx context.Context) error {
		return s.products.Insert(ctx, userID, rec)
	})
	s.refreshAfterMutation(ctx)

	p := rec.Product()
	p.UserID = userID
	return p, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, patch model.ProductPatch) error {
	if id == "" {
		return errors.New("product id is required")
	}
	if patch.Empty() {
		return ErrEmptyPatch
	}
	if err := s.validate.Struct(patch); err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return syncqueue.ErrNoSession
	}

	s.enqueue(ctx, model.ActionEdit, model.EditPayload{ID: id, Updates: patch})
	s.attempt(ctx, "update", id, func(ctx context.Context) error {
		return s.products.Update(ctx, userID, id, patch)
	})
	s.refreshAfterMutation(ctx)
	return nil
}

// DeleteProduct removes the product from the view at once and cancels its
// reminders; the remote row follows via the queue.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("product id is required")
	}
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return syncqueue.ErrNoSession
	}

	s.enqueue(ctx, model.ActionDelete, model.DeletePayload{ID: id})
	s.attempt(ctx, "delete", id, func(ctx context.Context) error {
		return s.products.Delete(ctx, userID, id)
	})

	s.mu.Lock()
	kept := s.view[:0]
	for _, v := range s.view {
		if v.ID != id {
			kept = append(kept, v)
		}
	}
	s.view = kept
	s.mu.Unlock()

	if s.scheduler != nil {
		if _, err := s.scheduler.CancelProduct(ctx, id); err != nil {
			s.logger.Warnf("cancel reminders of deleted product_id=%s: %v", id, err)
		}
	}
	return nil
}

// enqueue logs a storage failure and carries on; the immediate attempt may
// still land the change.
func (s *Service) enqueue(ctx context.Context, action model.Action, payload any) {
	if _, err := s.queue.Enqueue(ctx, action, payload); err != nil {
		s.logger.Errorf("queue %s failed, change relies on the immediate attempt: %v", action, err)
	}
}

// attempt runs the best-effort remote call of a mutation.
func (s *Service) attempt(ctx context.Context, op, productID string, fn func(context.Context) error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		s.logger.Infof("%s product_id=%s queued for replay: %v", op, productID, err)
		return
	}
	s.logger.Debugf("%s product_id=%s applied", op, productID)
}

func (s *Service) refreshAfterMutation(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warnf("refresh after mutation: %v", err)
	}
}

// Refresh drains the queue, reads the product list and reschedules
// reminders. On a list failure the previous view is kept and the error is
// returned.
func (s *Service) Refresh(ctx context.Context) ([]ProductView, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		s.setView("", nil, nil)
		return nil, nil
	}

	if _, err := s.queue.Replay(ctx); err != nil {
		s.logger.Warnf("replay before refresh: %v", err)
	}

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, listErr := s.products.List(listCtx, userID)
	cancel()

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		s.logger.Warnf("read pending queue, view shows confirmed rows only: %v", err)
	}

	if listErr != nil {
		// Keep the last confirmed rows, with the current pending overlay.
		s.mu.Lock()
		if s.viewUser != userID {
			s.viewUser, s.confirmed = userID, nil
		}
		s.view = Overlay(s.confirmed, pending)
		s.mu.Unlock()
		s.logger.Warnf("list products user_id=%s, keeping previous view: %v", userID, listErr)
		return s.Products(), fmt.Errorf("list products: %w", listErr)
	}

	view := Overlay(rows, pending)
	s.setView(userID, rows, view)

	if s.scheduler != nil {
		s.syncReminders(ctx, view)
	}

	s.logger.Infof("refreshed user_id=%s products=%d pending=%d", userID, len(view), len(pending))
	s.events.Publish(events.EventProductsRefreshed, map[string]any{
		"user_id":  userID,
		"products": len(view),
		"pending":  len(pending),
	})
	return view, nil
}

func (s *Service) syncReminders(ctx context.Context, view []ProductView) {
	if !s.scheduler.EnsurePermission(ctx) {
		return
	}
	for _, v := range view {
		if _, err := s.scheduler.ScheduleForProduct(ctx, v.Product); err != nil {
			s.logger.Warnf("reminders for product_id=%s: %v", v.ID, err)
		}
	}
	if _, err := s.scheduler.Prune(ctx, viewIDs(view)); err != nil {
		s.logger.Warnf("prune reminders: %v", err)
	}
}

// Products returns the current view, ordered by expiry date.
func (s *Service) Products() []ProductView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProductView(nil), s.view...)
}

func (s *Service) SyncStatus(ctx context.Context) (Status, error) {
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return Status{}, nil
	}
	st := Status{UserID: userID}

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		return st, err
	}
	st.Pending = len(pending)
	letters, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return st, err
	}
	st.DeadLetters = len(letters)
	if r, ok := s.queue.LastReport(userID); ok {
		st.LastReplay = &r
	}

	s.mu.RLock()
	if s.viewUser == userID {
		st.Products = len(s.view)
		if !s.refreshedAt.IsZero() {
			st.RefreshedAt = s.refreshedAt.UTC().Format(model.TimestampFormat)
		}
	}
	s.mu.RUnlock()
	return st, nil
}

func (s *Service) setView(userID string, confirmed []model.Product, view []ProductView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	s.confirmed = confirmed
	s.viewUser = userID
	if userID == "" {
		s.refreshedAt = time.Time{}
		return
	}
	s.refreshedAt = s.now()
}

// Overlay applies the pending queue entries, oldest first, on top of the
// confirmed rows. Products with a pending delete are hidden. Entries that
// cannot be decoded are ignored; replay dead-letters them.
func Overlay(rows []model.Product, pending []model.QueueEntry) []ProductView {
	view := make([]ProductView, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, p := range rows {
		index[p.ID] = len(view)
		view = append(view, ProductView{Product: p})
	}
	hidden := make(map[string]bool)

	for _, e := range pending {
		switch e.Action {
		case model.ActionAdd:
			rec, err := e.DecodeAdd()
			if err != nil {
				continue
			}
			delete(hidden, rec.ID)
			if i, ok := index[rec.ID]; ok {
				view[i].Pending, view[i].PendingAction = true, model.ActionAdd
				continue
			}
			index[rec.ID] = len(view)
			view = append(view, ProductView{Product: rec.Product(), Pending: true, PendingAction: model.ActionAdd})
		case model.ActionEdit:
			p, err := e.DecodeEdit()
			if err != nil {
				continue
			}
			if i, ok := index[p.ID]; ok {
				view[i].Product = p.Updates.Apply(view[i].Product)
				view[i].Pending, view[i].PendingAction = true, model.ActionEdit
			}
		case model.ActionDelete:
			p, err := e.DecodeDelete()
			if err != nil {
				continue
			}
			hidden[p.ID] = true
		}
	}

	out := view[:0]
	for _, v := range view {
		if !hidden[v.ID] {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiryDate < out[j].ExpiryDate })
	return out
}

func viewIDs(view []ProductView) []string {
	ids := make([]string, len(view))
	for i, v := range view {
		ids[i] = v.ID
	}
	return ids
}
