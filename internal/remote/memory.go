package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/msageha/bestbefore/internal/model"
)

// Call records one request made against a MemoryBackend.
type Call struct {
	Op        string
	UserID    string
	ProductID string
}

// MemoryBackend is an in-process remote used for offline runs and tests.
// Intercept, when set, runs before every request (with the backend locked)
// and can fail it.
type MemoryBackend struct {
	mu         sync.Mutex
	products   map[string]model.Product
	categories map[string]map[string]model.CategoryReminderSetting
	calls      []Call

	Intercept func(c Call) error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		products:   make(map[string]model.Product),
		categories: make(map[string]map[string]model.CategoryReminderSetting),
	}
}

func (m *MemoryBackend) record(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return Retryable(c.Op, err)
	}
	m.calls = append(m.calls, c)
	if m.Intercept != nil {
		return m.Intercept(c)
	}
	return nil
}

// Calls returns every request seen so far, in order.
func (m *MemoryBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MemoryBackend) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MemoryBackend) Insert(ctx context.Context, userID string, rec model.ProductRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "insert", UserID: userID, ProductID: rec.ID}); err != nil {
		return err
	}
	if _, ok := m.products[rec.ID]; ok {
		return Permanent("insert", fmt.Errorf("%w: product %s", ErrConflict, rec.ID))
	}
	p := rec.Product()
	p.UserID = userID
	p.CreatedAt = time.Now().UTC().Format(model.TimestampFormat)
	m.products[rec.ID] = p
	return nil
}

func (m *MemoryBackend) Update(ctx context.Context, userID, productID string, patch model.ProductPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "update", UserID: userID, ProductID: productID}); err != nil {
		return err
	}
	p, ok := m.products[productID]
	if !ok || p.UserID != userID {
		return Permanent("update", fmt.Errorf("%w: product %s", ErrNotFound, productID))
	}
	m.products[productID] = patch.Apply(p)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, userID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "delete", UserID: userID, ProductID: productID}); err != nil {
		return err
	}
	p, ok := m.products[productID]
	if !ok || p.UserID != userID {
		return Permanent("delete", fmt.Errorf("%w: product %s", ErrNotFound, productID))
	}
	delete(m.products, productID)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, userID string) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "list", UserID: userID}); err != nil {
		return nil, err
	}
	var out []model.Product
	for _, p := range m.products {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryDate != out[j].ExpiryDate {
			return out[i].ExpiryDate < out[j].ExpiryDate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryBackend) ListCategoryReminders(ctx context.Context, userID string) ([]model.CategoryReminderSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "list_category_reminders", UserID: userID}); err != nil {
		return nil, err
	}
	var out []model.CategoryReminderSetting
	for _, s := range m.categories[userID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryName < out[j].CategoryName })
	return out, nil
}

func (m *MemoryBackend) UpsertCategoryReminder(ctx context.Context, userID string, s model.CategoryReminderSetting) (model.CategoryReminderSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "upsert_category_reminder", UserID: userID}); err != nil {
		return model.CategoryReminderSetting{}, err
	}
	if s.ReminderDays < 0 {
		return model.CategoryReminderSetting{}, Permanent("upsert_category_reminder", fmt.Errorf("reminder_days must be >= 0"))
	}
	byName, ok := m.categories[userID]
	if !ok {
		byName = make(map[string]model.CategoryReminderSetting)
		m.categories[userID] = byName
	}
	if existing, ok := byName[s.CategoryName]; ok {
		s.ID = existing.ID
	} else {
		s.ID = uuid.NewString()
	}
	s.UserID = userID
	byName[s.CategoryName] = s
	return s, nil
}

func (m *MemoryBackend) DeleteCategoryReminder(ctx context.Context, userID, categoryName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, Call{Op: "delete_category_reminder", UserID: userID}); err != nil {
		return err
	}
	if _, ok := m.categories[userID][categoryName]; !ok {
		return Permanent("delete_category_reminder", fmt.Errorf("%w: category %s", ErrNotFound, categoryName))
	}
	delete(m.categories[userID], categoryName)
	return nil
}

// Product returns the stored row for id.
func (m *MemoryBackend) Product(id string) (model.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryBackend) Close() {}
