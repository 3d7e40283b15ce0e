package reminder

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

// DefaultSettingsTTL is how long fetched category settings are reused.
const DefaultSettingsTTL = 5 * time.Minute

type cachedSettings struct {
	settings  []model.CategoryReminderSetting
	fetchedAt time.Time
}

// SettingsCache serves category reminder settings from memory, refetching a
// user's settings after the TTL. Concurrent refetches share one request.
type SettingsCache struct {
	source remote.SettingsStore
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cachedSettings
	group   singleflight.Group
}

func NewSettingsCache(source remote.SettingsStore, ttl time.Duration) *SettingsCache {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &SettingsCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedSettings),
	}
}

// Settings returns the user's settings, ordered by category name.
func (c *SettingsCache) Settings(ctx context.Context, userID string) ([]model.CategoryReminderSetting, error) {
	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.settings, nil
	}

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		settings, err := c.source.ListCategoryReminders(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[userID] = cachedSettings{settings: settings, fetchedAt: c.now()}
		c.mu.Unlock()
		return settings, nil
	})
	if err != nil {
		if ok {
			// Stale settings beat none.
			return e.settings, nil
		}
		return nil, err
	}
	return v.([]model.CategoryReminderSetting), nil
}

// ReminderDays returns the override for category, if the user has one.
func (c *SettingsCache) ReminderDays(ctx context.Context, userID, category string) (int, bool, error) {
	settings, err := c.Settings(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	category = strings.TrimSpace(category)
	for _, s := range settings {
		if strings.TrimSpace(s.CategoryName) == category {
			return s.ReminderDays, true, nil
		}
	}
	return 0, false, nil
}

// Set upserts an override and drops the cached copy.
func (c *SettingsCache) Set(ctx context.Context, userID string, s model.CategoryReminderSetting) (model.CategoryReminderSetting, error) {
	s.CategoryName = strings.TrimSpace(s.CategoryName)
	saved, err := c.source.UpsertCategoryReminder(ctx, userID, s)
	if err != nil {
		return model.CategoryReminderSetting{}, err
	}
	c.Invalidate(userID)
	return saved, nil
}

func (c *SettingsCache) Delete(ctx context.Context, userID, categoryName string) error {
	if err := c.source.DeleteCategoryReminder(ctx, userID, strings.TrimSpace(categoryName)); err != nil {
		return err
	}
	c.Invalidate(userID)
	return nil
}

func (c *SettingsCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
