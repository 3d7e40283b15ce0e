// Package remote defines the hosted product store the sync queue replays
// into, and the typed errors its implementations return.
package remote

import (
	"context"

	"github.com/msageha/bestbefore/internal/model"
)

// ProductStore mutates and reads the products collection. Every call is
// scoped by the owning user.
type ProductStore interface {
	Insert(ctx context.Context, userID string, rec model.ProductRecord) error
	// Update returns ErrNotFound when no row matched (id, userID).
	Update(ctx context.Context, userID, productID string, patch model.ProductPatch) error
	// Delete returns ErrNotFound when no row matched (id, userID).
	Delete(ctx context.Context, userID, productID string) error
	List(ctx context.Context, userID string) ([]model.Product, error)
}

type SettingsStore interface {
	ListCategoryReminders(ctx context.Context, userID string) ([]model.CategoryReminderSetting, error)
	UpsertCategoryReminder(ctx context.Context, userID string, s model.CategoryReminderSetting) (model.CategoryReminderSetting, error)
	DeleteCategoryReminder(ctx context.Context, userID, categoryName string) error
}

// Backend is a complete remote: both collections plus lifecycle.
type Backend interface {
	ProductStore
	SettingsStore
	Ping(ctx context.Context) error
	Close()
}
