package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

// setupTestStore starts a PostgreSQL container and applies migrations.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("bestbefore_test"),
		postgres.WithUsername("bestbefore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	version, err := Migrate(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	store, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestStore_ProductLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	barcode := "4901234567894"
	rec := model.ProductRecord{
		ID: id, Name: "Milk", Barcode: &barcode, ExpiryDate: "2025-01-10",
		Category: "Dairy", Badges: []string{"High Calcium"},
	}
	require.NoError(t, store.Insert(ctx, "u1", rec))

	err := store.Insert(ctx, "u1", rec)
	assert.ErrorIs(t, err, remote.ErrConflict)
	assert.True(t, remote.IsPermanent(err))

	newDate := "2025-01-12"
	require.NoError(t, store.Update(ctx, "u1", id, model.ProductPatch{ExpiryDate: &newDate}))
	err = store.Update(ctx, "u2", id, model.ProductPatch{ExpiryDate: &newDate})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	list, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2025-01-12", list[0].ExpiryDate)
	assert.Equal(t, []string{"High Calcium"}, list[0].Badges)
	require.NotNil(t, list[0].Barcode)
	assert.Equal(t, barcode, *list[0].Barcode)

	require.NoError(t, store.Delete(ctx, "u1", id))
	assert.ErrorIs(t, store.Delete(ctx, "u1", id), remote.ErrNotFound)

	err = store.Insert(ctx, "u1", model.ProductRecord{ID: "not-a-uuid", Name: "x", ExpiryDate: "2025-01-10"})
	assert.True(t, remote.IsPermanent(err))
}

func TestStore_CategoryReminders(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertCategoryReminder(ctx, "u1", model.CategoryReminderSetting{CategoryName: "Dairy", ReminderDays: 7})
	require.NoError(t, err)
	second, err := store.UpsertCategoryReminder(ctx, "u1", model.CategoryReminderSetting{CategoryName: "Dairy", ReminderDays: 2})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = store.UpsertCategoryReminder(ctx, "u1", model.CategoryReminderSetting{CategoryName: "Bakery", ReminderDays: -1})
	assert.True(t, remote.IsPermanent(err))

	list, err := store.ListCategoryReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].ReminderDays)

	require.NoError(t, store.DeleteCategoryReminder(ctx, "u1", "Dairy"))
	assert.ErrorIs(t, store.DeleteCategoryReminder(ctx, "u1", "Dairy"), remote.ErrNotFound)
}
