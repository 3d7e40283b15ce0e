// Package pgstore is the PostgreSQL implementation of remote.Backend.
// Queries are plain SQL through pgx.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/remote"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	db   DBTX
}

// Connect opens a pool and pings the server.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// New wraps an existing connection, e.g. a transaction in tests.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded migrations. It returns the resulting schema version.
func Migrate(dsn string) (uint, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("open migrations: %w", err)
	}
	migrateURL, err := migrateURL(dsn)
	if err != nil {
		return 0, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return 0, fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme golang-migrate expects.
func migrateURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		u.Scheme = "pgx5"
	case "pgx5":
	default:
		return "", fmt.Errorf("unsupported database url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const productColumns = `id::text, user_id, name, barcode, to_char(expiry_date, 'YYYY-MM-DD'),
	category, storage_location, details, badges, health_tips, nutrition_grade,
	to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"')`

func (s *Store) Insert(ctx context.Context, userID string, rec model.ProductRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (id, user_id, name, barcode, expiry_date, category,
			storage_location, details, badges, health_tips, nutrition_grade)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11)`,
		rec.ID, userID, rec.Name, rec.Barcode, rec.ExpiryDate, rec.Category,
		rec.StorageLocation, rec.Details, nonNil(rec.Badges), nonNil(rec.HealthTips), rec.NutritionGrade,
	)
	return classify("insert", err)
}

func (s *Store) Update(ctx context.Context, userID, productID string, patch model.ProductPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return remote.Permanent("update", errors.New("empty update"))
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := []any{productID, userID}
	for _, name := range names {
		args = append(args, cols[name])
		placeholder := fmt.Sprintf("$%d", len(args))
		if name == "expiry_date" {
			placeholder += "::date"
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, placeholder))
	}

	query := fmt.Sprintf(`UPDATE products SET %s WHERE id = $1 AND user_id = $2`, strings.Join(sets, ", "))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return classify("update", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.Permanent("update", fmt.Errorf("%w: product %s", remote.ErrNotFound, productID))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, productID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM products WHERE id = $1 AND user_id = $2`, productID, userID)
	if err != nil {
		return classify("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.Permanent("delete", fmt.Errorf("%w: product %s", remote.ErrNotFound, productID))
	}
	return nil
}

func (s *Store) List(ctx context.Context, userID string) ([]model.Product, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM products
		WHERE user_id = $1
		ORDER BY expiry_date, id`, productColumns), userID)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Barcode, &p.ExpiryDate,
			&p.Category, &p.StorageLocation, &p.Details, &p.Badges, &p.HealthTips,
			&p.NutritionGrade, &p.CreatedAt); err != nil {
			return nil, classify("list", fmt.Errorf("scan product: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

func (s *Store) ListCategoryReminders(ctx context.Context, userID string) ([]model.CategoryReminderSetting, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, user_id, category_name, reminder_days
		FROM category_reminders
		WHERE user_id = $1
		ORDER BY category_name`, userID)
	if err != nil {
		return nil, classify("list_category_reminders", err)
	}
	defer rows.Close()

	var out []model.CategoryReminderSetting
	for rows.Next() {
		var c model.CategoryReminderSetting
		if err := rows.Scan(&c.ID, &c.UserID, &c.CategoryName, &c.ReminderDays); err != nil {
			return nil, classify("list_category_reminders", fmt.Errorf("scan category reminder: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_category_reminders", err)
	}
	return out, nil
}

func (s *Store) UpsertCategoryReminder(ctx context.Context, userID string, c model.CategoryReminderSetting) (model.CategoryReminderSetting, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO category_reminders (user_id, category_name, reminder_days)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, category_name) DO UPDATE SET
			reminder_days = EXCLUDED.reminder_days
		RETURNING id::text`,
		userID, c.CategoryName, c.ReminderDays,
	).Scan(&c.ID)
	if err != nil {
		return model.CategoryReminderSetting{}, classify("upsert_category_reminder", err)
	}
	c.UserID = userID
	return c, nil
}

func (s *Store) DeleteCategoryReminder(ctx context.Context, userID, categoryName string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM category_reminders WHERE user_id = $1 AND category_name = $2`, userID, categoryName)
	if err != nil {
		return classify("delete_category_reminder", err)
	}
	if tag.RowsAffected() == 0 {
		return remote.Permanent("delete_category_reminder", fmt.Errorf("%w: category %s", remote.ErrNotFound, categoryName))
	}
	return nil
}

// classify maps driver errors onto remote error kinds by SQLSTATE class.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return remote.Retryable(op, err)
	}
	code := pgErr.Code
	switch {
	case code == "23505":
		return remote.Permanent(op, fmt.Errorf("%w: %s", remote.ErrConflict, pgErr.Message))
	case strings.HasPrefix(code, "28"): // invalid authorization, fails for every entry alike
		return remote.Retryable(op, fmt.Errorf("%w: %v", remote.ErrUnauthorized, err))
	case strings.HasPrefix(code, "23"), // integrity constraint violation
		strings.HasPrefix(code, "22"), // data exception
		strings.HasPrefix(code, "42"): // syntax error or access rule violation
		return remote.Permanent(op, err)
	default:
		return remote.Retryable(op, err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
