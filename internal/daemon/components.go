package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/msageha/bestbefore/internal/auth"
	"github.com/msageha/bestbefore/internal/config"
	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/kv"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/notify"
	"github.com/msageha/bestbefore/internal/pantry"
	"github.com/msageha/bestbefore/internal/reminder"
	"github.com/msageha/bestbefore/internal/remote"
	"github.com/msageha/bestbefore/internal/remote/pgstore"
	"github.com/msageha/bestbefore/internal/remote/postgrest"
	"github.com/msageha/bestbefore/internal/syncqueue"
)

// components is the object graph served by the daemon.
type components struct {
	store     kv.Store
	backend   remote.Backend
	auth      *auth.Manager
	queue     *syncqueue.Queue
	deliverer *notify.LocalDeliverer
	settings  *reminder.SettingsCache
	scheduler *reminder.Scheduler
	pantry    *pantry.Service
}

func buildComponents(ctx context.Context, baseDir string, cfg model.Config, bus events.Publisher, logger *logging.Logger) (*components, error) {
	loc, err := config.Location(cfg)
	if err != nil {
		return nil, err
	}

	store, err := kv.Open(baseDir, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c := &components{store: store}

	c.auth = auth.NewManager(store, cfg.Auth.JWTSecret, logger.With("auth"))

	c.backend, err = openBackend(ctx, cfg.Remote, c.auth, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	timeout := config.RequestTimeout(cfg)
	c.queue = syncqueue.New(store, c.backend, c.auth, syncqueue.Options{
		RequestTimeout: timeout,
		Events:         bus,
		Logger:         logger,
	})

	sender, err := notify.NewSender(cfg.Notify.Sender, logger.With("notifier"))
	if err != nil {
		c.close()
		return nil, err
	}
	c.deliverer = notify.NewLocalDeliverer(store, sender, notify.DelivererOptions{
		Enabled: cfg.Notify.Enabled,
		Events:  bus,
		Logger:  logger,
	})

	c.settings = reminder.NewSettingsCache(c.backend, config.SettingsTTL(cfg))
	c.scheduler = reminder.NewScheduler(store, c.deliverer, c.settings, c.auth, reminder.Options{
		DefaultDays: cfg.Reminders.DefaultDays,
		Location:    loc,
		Events:      bus,
		Logger:      logger,
	})

	c.pantry = pantry.New(c.queue, c.backend, c.scheduler, c.auth, pantry.Options{
		RequestTimeout: timeout,
		Events:         bus,
		Logger:         logger,
	})
	return c, nil
}

func openBackend(ctx context.Context, cfg model.RemoteConfig, sessions *auth.Manager, logger *logging.Logger) (remote.Backend, error) {
	switch cfg.Backend {
	case "postgres":
		if cfg.MigrateOnStart {
			version, err := pgstore.Migrate(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Infof("database schema at version=%d", version)
		}
		store, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "postgrest":
		return postgrest.New(cfg.RestURL, cfg.APIKey, postgrest.WithToken(sessions.AccessToken)), nil
	case "memory":
		logger.Warnf("remote backend is in-memory, products do not outlive the daemon")
		return remote.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}

// storeDir is the directory fsnotify watches, or "" for stores without one.
func (c *components) storeDir() string {
	if fs, ok := c.store.(*kv.FileStore); ok {
		return fs.Dir()
	}
	return ""
}

// queueFile is the path of the current user's queue in a file store.
func (c *components) queueFile(ctx context.Context) string {
	fs, ok := c.store.(*kv.FileStore)
	if !ok {
		return ""
	}
	userID, ok := c.auth.CurrentUser(ctx)
	if !ok {
		return ""
	}
	return filepath.Clean(fs.PathFor(syncqueue.QueueKey(userID)))
}

func (c *components) close() {
	if c.backend != nil {
		c.backend.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}
