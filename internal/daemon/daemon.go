// Package daemon runs the long-lived bestbefore process: it owns the durable
// store, replays the sync queue, keeps reminders scheduled and answers CLI
// requests over a Unix domain socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/bestbefore/internal/config"
	"github.com/msageha/bestbefore/internal/events"
	"github.com/msageha/bestbefore/internal/lock"
	"github.com/msageha/bestbefore/internal/logging"
	"github.com/msageha/bestbefore/internal/metrics"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/uds"
)

// AuditLogName is the JSONL file sync events are recorded to under logs/.
const AuditLogName = "audit.jsonl"

// Daemon is the main bestbefore daemon process.
type Daemon struct {
	baseDir string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	http     *http.Server
	watcher  *fsnotify.Watcher
	bus      *events.Bus
	audit    *events.AuditLogger
	hub      *hub

	refreshTicker  *time.Ticker
	dispatchTicker *time.Ticker

	c *components

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// New creates a Daemon logging to <baseDir>/logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logFile, err := logging.OpenFile(baseDir, "daemon.log")
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(baseDir, cfg, logFile, logFile)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	config.ApplyDefaults(&cfg)
	ctx, cancel := context.WithCancel(context.Background())

	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	bus := events.NewBus(256)

	c, err := buildComponents(ctx, baseDir, cfg, bus, logger)
	if err != nil {
		cancel()
		bus.Close()
		return nil, err
	}

	d := &Daemon{
		baseDir:  baseDir,
		config:   cfg,
		logger:   logger.With("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName), logger),
		bus:      bus,
		hub:      newHub(logger),
		c:        c,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.server.SetObserver(metrics.ObserveCommand)
	d.registerHandlers()
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.done
	return nil
}

// Start acquires the daemon lock and starts every server and loop.
func (d *Daemon) Start() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		if pid, _ := lock.HolderPID(d.fileLock.Path()); pid > 0 {
			return fmt.Errorf("daemon already running (pid %d): %w", pid, err)
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d", os.Getpid())

	// Step 2: Audit log and live stream subscribers
	audit, err := events.NewAuditLogger(filepath.Join(d.baseDir, "logs", AuditLogName), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	d.audit = audit
	d.bus.SubscribeMany(events.AllTypes, audit.Subscriber(func(err error) {
		d.logger.Warnf("audit log write: %v", err)
	}))
	d.bus.SubscribeMany(events.AllTypes, d.hub.broadcast)

	// Step 3: Watch the store directory (file store only)
	if dir := d.c.storeDir(); dir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		d.watcher = watcher
	}

	// Step 4: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	// Step 5: Start HTTP server
	if addr := d.config.Daemon.HTTPAddr; addr != "" {
		d.http = &http.Server{
			Addr:              addr,
			Handler:           d.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.wg.Add(1)
		go d.serveHTTP()
	}

	// Step 6: Start background loops
	d.refreshTicker = time.NewTicker(config.RefreshInterval(d.config))
	d.dispatchTicker = time.NewTicker(config.DispatchInterval(d.config))
	d.wg.Add(2)
	go d.refreshLoop()
	go d.dispatchLoop()
	if d.watcher != nil {
		d.wg.Add(1)
		go d.fsnotifyLoop()
	}

	// Step 7: Initial refresh
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.refresh("startup")
	}()
	d.logger.Infof("daemon ready")
	return nil
}

func (d *Daemon) serveHTTP() {
	defer d.wg.Done()
	d.logger.Infof("HTTP server listening on %s", d.http.Addr)
	if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Errorf("HTTP server: %v", err)
	}
}

// refresh runs one replay + list + reminder pass.
func (d *Daemon) refresh(reason string) {
	d.logger.Debugf("refresh triggered reason=%s", reason)
	if _, err := d.c.pantry.Refresh(d.ctx); err != nil {
		d.logger.Warnf("refresh reason=%s: %v", reason, err)
	}
}

// refreshLoop refreshes products at the configured interval.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.refreshTicker.C:
			d.refresh("ticker")
		}
	}
}

// dispatchLoop fires due reminders.
func (d *Daemon) dispatchLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-d.dispatchTicker.C:
			n, err := d.c.deliverer.DispatchDue(d.ctx, now)
			if err != nil {
				d.logger.Warnf("dispatch due reminders: %v", err)
			}
			if n > 0 {
				d.logger.Infof("dispatched reminders count=%d", n)
			}
		}
	}
}

// fsnotifyLoop replays the queue when another writer changes the current
// user's queue file. Bursts of events collapse into one replay.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	debounce := config.ReplayDebounce(d.config)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Clean(event.Name) != d.c.queueFile(d.ctx) {
				continue
			}
			d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			timer.Reset(debounce)
		case <-timer.C:
			if _, err := d.c.queue.Replay(d.ctx); err != nil {
				d.logger.Warnf("replay after queue change: %v", err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or Shutdown runs.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.logger.Infof("shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		timeout := config.ShutdownTimeout(d.config)

		// 2. Stop producers
		if d.refreshTicker != nil {
			d.refreshTicker.Stop()
		}
		if d.dispatchTicker != nil {
			d.dispatchTicker.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.http.Shutdown(ctx); err != nil {
				d.logger.Warnf("HTTP shutdown: %v", err)
			}
			cancel()
		}
		d.hub.closeAll()
		_ = d.server.Stop()

		// 3. Drain in-flight with timeout
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.baseDir, uds.DefaultSocketName))
	d.bus.Close()
	if d.audit != nil {
		_ = d.audit.Close()
	}
	d.c.close()
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
