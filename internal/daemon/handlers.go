package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/bestbefore/internal/auth"
	"github.com/msageha/bestbefore/internal/config"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/pantry"
	"github.com/msageha/bestbefore/internal/reminder"
	"github.com/msageha/bestbefore/internal/remote"
	"github.com/msageha/bestbefore/internal/syncqueue"
	"github.com/msageha/bestbefore/internal/uds"
)

var validate = validator.New()

// RefreshResult is the reply to refresh and product_list.
type RefreshResult struct {
	Products []pantry.ProductView `json:"products"`
	// Stale is set when the remote list could not be read and the view
	// was rebuilt from the last confirmed rows.
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

type StatusResult struct {
	pantry.Status
	PID        int    `json:"pid"`
	Storage    string `json:"storage"`
	Remote     string `json:"remote"`
	Reminders  int    `json:"scheduled_reminders"`
	Outbox     int    `json:"outbox"`
	SignedInAs string `json:"email,omitempty"`
}

type SessionResult struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type CountResult struct {
	Count int `json:"count"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdProductAdd, d.handleProductAdd)
	d.server.Handle(uds.CmdProductEdit, d.handleProductEdit)
	d.server.Handle(uds.CmdProductDelete, d.handleProductDelete)
	d.server.Handle(uds.CmdProductList, d.handleProductList)
	d.server.Handle(uds.CmdRefresh, d.handleRefresh)
	d.server.Handle(uds.CmdReplay, d.handleReplay)
	d.server.Handle(uds.CmdQueueList, d.handleQueueList)
	d.server.Handle(uds.CmdDeadLetterList, d.handleDeadLetterList)
	d.server.Handle(uds.CmdDeadLetterRequeue, d.handleDeadLetterRequeue)
	d.server.Handle(uds.CmdDeadLetterPurge, d.handleDeadLetterPurge)
	d.server.Handle(uds.CmdCategoryList, d.handleCategoryList)
	d.server.Handle(uds.CmdCategorySet, d.handleCategorySet)
	d.server.Handle(uds.CmdCategoryDelete, d.handleCategoryDelete)
	d.server.Handle(uds.CmdReminderList, d.handleReminderList)
	d.server.Handle(uds.CmdLogin, d.handleLogin)
	d.server.Handle(uds.CmdLogout, d.handleLogout)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
}

func (d *Daemon) handleProductAdd(ctx context.Context, req *uds.Request) *uds.Response {
	var rec model.ProductRecord
	if resp := uds.DecodeParams(req, &rec); resp != nil {
		return resp
	}
	p, err := d.c.pantry.AddProduct(ctx, rec)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(p)
}

func (d *Daemon) handleProductEdit(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.EditParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	var patch model.ProductPatch
	if len(params.Updates) > 0 {
		if err := json.Unmarshal(params.Updates, &patch); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, "invalid updates: "+err.Error())
		}
	}
	if err := d.c.pantry.UpdateProduct(ctx, params.ID, patch); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(params)
}

func (d *Daemon) handleProductDelete(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.IDParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.c.pantry.DeleteProduct(ctx, params.ID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(params)
}

func (d *Daemon) handleProductList(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(RefreshResult{Products: nonNilViews(d.c.pantry.Products())})
}

func (d *Daemon) handleRefresh(ctx context.Context, _ *uds.Request) *uds.Response {
	if _, ok := d.c.auth.CurrentUser(ctx); !ok {
		return errorResponse(syncqueue.ErrNoSession)
	}
	view, err := d.c.pantry.Refresh(ctx)
	result := RefreshResult{Products: nonNilViews(view)}
	if err != nil {
		result.Stale = true
		result.Error = err.Error()
	}
	return uds.SuccessResponse(result)
}

// handleReplay answers with the report even when the replay halted; the
// report carries the halt reason.
func (d *Daemon) handleReplay(ctx context.Context, _ *uds.Request) *uds.Response {
	report, err := d.c.queue.Replay(ctx)
	if err != nil && !report.Halted {
		return errorResponse(err)
	}
	if report.Skipped {
		return errorResponse(syncqueue.ErrNoSession)
	}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleQueueList(ctx context.Context, _ *uds.Request) *uds.Response {
	entries, err := d.c.queue.Pending(ctx)
	if err != nil {
		return errorResponse(err)
	}
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	return uds.SuccessResponse(entries)
}

func (d *Daemon) handleDeadLetterList(ctx context.Context, _ *uds.Request) *uds.Response {
	letters, err := d.c.queue.DeadLetters(ctx)
	if err != nil {
		return errorResponse(err)
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	return uds.SuccessResponse(letters)
}

func (d *Daemon) handleDeadLetterRequeue(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.IDParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	entry, err := d.c.queue.Requeue(ctx, params.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(entry)
}

func (d *Daemon) handleDeadLetterPurge(ctx context.Context, _ *uds.Request) *uds.Response {
	n, err := d.c.queue.PurgeDeadLetters(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(CountResult{Count: n})
}

func (d *Daemon) handleCategoryList(ctx context.Context, _ *uds.Request) *uds.Response {
	userID, ok := d.c.auth.CurrentUser(ctx)
	if !ok {
		return errorResponse(syncqueue.ErrNoSession)
	}
	ctx, cancel := d.remoteContext(ctx)
	defer cancel()
	settings, err := d.c.settings.Settings(ctx, userID)
	if err != nil {
		return errorResponse(err)
	}
	if settings == nil {
		settings = []model.CategoryReminderSetting{}
	}
	return uds.SuccessResponse(settings)
}

// handleCategorySet saves the override and reschedules reminders under it.
func (d *Daemon) handleCategorySet(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.CategoryParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	setting := model.CategoryReminderSetting{CategoryName: params.CategoryName, ReminderDays: params.ReminderDays}
	if err := validate.Struct(setting); err != nil {
		return errorResponse(err)
	}
	userID, ok := d.c.auth.CurrentUser(ctx)
	if !ok {
		return errorResponse(syncqueue.ErrNoSession)
	}

	callCtx, cancel := d.remoteContext(ctx)
	saved, err := d.c.settings.Set(callCtx, userID, setting)
	cancel()
	if err != nil {
		return errorResponse(err)
	}
	d.resync(ctx)
	return uds.SuccessResponse(saved)
}

func (d *Daemon) handleCategoryDelete(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.CategoryParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	userID, ok := d.c.auth.CurrentUser(ctx)
	if !ok {
		return errorResponse(syncqueue.ErrNoSession)
	}

	callCtx, cancel := d.remoteContext(ctx)
	err := d.c.settings.Delete(callCtx, userID, params.CategoryName)
	cancel()
	if err != nil {
		return errorResponse(err)
	}
	d.resync(ctx)
	return uds.SuccessResponse(params)
}

func (d *Daemon) handleReminderList(ctx context.Context, _ *uds.Request) *uds.Response {
	entries, err := d.c.scheduler.Scheduled(ctx)
	if err != nil {
		return errorResponse(err)
	}
	if entries == nil {
		entries = []reminder.LedgerEntry{}
	}
	return uds.SuccessResponse(entries)
}

func (d *Daemon) handleLogin(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.LoginParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}
	s, err := d.c.auth.Login(ctx, params.Token)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	d.resync(ctx)
	return uds.SuccessResponse(sessionResult(s))
}

func (d *Daemon) handleLogout(ctx context.Context, _ *uds.Request) *uds.Response {
	if err := d.c.auth.Logout(ctx); err != nil {
		return errorResponse(err)
	}
	d.resync(ctx)
	return uds.SuccessResponse(map[string]string{"status": "signed_out"})
}

func (d *Daemon) handleStatus(ctx context.Context, _ *uds.Request) *uds.Response {
	st, err := d.c.pantry.SyncStatus(ctx)
	if err != nil {
		return errorResponse(err)
	}
	result := StatusResult{
		Status:  st,
		PID:     os.Getpid(),
		Storage: d.config.Storage.Backend,
		Remote:  d.config.Remote.Backend,
	}
	if s, ok := d.c.auth.Current(ctx); ok {
		result.SignedInAs = s.Email
		if entries, err := d.c.scheduler.Scheduled(ctx); err == nil {
			result.Reminders = len(entries)
		}
	}
	if pending, err := d.c.deliverer.Pending(ctx); err == nil {
		result.Outbox = len(pending)
	}
	return uds.SuccessResponse(result)
}

// resync refreshes the pantry after a change that affects every product's
// reminders. Failures are logged only.
func (d *Daemon) resync(ctx context.Context) {
	if _, err := d.c.pantry.Refresh(ctx); err != nil {
		d.logger.Warnf("refresh after settings change: %v", err)
	}
}

func (d *Daemon) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.RequestTimeout(d.config))
}

func sessionResult(s auth.Session) SessionResult {
	r := SessionResult{UserID: s.UserID, Email: s.Email}
	if !s.ExpiresAt.IsZero() {
		r.ExpiresAt = s.ExpiresAt.Format(time.RFC3339)
	}
	return r
}

func nonNilViews(v []pantry.ProductView) []pantry.ProductView {
	if v == nil {
		return []pantry.ProductView{}
	}
	return v
}

// errorResponse maps core errors onto protocol error codes.
func errorResponse(err error) *uds.Response {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, syncqueue.ErrNoSession),
		errors.Is(err, reminder.ErrNoSession),
		errors.Is(err, auth.ErrNoSession):
		return uds.ErrorResponse(uds.ErrCodeNoSession, "not signed in; run: bestbefore login")
	case errors.Is(err, remote.ErrUnauthorized):
		return uds.ErrorResponse(uds.ErrCodeNoSession, "session rejected by the remote store; run: bestbefore login")
	case errors.As(err, &verr), errors.Is(err, pantry.ErrEmptyPatch):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, syncqueue.ErrDeadLetterNotFound), errors.Is(err, remote.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return uds.ErrorResponse(uds.ErrCodeCancelled, err.Error())
	case remote.IsRetryable(err) && isRemote(err):
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func isRemote(err error) bool {
	var re *remote.Error
	return errors.As(err, &re) || errors.Is(err, context.DeadlineExceeded)
}
