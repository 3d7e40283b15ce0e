// Package notify delivers expiry reminders. Scheduled reminders wait in a
// persisted outbox until they are due, then go out through a desktop Sender.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/bestbefore/internal/logging"
)

// Sender shows one notification immediately.
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

// runCommand is replaced in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// OSAScript sends a macOS notification via osascript with sound.
type OSAScript struct{}

func (OSAScript) Send(ctx context.Context, title, body string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(body), escapeAppleScript(title),
	)
	if out, err := runCommand(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// NotifySend uses libnotify's notify-send.
type NotifySend struct{}

func (NotifySend) Send(ctx context.Context, title, body string) error {
	if out, err := runCommand(ctx, "notify-send", "--app-name=bestbefore", "--", title, body); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// LogSender writes notifications to the log instead of the desktop.
type LogSender struct {
	Logger *logging.Logger
}

func (s LogSender) Send(_ context.Context, title, body string) error {
	s.Logger.Infof("notification title=%q body=%q", title, body)
	return nil
}

// NewSender returns the sender called name. "auto" (or "") picks osascript on
// macOS, notify-send on Linux and the log elsewhere.
func NewSender(name string, logger *logging.Logger) (Sender, error) {
	switch name {
	case "", "auto":
		switch runtime.GOOS {
		case "darwin":
			return OSAScript{}, nil
		case "linux":
			return NotifySend{}, nil
		}
		return LogSender{Logger: logger}, nil
	case "osascript":
		return OSAScript{}, nil
	case "notify-send":
		return NotifySend{}, nil
	case "log":
		return LogSender{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown notification sender %q", name)
	}
}
