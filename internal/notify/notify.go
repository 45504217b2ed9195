// Package notify delivers queued notifications to their collaborators.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"readyline/internal/domain"
	"readyline/internal/logging"
)

// Notifier hands one notification to a delivery channel.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogNotifier writes notifications to the log. It is the fallback channel
// when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n domain.Notification) error {
	logging.Module(l.Logger, "notify").Info("notification",
		"template", n.TemplateID,
		"recipients", n.Recipients,
		"context", n.Context,
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification it receives. Err, when set, is returned
// from each call after recording.
type Recorder struct {
	mu   sync.Mutex
	sent []domain.Notification
	Err  error
}

func (r *Recorder) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

func (r *Recorder) Sent() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.sent...)
}

func (r *Recorder) Templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.TemplateID
	}
	return out
}
