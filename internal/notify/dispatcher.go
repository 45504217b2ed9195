package notify

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/time/rate"

	"readyline/internal/logging"
	"readyline/internal/metrics"
	"readyline/internal/repo"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultBatch       = 100
	DefaultMaxAttempts = 5
)

// Dispatcher drains the notification outbox. Delivered rows are marked and
// never sent again; failed rows keep their attempt count and last error and
// are retried until MaxAttempts.
type Dispatcher struct {
	Repo        repo.Repo
	Notifier    Notifier
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Batch       int
	MaxAttempts int
	// Limiter paces deliveries; nil means unlimited.
	Limiter     *rate.Limiter
	Now         func() time.Time
}

type DrainResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// NewLimiter allows perSecond deliveries with a burst of the same size.
// Zero or less disables pacing.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func NewDispatcher(r repo.Repo, n Notifier, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Repo:        r,
		Notifier:    n,
		Logger:      logging.Module(logger, "notify"),
		Metrics:     m,
		Batch:       DefaultBatch,
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.WithModule("notify")
}

// Drain delivers one batch of pending notifications in creation order.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	pending, err := d.Repo.PendingNotifications(ctx, d.Batch, d.MaxAttempts)
	if err != nil {
		return res, err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		n := entry.Notification
		n.Context = maps.Clone(n.Context)
		if n.Context == nil {
			n.Context = map[string]any{}
		}
		n.Context["delivery_id"] = entry.ID
		n.Context["source"] = entry.Source

		if err := d.Notifier.Notify(ctx, n); err != nil {
			res.Failed++
			d.Metrics.RecordNotification(n.TemplateID, "failed")
			d.logger().Warn("notification delivery failed", "id", entry.ID, "template", n.TemplateID,
				"attempt", entry.Attempts+1, "error", err)
			if err := d.Repo.MarkNotificationFailed(ctx, entry.ID, err); err != nil {
				return res, err
			}
			continue
		}
		if err := d.Repo.MarkNotificationDelivered(ctx, entry.ID, now()); err != nil {
			return res, err
		}
		res.Delivered++
		d.Metrics.RecordNotification(n.TemplateID, "delivered")
	}
	return res, nil
}

// Run drains the outbox every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger().Error("drain outbox", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
