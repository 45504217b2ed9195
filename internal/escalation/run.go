package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is used when the configuration names none.
const DefaultSchedule = "@every 1h"

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// Run ticks on schedule until ctx is done. Overlapping ticks are skipped and
// a panicking tick is recovered. An empty schedule uses DefaultSchedule.
func (s *Scheduler) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger := cronLogger{log: s.logger()}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	), cron.WithLogger(logger))

	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger().Error("escalation tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid escalation schedule %q: %w", schedule, err)
	}

	s.logger().Info("escalation scheduler started", "schedule", schedule, "workers", s.Workers)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger().Info("escalation scheduler stopped")
	return nil
}

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid escalation schedule %q: %w", spec, err)
	}
	return nil
}
