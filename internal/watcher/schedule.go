package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next activation after t. cron.Schedule satisfies it.
type Schedule interface {
	Next(t time.Time) time.Time
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts a 5-field cron expression or a descriptor such as
// "@hourly" or "@every 1m". An empty expression yields a nil schedule.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return s, nil
}

// nextDelay is how long the shared loop sleeps after a pass that ended at now.
func nextDelay(cfg Config, now time.Time) time.Duration {
	if cfg.Schedule != nil {
		next := cfg.Schedule.Next(now)
		if d := next.Sub(now); d > 0 {
			return d
		}
		// a zero time means the schedule never fires again
		if next.IsZero() {
			return cfg.Interval
		}
		return 0
	}
	return cfg.Interval
}
