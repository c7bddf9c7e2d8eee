package sync

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// schedule returns the periodic tick channel: a cron schedule when
// configured, otherwise a ticker at SyncInterval. A zero interval without a
// schedule disables periodic syncs.
func (c *Coordinator) schedule() (<-chan time.Time, func(), error) {
	if c.cfg.Schedule != "" {
		ticks := make(chan time.Time, 1)
		cr := cron.New()
		if _, err := cr.AddFunc(c.cfg.Schedule, func() {
			select {
			case ticks <- time.Now():
			default:
			}
		}); err != nil {
			return nil, nil, fmt.Errorf("failed to parse sync schedule %q: %w", c.cfg.Schedule, err)
		}
		cr.Start()
		logrus.WithField("schedule", c.cfg.Schedule).Info("Scheduled periodic sync")
		return ticks, func() { cr.Stop() }, nil
	}

	if c.cfg.SyncInterval <= 0 {
		return nil, func() {}, nil
	}
	ticker := time.NewTicker(c.cfg.SyncInterval)
	logrus.WithField("interval", c.cfg.SyncInterval).Info("Scheduled periodic sync")
	return ticker.C, ticker.Stop, nil
}

// ValidateSchedule checks a cron spec without starting anything
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return nil
}
