// Package retry holds the backoff policies of offsync: connection retries
// while the daemon opens its local store or reaches the remote, and the
// fixed delay schedule of operations waiting in the sync queue.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config describes one backoff policy
type Config struct {
	// MaxAttempts counts retries after the first call
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// LocalStore is used while opening the local store: a sqlite file may be
// write-locked by a previous daemon still shutting down, and a PostgreSQL
// store may still be starting next to us.
func LocalStore() *Config {
	return &Config{
		MaxAttempts:   8,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 10,
	}
}

// Remote is used while connecting to the authoritative store. Local writes
// keep working meanwhile, so the daemon waits considerably longer.
func Remote() *Config {
	return &Config{
		MaxAttempts:   15,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      time.Minute,
		JitterPercent: 15,
	}
}

// Queue is the schedule of operations failing with a network error. It has
// no attempt limit and no jitter; the coordinator counts attempts itself.
func Queue(base, max time.Duration) *Config {
	return &Config{BaseDelay: base, MaxDelay: max}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one another attempt cannot fix, such as a malformed
// connection string
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, fails permanently, runs out of attempts or
// ctx is done. A permanent failure is returned without the marker.
func Do(ctx context.Context, config *Config, name string, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, config.CreateBackoff(), func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
		}).Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// CreateBackoff builds the go-retry backoff of the policy
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	if c.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	}
	if c.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	}
	return backoff
}

// DelayFor returns the wait before retry number attempt (1-based) of a
// queued operation: BaseDelay * 2^attempt, capped at MaxDelay. Jitter is not
// applied so the schedule stays reproducible.
func (c *Config) DelayFor(attempt uint32) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	var backoff retry.Backoff = retry.NewExponential(c.BaseDelay)
	if c.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	}
	// the exponential sequence starts at BaseDelay, so step attempt+1 times
	var delay time.Duration
	for i := uint32(0); i <= attempt; i++ {
		d, stop := backoff.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}
