// Package janitor periodically deletes spent CSRF tokens, stale rate-limit
// rows and expired password reset grants.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
)

const runTimeout = time.Minute

type Janitor struct {
	csrf   auth.CSRFStore
	limits auth.RateLimitStore
	resets auth.PasswordResetStore
	window time.Duration
	now    func() time.Time
	cron   *cron.Cron
}

// New builds a janitor. Rate-limit rows untouched for longer than window
// and no longer blocked are considered stale.
func New(csrf auth.CSRFStore, limits auth.RateLimitStore, resets auth.PasswordResetStore, window time.Duration, now func() time.Time) *Janitor {
	if now == nil {
		now = time.Now
	}
	return &Janitor{csrf: csrf, limits: limits, resets: resets, window: window, now: now}
}

// Result counts rows removed by one run.
type Result struct {
	CSRFTokens     int64
	RateLimits     int64
	PasswordResets int64
}

// RunOnce purges every table and returns what it removed. A failing purge
// does not prevent the others.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	now := j.now()
	var res Result
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := j.csrf.PurgeExpired(ctx, now)
	res.CSRFTokens = n
	keep(err)

	n, err = j.limits.Purge(ctx, now.Add(-j.window))
	res.RateLimits = n
	keep(err)

	n, err = j.resets.PurgeExpired(ctx, now)
	res.PasswordResets = n
	keep(err)

	return res, firstErr
}

// Start schedules RunOnce with a cron spec such as "@every 10m".
func (j *Janitor) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		res, err := j.RunOnce(ctx)
		entry := obs.Logger().WithFields(logrus.Fields{
			"csrf_tokens":     res.CSRFTokens,
			"rate_limits":     res.RateLimits,
			"password_resets": res.PasswordResets,
		})
		if err != nil {
			entry.WithError(err).Error("purge failed")
			return
		}
		entry.Debug("purge complete")
	})
	if err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running purge to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
