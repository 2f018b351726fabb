// Package poller waits for a checkout intent to reach one of a set of states.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thoas/go-funk"

	"github.com/fabriqs/go-checkout/payment"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Minute
)

// Fetcher loads the current view of an intent.
type Fetcher interface {
	GetIntent(ctx context.Context, intentID string) (*payment.CheckoutIntent, error)
}

type Options struct {
	// Interval between the end of one fetch and the start of the next.
	Interval time.Duration
	// Timeout is a hard deadline measured from the start of the poll.
	Timeout time.Duration
	// TransientRetries is how many transport or 429/5xx failures are tolerated
	// before the poll gives up. Zero fails on the first error.
	TransientRetries int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.TransientRetries < 0 {
		o.TransientRetries = 0
	}
	return o
}

type Poller struct {
	fetcher Fetcher
	opts    Options
	log     logrus.FieldLogger
}

func New(fetcher Fetcher, opts Options, log logrus.FieldLogger) *Poller {
	return &Poller{fetcher: fetcher, opts: opts.withDefaults(), log: log.WithField("component", "poller")}
}

func (p *Poller) Options() Options {
	return p.opts
}

// Poll fetches intentID until its state is in desired. Fetches never overlap.
// It returns *payment.TimeoutError when the deadline passes, the caller's context
// error when ctx is cancelled, and a fetch error when retries are exhausted.
func (p *Poller) Poll(ctx context.Context, intentID string, desired ...payment.State) (*payment.CheckoutIntent, error) {
	if intentID == "" {
		return nil, payment.NewValidationError("checkoutIntentId", "required")
	}
	if len(desired) == 0 {
		return nil, payment.NewValidationError("desiredStates", "required")
	}

	opts := p.opts
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	log := p.log.WithFields(logrus.Fields{"intent_id": intentID, "desired": desired})
	var last *payment.CheckoutIntent
	retries := opts.TransientRetries

	for attempt := 1; ; attempt++ {
		intent, err := p.fetcher.GetIntent(pollCtx, intentID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case err == nil:
			last = intent
			log.WithFields(logrus.Fields{"attempt": attempt, "state": intent.State}).Debug("polled intent")
			if funk.Contains(desired, intent.State) {
				log.WithField("state", intent.State).Info("desired state reached")
				return intent, nil
			}
		case pollCtx.Err() != nil:
			return nil, p.timeout(log, desired, last)
		case payment.IsTransient(err) && retries > 0:
			retries--
			log.WithError(err).WithField("attempt", attempt).Warn("transient fetch failure, retrying")
		default:
			log.WithError(err).WithField("attempt", attempt).Warn("poll aborted by fetch failure")
			return nil, err
		}

		if err := wait(pollCtx, opts.Interval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, p.timeout(log, desired, last)
		}
	}
}

func (p *Poller) timeout(log logrus.FieldLogger, desired []payment.State, last *payment.CheckoutIntent) error {
	err := &payment.TimeoutError{Desired: desired, Last: last}
	log.WithField("observed", err.Observed()).Warn("poll timed out")
	return err
}

// wait blocks for d or until ctx is done. The timer is always released.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTimeout reports whether err ended a poll at its deadline.
func IsTimeout(err error) bool {
	var terr *payment.TimeoutError
	return errors.As(err, &terr)
}
