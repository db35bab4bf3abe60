package showerlink

import (
	"context"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"time"
)

var (
	retrySleep    = time.Second
	retryMaxSleep = 30 * time.Second
)

type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}

// retry keeps r running until ctx is done. Failures to open or start close
// r and back off, doubling the delay up to retryMaxSleep.
func retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	delay := retrySleep
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).
					WithField("subsystem", r.Name()).
					Error("reconnecting due to error")
				if err := r.Close(); err != nil {
					log.WithField("err", err).
						WithField("subsystem", r.Name()).
						Warn("unable to close")
				}
				if !sleepCtx(ctx, delay) {
					return ctx.Err()
				}
				delay *= 2
				if delay > retryMaxSleep {
					delay = retryMaxSleep
				}
			}
			if err = r.Open(); err != nil {
				continue
			}
		}
		if err = r.Start(ctx); err == nil {
			delay = retrySleep
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
