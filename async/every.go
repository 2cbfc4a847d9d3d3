// Package async provides the periodic runner behind the engine's janitors:
// storage expiry sweeps, points decay, streak and quest expiry scans,
// rate-limiter purges, and the leaderboard archiver.
package async

import (
	"context"
	"reflect"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery invokes f once per period until ctx is cancelled. The returned
// channel closes after the loop has observed the cancellation and exited,
// so a caller that needs the janitor fully stopped can wait on it. A panic
// inside one tick is logged and does not stop subsequent ticks; janitors
// are expected to be idempotent under re-entry.
func RunEvery(ctx context.Context, period time.Duration, f func()) <-chan struct{} {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	done := make(chan struct{})
	ticker := time.NewTicker(period)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.WithField("function", funcName).Trace("Running periodic task")
				runTick(funcName, f)
			case <-ctx.Done():
				log.WithField("function", funcName).Debug("Context closed, exiting periodic task")
				return
			}
		}
	}()
	return done
}

func runTick(funcName string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"function": funcName,
				"panic":    r,
			}).Error("Periodic task panicked")
		}
	}()
	f()
}
