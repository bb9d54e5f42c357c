package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type RepeatFunc func(t time.Time) error

// Repeat executes a function n times at a given interval, starting at
// startTime. If n is negative, it repeats until the context is cancelled.
// The first failure stops the schedule.
func Repeat(ctx context.Context, f RepeatFunc, startTime time.Time, interval time.Duration, n int) error {
	untilStart := time.Until(startTime)

	if untilStart > 0 {
		msg := fmt.Sprintf("Next scheduled at %s", time.Now().Add(untilStart))
		if n >= 0 {
			msg += fmt.Sprintf(" (%d remaining)", n)
		}
		log.Debug().Msgf(msg)
		select {
		case <-time.After(untilStart):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// buffered so an invocation finishing after cancellation can still
	// deliver its error without blocking or panicking
	errc := make(chan error, 1)

	t := startTime

	for n != 0 {
		go func(t time.Time) {
			if err := f(t); err != nil {
				select {
				case errc <- err:
				default:
				}
			}
		}(t)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		t = t.Add(interval)

		if n > 0 {
			n--
		}
		msg := fmt.Sprintf("Next scheduled at %s", t)
		if n >= 0 {
			msg += fmt.Sprintf(" (%d remaining)", n)
		}
		log.Debug().Msgf(msg)
	}

	return nil
}
