package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pgbackup/internal/log"
)

// RetryPolicy is a fixed list of delays tried in order after a retryable
// handler fails. Intermediate failures are logged at debug with the
// "[RETRY DETAIL OMITTED]" marker (the underlying error may carry
// credentials or other operator-sensitive detail that shouldn't repeat
// at warn/error on every attempt); only the final failure, tagged with
// the attempt count, is surfaced to the caller.
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy is a delay ladder of a handful of short retries
// followed by longer backoffs for sustained outages.
var DefaultRetryPolicy = RetryPolicy{
	Delays: []time.Duration{
		0,
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
	},
}

// run invokes fn up to len(Delays) times, sleeping the configured delay
// between attempts. fn's error decides whether the kind is retryable;
// run itself never inspects the error kind — that's the caller's job via
// shouldRetry.
func (p RetryPolicy) run(ctx context.Context, op string, shouldRetry func(error) bool, fn func() ([]byte, error)) ([]byte, error) {
	delays := p.Delays
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	var lastErr error
	attempts := 0
	for attempt, delay := range delays {
		if attempt > 0 {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, ctx.Err()
				case <-t.C:
				}
			}
		}
		data, err := fn()
		attempts++
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == len(delays)-1 || !shouldRetry(err) {
			break
		}
		log.Logger.Debug().Str("component", "protocol").Str("op", op).
			Int("attempt", attempt+1).Msg("retryable handler failed: [RETRY DETAIL OMITTED]")
	}
	return nil, &attemptsError{op: op, attempts: attempts, err: lastErr}
}

type attemptsError struct {
	op       string
	attempts int
	err      error
}

func (e *attemptsError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %s", e.op, e.attempts, e.err.Error())
}

func (e *attemptsError) Unwrap() error { return e.err }
