package channels

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/gwerrors"
)

// sendRetryLimiter paces retry attempts across all adapters so a burst of
// simultaneous rate-limit errors doesn't itself turn into a thundering herd
// of immediate retries.
var sendRetryLimiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 5)

// sendWithRetry calls send once, then retries up to maxAttempts-1 more times
// (paced by sendRetryLimiter) as long as the error is one gwerrors marks
// retryable. Terminal errors (unknown user, forbidden, ...) return
// immediately without spending a retry slot.
func sendWithRetry(ctx context.Context, maxAttempts int, send func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if waitErr := sendRetryLimiter.Wait(ctx); waitErr != nil {
				return err
			}
		}
		err = send()
		if err == nil || !gwerrors.IsRetryable(err) {
			return err
		}
	}
	return err
}
