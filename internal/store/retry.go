package store

import (
	"errors"
	"fmt"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/familyshield/familyd/internal/domain"
)

// retryPolicy bounds retries against transient database errors. Exhaustion
// surfaces as ErrStorageUnavailable rather than hanging the caller.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// run executes fn, retrying transient failures with linear backoff.
func (p retryPolicy) run(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.backoff * time.Duration(attempt))
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%s after %d attempts (%v): %w", op, p.attempts, err, domain.ErrStorageUnavailable)
}

// isTransient reports whether an error is worth retrying (lock contention,
// not schema or constraint failures).
func isTransient(err error) bool {
	var serr sqlcipher.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlcipher.ErrBusy || serr.Code == sqlcipher.ErrLocked
	}
	return false
}
