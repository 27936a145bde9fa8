package session

import (
	"fmt"
	"time"
)

// retryWithBackoff runs op up to attempts times, doubling the wait between
// tries starting from base. Returns the last error when every attempt
// failed.
func retryWithBackoff(attempts int, base time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
