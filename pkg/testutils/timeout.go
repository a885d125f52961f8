package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	WaitTimeout  = 5 * time.Second
	PollInterval = 5 * time.Millisecond
)

// WithTimeout polls f until it returns an empty string. The test fails with the last
// returned message once WaitTimeout expires.
func WithTimeout(t *testing.T, f func() string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	lastErr := f()
	for lastErr != "" {
		select {
		case <-ctx.Done():
			t.Fatalf("did not reach expected state after %v: %s", WaitTimeout, lastErr)
		case <-time.After(PollInterval):
			lastErr = f()
		}
	}
}
