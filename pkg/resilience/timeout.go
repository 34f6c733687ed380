// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/tokenring-ai/agentry/pkg/errors"
)

// WithTimeout executes fn under a deadline. A zero duration disables
// the boundary. Hitting the deadline fails with a recoverable
// SERVICE_CALL_TIMEOUT; fn keeps running on its goroutine but its
// context is cancelled, so well-behaved collaborators stop promptly.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d == 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.New(errors.CodeServiceCallTimeout, "call exceeded timeout", ctx.Err()).
				WithContext("timeout", d.String()).
				WithRecoverable(true)
		}
		return errors.New(errors.CodeCancelled, "call cancelled", ctx.Err())
	case err := <-done:
		return err
	}
}
