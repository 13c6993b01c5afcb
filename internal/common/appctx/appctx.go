// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not tied to any caller's cancellation.
// Use it for work shared by several callers, where one caller giving up must
// not cancel the work for the rest. The context is cancelled when stopCh is
// closed or timeout expires; a non-positive timeout means no deadline.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
