package app

import (
	"context"
	"sync/atomic"

	"bilisub/internal/detect"
	"bilisub/internal/subscription"
)

// swapChecker lets a config reload replace the evaluators between checks.
type swapChecker struct {
	set atomic.Pointer[detect.Set]
}

func newSwapChecker(s detect.Set) *swapChecker {
	c := &swapChecker{}
	c.set.Store(&s)
	return c
}

func (c *swapChecker) Store(s detect.Set) { c.set.Store(&s) }

func (c *swapChecker) Check(ctx context.Context, rec subscription.Record) (detect.Outcome, error) {
	return c.set.Load().Check(ctx, rec)
}
