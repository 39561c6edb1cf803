package ports

import (
	"context"
	"time"
)

// Scheduler owns periodic and delayed work so tests can drive virtual time
// instead of waiting on wall-clock tickers. Tasks must be idempotent and
// return promptly.
type Scheduler interface {
	Every(name string, interval time.Duration, task func(ctx context.Context)) (cancel func())
	After(delay time.Duration, task func(ctx context.Context)) (cancel func())
	Now() time.Time
}
