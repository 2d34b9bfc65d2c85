// Package settlement defines the abstract payment interface the
// coordination core invokes (§4.3) and the bounded worker pool plus
// exponential backoff schedule that retries it. The core never calls
// Settlement inline on a request — only from this pool, gated on the
// Payment row so pay() is invoked at most once per job_id.
package settlement

import (
	"context"
	"time"
)

// Settlement is the out-of-core effectful collaborator. Implementations
// may block; the worker pool enforces the call deadline.
type Settlement interface {
	Pay(ctx context.Context, fromWallet, toWallet string, amount float64, memo string) (signature string, err error)
}

// DefaultBackoff is the §4.3/§6 settlement_backoff schedule: 1s, 5s, 30s,
// 5m, 30m, then the payment is parked for manual review.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// NextRetry returns the delay before the (attempts+1)-th retry, where
// attempts counts the failed attempts made before the one that just failed,
// and whether the payment should instead be parked because the schedule is
// exhausted.
func NextRetry(attempts int, schedule []time.Duration) (delay time.Duration, parked bool) {
	if attempts < 0 || attempts >= len(schedule) {
		return 0, true
	}
	return schedule[attempts], false
}
