package strand

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Billing gates agent runs per account. The driver consults it before every
// iteration, so a denial takes effect between LLM calls, never mid-tool.
type Billing interface {
	// Check reports whether the account may run another iteration. When
	// not ok, message explains why in user-facing terms.
	Check(ctx context.Context, accountID string) (ok bool, message string, err error)
}

// AllowAll is a Billing that admits every run. Useful for self-hosted
// deployments without metering.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (bool, string, error) { return true, "", nil }

// RunLimiter is a Billing that admits at most limit iterations per account
// within a sliding window. State is in-memory; deployments with multiple
// server processes should back Billing with shared storage instead.
type RunLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	starts map[string][]time.Time
}

func NewRunLimiter(limit int, window time.Duration) *RunLimiter {
	return &RunLimiter{
		limit:  limit,
		window: window,
		starts: make(map[string][]time.Time),
	}
}

func (l *RunLimiter) Check(_ context.Context, accountID string) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	pruned := pruneTimes(l.starts[accountID], cutoff)

	if len(pruned) >= l.limit {
		l.starts[accountID] = pruned
		return false, fmt.Sprintf("usage limit of %d agent iterations per %s reached", l.limit, l.window), nil
	}

	l.starts[accountID] = append(pruned, now)
	return true, "", nil
}

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time checks
var (
	_ Billing = AllowAll{}
	_ Billing = (*RunLimiter)(nil)
)
