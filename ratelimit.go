package strand

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests are blocked until the rate budget allows them to proceed.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are read from the usage metadata on finish chunks. This is
// a soft limit: the request that exceeds the budget completes, but
// subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. An agent loop can
// fire dozens of completions per task; the limiter keeps that under the
// provider's quota. Compose with other wrappers:
//
//	llm = strand.WithRateLimit(provider, strand.RPM(60))
//	llm = strand.WithRateLimit(strand.WithRetry(provider), strand.RPM(60), strand.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	inner, err := r.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.tpm <= 0 {
		return inner, nil
	}

	// Observe the stream so finish-chunk usage lands in the TPM window.
	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Type == ChunkStatus && chunk.Metadata[MetaStatus] == StatusFinish {
				r.recordUsage(chunk.Metadata)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the inner provider can finish and close.
				for range inner {
				}
				return
			}
		}
	}()
	return out, nil
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTimes(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts from finish-chunk metadata to the TPM
// sliding window.
func (r *rateLimitProvider) recordUsage(md map[string]string) {
	in, _ := strconv.Atoi(md[MetaInputTokens])
	out, _ := strconv.Atoi(md[MetaOutputTokens])
	total := in + out
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
