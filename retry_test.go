package strand

import (
	"context"
	"errors"
	"testing"
	"time"
)

// faultProvider is a test Provider that returns pre-configured results in
// order: either an open chunk channel or a request error.
type faultProvider struct {
	calls   int
	results []faultResult
}

type faultResult struct {
	chunks []Chunk
	err    error
}

func (f *faultProvider) Name() string { return "fault" }

func (f *faultProvider) next() faultResult {
	i := f.calls
	f.calls++
	if i < len(f.results) {
		return f.results[i]
	}
	return faultResult{}
}

func (f *faultProvider) Complete(_ context.Context, _ CompletionRequest) (<-chan Chunk, error) {
	r := f.next()
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan Chunk, len(r.chunks))
	for _, c := range r.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

var _ Provider = (*faultProvider)(nil)

func drainText(ch <-chan Chunk) string {
	var out string
	for c := range ch {
		if c.Type == ChunkTextDelta {
			out += c.Content
		}
	}
	return out
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{chunks: []Chunk{textChunk("hello"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drainText(ch); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesOn503(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{chunks: []Chunk{textChunk("hello"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drainText(ch); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RetriesOn429(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{chunks: []Chunk{textChunk("ok"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryNonTransient(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 500, Body: "internal error"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 500)", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryProviderErrors(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrLLM{Provider: "fault", Message: "bad request"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for non-HTTP errors)", stub.calls)
	}
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	transient := faultResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &faultProvider{results: []faultResult{transient, transient, transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error after max attempts, got nil")
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Errorf("got %v, want the last 503", err)
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_RespectsRetryAfter(t *testing.T) {
	// Server says wait 100ms via Retry-After. Verify the retry waits at
	// least that long even when base delay is 0.
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited", RetryAfter: 100 * time.Millisecond}},
		{chunks: []Chunk{textChunk("ok"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	_, err := p.Complete(context.Background(), CompletionRequest{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_TimeoutExceeded(t *testing.T) {
	// Two transient errors with 100ms Retry-After each. A timeout of 50ms
	// should make the retry loop give up instead of waiting.
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{chunks: []Chunk{textChunk("ok"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error due to timeout, got nil")
	}
	if stub.calls > 2 {
		t.Errorf("got %d calls, expected at most 2 with 50ms timeout", stub.calls)
	}
}

func TestWithRetry_TimeoutAllowsSuccess(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 503}},
		{chunks: []Chunk{textChunk("ok"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(5*time.Second))

	ch, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drainText(ch); got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_CancelledDuringWait(t *testing.T) {
	stub := &faultProvider{results: []faultResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 5 * time.Second}},
		{chunks: []Chunk{textChunk("ok"), finishChunk("stop")}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Complete(ctx, CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_NameDelegates(t *testing.T) {
	p := WithRetry(&faultProvider{})
	if p.Name() != "fault" {
		t.Errorf("Name() = %q, want %q", p.Name(), "fault")
	}
}
