// Package worker runs bulk preview evaluations over a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/merchantops/refundgate/internal/domain"
)

// Pool defaults.
const (
	DefaultConcurrency = 4
	DefaultAttempts    = 3
	DefaultRetryBase   = 100 * time.Millisecond
)

// PreviewFn evaluates one candidate refund without executing it.
type PreviewFn func(ctx context.Context, req *domain.RefundRequest) (*domain.Decision, error)

// ItemResult is the per-item outcome of a batch preview. Exactly one of
// Decision or Error is set.
type ItemResult struct {
	Index    int              `json:"index"`
	Decision *domain.Decision `json:"decision,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Pool fans a list of candidate refunds out over a bounded number of
// workers. Each item is attempted up to Attempts times with exponential
// backoff; a failed item is reported in its result slot without aborting
// the rest of the batch.
type Pool struct {
	concurrency int
	attempts    int
	retryBase   time.Duration
	logger      *slog.Logger
}

// NewPool creates a preview pool. Zero values take the defaults.
func NewPool(concurrency, attempts int, retryBase time.Duration, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{concurrency: concurrency, attempts: attempts, retryBase: retryBase, logger: logger}
}

// Run evaluates every item and returns results in input order.
func (p *Pool) Run(ctx context.Context, items []*domain.RefundRequest, fn PreviewFn) []ItemResult {
	results := make([]ItemResult, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, req *domain.RefundRequest) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = p.runOne(ctx, idx, req, fn)
		}(i, item)
	}

	wg.Wait()
	return results
}

func (p *Pool) runOne(ctx context.Context, idx int, req *domain.RefundRequest, fn PreviewFn) ItemResult {
	var decision *domain.Decision

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(p.attempts)),
		retry.Delay(p.retryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Client mistakes do not get better with retries.
			return !isPermanent(err)
		}),
	)

	err := r.Do(func() error {
		d, err := fn(ctx, req)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil {
		p.logger.Warn("preview item failed after retries", "index", idx, "error", err)
		return ItemResult{Index: idx, Error: err.Error()}
	}

	return ItemResult{Index: idx, Decision: decision}
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidRequest) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrCustomerNotFound)
}
