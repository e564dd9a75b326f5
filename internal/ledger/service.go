// Package ledger records refund outcomes: atomic per-customer counters, the
// bounded attempt history, retry backoff scheduling, and the success
// idempotency guard.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/merchantops/refundgate/internal/domain"
)

// DefaultIdempotencyTTL is how long a success marker blocks double-counting
// of the same external refund transaction.
const DefaultIdempotencyTTL = 300 * time.Second

// Error codes inferred from execution failures.
const (
	CodeTimeout       = "TIMEOUT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeUpstreamError = "UPSTREAM_ERROR"
	CodeExecution     = "EXECUTION_ERROR"
)

// Attempt identifies one refund attempt being recorded.
type Attempt struct {
	TenantID     string
	CustomerKey  string
	User         string
	OrderID      string
	Amount       float64
	Partial      bool
	RuleSetID    string
	RulesVersion int
}

// Service wraps the repository's ledger operations with the idempotency
// guard and error-code inference. Counter arithmetic itself lives in the
// repository as atomic upserts.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(repo domain.Repository, cache domain.Cache, idempotencyTTL time.Duration, logger *slog.Logger) *Service {
	if idempotencyTTL <= 0 {
		idempotencyTTL = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, ttl: idempotencyTTL, logger: logger}
}

// RecordSuccess credits a successful refund. The transaction id keys a
// short-lived exclusive marker; when the marker already exists the refund was
// already counted (retried webhook or duplicate response delivery) and the
// increment is skipped. A cache failure counts anyway: missing a duplicate
// beats losing a legitimate success.
func (s *Service) RecordSuccess(ctx context.Context, a Attempt, transactionID string) error {
	if transactionID != "" {
		ok, err := s.cache.SetNX(ctx, a.TenantID, "refundtxn:"+transactionID, []byte("1"), s.ttl)
		if err != nil {
			s.logger.Warn("idempotency marker unavailable, recording anyway",
				"tenant_id", a.TenantID, "transaction_id", transactionID, "error", err)
		} else if !ok {
			s.logger.Info("duplicate refund success delivery skipped",
				"tenant_id", a.TenantID, "transaction_id", transactionID)
			return nil
		}
	}

	attempt := &domain.RefundAttempt{
		ID:           uuid.New().String(),
		Outcome:      domain.AttemptSuccess,
		OrderID:      a.OrderID,
		Amount:       a.Amount,
		Partial:      a.Partial,
		RuleSetID:    a.RuleSetID,
		RulesVersion: a.RulesVersion,
		At:           time.Now().UTC(),
	}

	if err := s.repo.RecordLedgerSuccess(ctx, a.TenantID, a.CustomerKey, a.User, attempt); err != nil {
		return fmt.Errorf("failed to record refund success: %w", err)
	}
	return nil
}

// RecordFailure debits a failed refund execution and schedules the next
// retry window.
func (s *Service) RecordFailure(ctx context.Context, a Attempt, execErr error) error {
	attempt := &domain.RefundAttempt{
		ID:           uuid.New().String(),
		Outcome:      domain.AttemptFailure,
		OrderID:      a.OrderID,
		Amount:       a.Amount,
		Partial:      a.Partial,
		RuleSetID:    a.RuleSetID,
		RulesVersion: a.RulesVersion,
		ErrorCode:    InferErrorCode(execErr),
		At:           time.Now().UTC(),
	}
	if execErr != nil {
		attempt.ErrorMessage = execErr.Error()
	}

	if err := s.repo.RecordLedgerFailure(ctx, a.TenantID, a.CustomerKey, a.User, attempt); err != nil {
		return fmt.Errorf("failed to record refund failure: %w", err)
	}
	return nil
}

// Entry reads the ledger entry with its attempt history.
func (s *Service) Entry(ctx context.Context, tenantID, customerKey string) (*domain.RefundLedgerEntry, error) {
	return s.repo.LedgerEntry(ctx, tenantID, customerKey)
}

// InferErrorCode buckets an execution error for the ledger snapshot fields.
func InferErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CodeTimeout
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CodeRateLimited
	case strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "bad gateway") || strings.Contains(msg, "unavailable"):
		return CodeUpstreamError
	default:
		return CodeExecution
	}
}
