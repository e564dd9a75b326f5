package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "refundgate-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func pct(v float64) *float64 { return &v }

func TestRuleSetPublish(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("NoRuleSetYet", func(t *testing.T) {
		_, err := repo.ActiveRuleSet(ctx, tenantID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("FirstVersionIsOne", func(t *testing.T) {
		rs, err := repo.PublishRuleSet(ctx, tenantID, domain.RulesPayload{
			Mode:             domain.ModeEnforce,
			MaxRefundPercent: pct(30),
		}, "agent-1")
		if err != nil {
			t.Fatalf("PublishRuleSet failed: %v", err)
		}
		if rs.Version != 1 {
			t.Errorf("expected version 1, got %d", rs.Version)
		}
		if !rs.IsActive {
			t.Error("published ruleset should be active")
		}
	})

	t.Run("SecondPublishDeactivatesFirst", func(t *testing.T) {
		rs2, err := repo.PublishRuleSet(ctx, tenantID, domain.RulesPayload{
			Mode:             domain.ModeEnforce,
			MaxRefundPercent: pct(50),
		}, "agent-1")
		if err != nil {
			t.Fatalf("PublishRuleSet failed: %v", err)
		}
		if rs2.Version != 2 {
			t.Errorf("expected version 2, got %d", rs2.Version)
		}

		active, err := repo.ActiveRuleSet(ctx, tenantID)
		if err != nil {
			t.Fatalf("ActiveRuleSet failed: %v", err)
		}
		if active.Version != 2 {
			t.Errorf("expected active version 2, got %d", active.Version)
		}
		if active.Rules.MaxRefundPercent == nil || *active.Rules.MaxRefundPercent != 50 {
			t.Errorf("active ruleset should carry the second payload")
		}

		versions, err := repo.ListRuleSetVersions(ctx, tenantID, 10)
		if err != nil {
			t.Fatalf("ListRuleSetVersions failed: %v", err)
		}
		if len(versions) != 2 {
			t.Fatalf("expected 2 versions, got %d", len(versions))
		}
		if versions[0].Version != 2 || versions[1].Version != 1 {
			t.Error("versions should be newest-first")
		}
		if versions[1].IsActive {
			t.Error("version 1 should be inactive after second publish")
		}

		activeCount := 0
		for _, v := range versions {
			if v.IsActive {
				activeCount++
			}
		}
		if activeCount != 1 {
			t.Errorf("expected exactly 1 active version, got %d", activeCount)
		}
	})

	t.Run("PlatformFallback", func(t *testing.T) {
		if _, err := repo.PublishRuleSet(ctx, domain.PlatformTenantID, domain.RulesPayload{
			Mode: domain.ModeWarn,
		}, "platform-admin"); err != nil {
			t.Fatalf("platform publish failed: %v", err)
		}

		rs, err := repo.ActiveRuleSet(ctx, "tenant-without-rules")
		if err != nil {
			t.Fatalf("expected platform fallback, got %v", err)
		}
		if rs.TenantID != domain.PlatformTenantID {
			t.Errorf("expected platform ruleset, got tenant %s", rs.TenantID)
		}

		// A tenant with its own ruleset does not fall back.
		own, err := repo.ActiveRuleSet(ctx, tenantID)
		if err != nil {
			t.Fatalf("ActiveRuleSet failed: %v", err)
		}
		if own.TenantID != tenantID {
			t.Errorf("expected tenant ruleset, got %s", own.TenantID)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		if err := repo.DeactivateRuleSet(ctx, tenantID); err != nil {
			t.Fatalf("DeactivateRuleSet failed: %v", err)
		}

		// Tenant now falls back to the platform default.
		rs, err := repo.ActiveRuleSet(ctx, tenantID)
		if err != nil {
			t.Fatalf("expected platform fallback after deactivate, got %v", err)
		}
		if rs.TenantID != domain.PlatformTenantID {
			t.Errorf("expected platform ruleset after deactivate, got %s", rs.TenantID)
		}

		if err := repo.DeactivateRuleSet(ctx, tenantID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second deactivate should be ErrNotFound, got %v", err)
		}
	})

	t.Run("PublishAfterDeactivateContinuesVersions", func(t *testing.T) {
		rs, err := repo.PublishRuleSet(ctx, tenantID, domain.RulesPayload{Mode: domain.ModeObserve}, "agent-2")
		if err != nil {
			t.Fatalf("PublishRuleSet failed: %v", err)
		}
		if rs.Version != 3 {
			t.Errorf("expected version 3, got %d", rs.Version)
		}
	})
}

func TestLedgerRecording(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	key := "phone:+15550100"

	t.Run("SuccessUpsertsEntry", func(t *testing.T) {
		err := repo.RecordLedgerSuccess(ctx, tenantID, key, "agent-1", &domain.RefundAttempt{
			Outcome:      domain.AttemptSuccess,
			OrderID:      "order-1",
			Amount:       49.90,
			RuleSetID:    "rs-1",
			RulesVersion: 1,
		})
		if err != nil {
			t.Fatalf("RecordLedgerSuccess failed: %v", err)
		}

		e, err := repo.LedgerEntry(ctx, tenantID, key)
		if err != nil {
			t.Fatalf("LedgerEntry failed: %v", err)
		}
		if e.TotalCount != 1 || e.SuccessCount != 1 || e.FailureCount != 0 {
			t.Errorf("unexpected counters: total=%d success=%d failure=%d",
				e.TotalCount, e.SuccessCount, e.FailureCount)
		}
		if e.LastOutcome != domain.AttemptSuccess {
			t.Errorf("expected last outcome SUCCESS, got %s", e.LastOutcome)
		}
		if e.LastRefundAt == nil {
			t.Error("expected last_refund_at to be set")
		}
		if len(e.Attempts) != 1 {
			t.Errorf("expected 1 attempt, got %d", len(e.Attempts))
		}
	})

	t.Run("FailureSchedulesBackoff", func(t *testing.T) {
		before := time.Now().UTC()
		err := repo.RecordLedgerFailure(ctx, tenantID, key, "agent-1", &domain.RefundAttempt{
			Outcome:      domain.AttemptFailure,
			OrderID:      "order-2",
			ErrorCode:    "rate_limited",
			ErrorMessage: "429 from platform",
		})
		if err != nil {
			t.Fatalf("RecordLedgerFailure failed: %v", err)
		}

		e, err := repo.LedgerEntry(ctx, tenantID, key)
		if err != nil {
			t.Fatalf("LedgerEntry failed: %v", err)
		}
		if e.FailureCount != 1 || e.RetryCount != 1 {
			t.Errorf("expected failure=1 retry=1, got failure=%d retry=%d", e.FailureCount, e.RetryCount)
		}
		if e.SuccessCount != 1 {
			t.Errorf("failure must not touch success count, got %d", e.SuccessCount)
		}
		if e.NextRetryAt == nil {
			t.Fatal("expected next_retry_at to be scheduled")
		}
		want := before.Add(domain.NextBackoff(1, e.RetryBaseMs, e.MaxRetryMs))
		if e.NextRetryAt.Before(want.Add(-time.Second)) || e.NextRetryAt.After(want.Add(5*time.Second)) {
			t.Errorf("next_retry_at %v not near expected %v", e.NextRetryAt, want)
		}
		if e.LastErrorCode != "rate_limited" {
			t.Errorf("expected error code recorded, got %q", e.LastErrorCode)
		}
	})

	t.Run("SuccessResetsRetryState", func(t *testing.T) {
		err := repo.RecordLedgerSuccess(ctx, tenantID, key, "agent-2", &domain.RefundAttempt{
			Outcome: domain.AttemptSuccess,
			OrderID: "order-2",
			Amount:  12.00,
		})
		if err != nil {
			t.Fatalf("RecordLedgerSuccess failed: %v", err)
		}

		e, _ := repo.LedgerEntry(ctx, tenantID, key)
		if e.RetryCount != 0 || e.NextRetryAt != nil {
			t.Errorf("success should reset retry state, got retry=%d next=%v", e.RetryCount, e.NextRetryAt)
		}
		if e.TotalCount != 2 || e.SuccessCount != 2 {
			t.Errorf("unexpected counters after second success: total=%d success=%d", e.TotalCount, e.SuccessCount)
		}
		if e.User != "agent-2" {
			t.Errorf("expected last user agent-2, got %s", e.User)
		}
	})

	t.Run("AttemptHistoryBounded", func(t *testing.T) {
		base := time.Now().UTC()
		for i := 0; i < 30; i++ {
			err := repo.RecordLedgerSuccess(ctx, tenantID, key, "agent-1", &domain.RefundAttempt{
				Outcome: domain.AttemptSuccess,
				OrderID: fmt.Sprintf("order-bulk-%02d", i),
				At:      base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("RecordLedgerSuccess %d failed: %v", i, err)
			}
		}

		e, err := repo.LedgerEntry(ctx, tenantID, key)
		if err != nil {
			t.Fatalf("LedgerEntry failed: %v", err)
		}
		if len(e.Attempts) != domain.MaxLedgerAttempts {
			t.Fatalf("expected %d attempts, got %d", domain.MaxLedgerAttempts, len(e.Attempts))
		}
		// Newest-last, and the newest must be the final bulk order.
		last := e.Attempts[len(e.Attempts)-1]
		if last.OrderID != "order-bulk-29" {
			t.Errorf("expected newest attempt order-bulk-29, got %s", last.OrderID)
		}
		for i := 1; i < len(e.Attempts); i++ {
			if e.Attempts[i].At.Before(e.Attempts[i-1].At) {
				t.Errorf("attempts out of order at index %d", i)
			}
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.LedgerEntry(ctx, "tenant-002", key)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got %v", err)
		}
	})
}

func TestPendingApprovals(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	pa := &domain.PendingApproval{
		TenantID:  tenantID,
		Requester: "agent-1",
		Payload:   domain.RefundRequest{Phone: "+15550100", Amount: 25},
		Decision: domain.Decision{
			Outcome:      domain.OutcomeRequireApproval,
			Reason:       "25.00% exceeds supervisor threshold 20%",
			Matched:      []string{"requireSupervisorAbovePercent"},
			RulesVersion: 3,
			RuleSetID:    "rs-3",
		},
	}

	if err := repo.CreatePendingApproval(ctx, tenantID, pa); err != nil {
		t.Fatalf("CreatePendingApproval failed: %v", err)
	}
	if pa.ID == "" {
		t.Fatal("expected generated approval ID")
	}

	t.Run("GetRoundTrip", func(t *testing.T) {
		got, err := repo.GetPendingApproval(ctx, tenantID, pa.ID)
		if err != nil {
			t.Fatalf("GetPendingApproval failed: %v", err)
		}
		if got.Status != domain.ApprovalPending {
			t.Errorf("expected PENDING, got %s", got.Status)
		}
		if got.Decision.Outcome != domain.OutcomeRequireApproval {
			t.Errorf("decision snapshot lost: %+v", got.Decision)
		}
		if got.Payload.Phone != "+15550100" {
			t.Errorf("payload snapshot lost: %+v", got.Payload)
		}
	})

	t.Run("ResolveOnce", func(t *testing.T) {
		if err := repo.ResolvePendingApproval(ctx, tenantID, pa.ID, domain.ApprovalApproved, "supervisor-1"); err != nil {
			t.Fatalf("ResolvePendingApproval failed: %v", err)
		}

		got, _ := repo.GetPendingApproval(ctx, tenantID, pa.ID)
		if got.Status != domain.ApprovalApproved || got.ResolvedBy != "supervisor-1" {
			t.Errorf("unexpected resolution state: %+v", got)
		}
		if got.ResolvedAt == nil {
			t.Error("expected resolved_at to be set")
		}

		err := repo.ResolvePendingApproval(ctx, tenantID, pa.ID, domain.ApprovalDenied, "supervisor-2")
		if !errors.Is(err, domain.ErrApprovalResolved) {
			t.Errorf("second resolution should fail with ErrApprovalResolved, got %v", err)
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		pending, err := repo.ListPendingApprovals(ctx, tenantID, domain.ApprovalPending, 10)
		if err != nil {
			t.Fatalf("ListPendingApprovals failed: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("expected no pending approvals, got %d", len(pending))
		}

		all, err := repo.ListPendingApprovals(ctx, tenantID, "", 10)
		if err != nil {
			t.Fatalf("ListPendingApprovals failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("expected 1 approval, got %d", len(all))
		}
	})
}
