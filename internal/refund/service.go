// Package refund orchestrates the decision pipeline: context build,
// evaluation, enforcement, execution against the commerce platform, ledger
// recording, and the supervisor approval flow.
package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/facts"
	"github.com/merchantops/refundgate/internal/gate"
	"github.com/merchantops/refundgate/internal/ledger"
	"github.com/merchantops/refundgate/internal/rules"
	"github.com/merchantops/refundgate/internal/worker"
)

// Execution statuses reported to the caller.
const (
	StatusExecuted        = "executed"
	StatusDenied          = "denied"
	StatusPendingApproval = "pending_approval"
	StatusObserved        = "observed" // decision computed, nothing blocked
)

// EvalResult is the outcome of a non-executing evaluation.
type EvalResult struct {
	Decision *domain.Decision        `json:"decision"`
	Gate     gate.Result             `json:"gate"`
	Context  *domain.DecisionContext `json:"context,omitempty"`
}

// ExecuteResult is the outcome of a refund execution attempt.
type ExecuteResult struct {
	Status     string               `json:"status"`
	Decision   *domain.Decision     `json:"decision"`
	Surface    bool                 `json:"-"` // warn mode: expose decision without blocking
	ApprovalID string               `json:"approvalId,omitempty"`
	Refund     *domain.RefundResult `json:"refund,omitempty"`
}

// Service wires the pipeline stages together.
type Service struct {
	tenants   domain.TenantResolver
	builder   *facts.Builder
	ruleCache *rules.RuleSetCache
	repo      domain.Repository
	ledger    *ledger.Service
	commerce  domain.CommerceClient
	bus       domain.EventBus
	pool      *worker.Pool
	logger    *slog.Logger
}

// NewService creates the refund service.
func NewService(tenants domain.TenantResolver, builder *facts.Builder, ruleCache *rules.RuleSetCache,
	repo domain.Repository, ledgerSvc *ledger.Service, commerce domain.CommerceClient,
	bus domain.EventBus, pool *worker.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tenants:   tenants,
		builder:   builder,
		ruleCache: ruleCache,
		repo:      repo,
		ledger:    ledgerSvc,
		commerce:  commerce,
		bus:       bus,
		pool:      pool,
		logger:    logger,
	}
}

// Evaluate runs the pipeline up to the gate without executing anything.
func (s *Service) Evaluate(ctx context.Context, tenantID string, actor domain.Actor, req *domain.RefundRequest) (*EvalResult, error) {
	tenant, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	dc, err := s.builder.Build(ctx, tenant, actor, req)
	if err != nil {
		return nil, err
	}

	decision, err := s.evaluate(ctx, dc)
	if err != nil {
		return nil, err
	}

	res := &EvalResult{
		Decision: decision,
		Gate:     gate.Apply(decision, dc.Rules, actor),
		Context:  dc,
	}
	s.publishDecision(ctx, tenantID, actor, req, dc, decision)
	return res, nil
}

// Execute runs the full pipeline. Under enforce mode a DENY returns
// ErrPolicyDenied alongside the result carrying the decision, and a
// REQUIRE_APPROVAL for a non-supervisor captures a pending approval instead
// of executing.
func (s *Service) Execute(ctx context.Context, tenantID string, actor domain.Actor, req *domain.RefundRequest) (*ExecuteResult, error) {
	eval, err := s.Evaluate(ctx, tenantID, actor, req)
	if err != nil {
		return nil, err
	}

	if eval.Gate.RequiresApproval {
		return s.captureApproval(ctx, tenantID, actor, req, eval)
	}
	if !eval.Gate.Proceed {
		s.publishEvent(ctx, tenantID, domain.TopicDenied, deniedEvent{
			Actor:    actor.ID,
			OrderID:  req.OrderID,
			Amount:   req.Amount,
			Decision: eval.Decision,
		})
		return &ExecuteResult{Status: StatusDenied, Decision: eval.Decision},
			fmt.Errorf("%w: %s", domain.ErrPolicyDenied, eval.Decision.Reason)
	}

	return s.execute(ctx, tenantID, actor, req, eval)
}

// PreviewBatch evaluates a list of candidate refunds over the bounded pool.
func (s *Service) PreviewBatch(ctx context.Context, tenantID string, actor domain.Actor, items []*domain.RefundRequest) []worker.ItemResult {
	return s.pool.Run(ctx, items, func(ctx context.Context, req *domain.RefundRequest) (*domain.Decision, error) {
		eval, err := s.Evaluate(ctx, tenantID, actor, req)
		if err != nil {
			return nil, err
		}
		return eval.Decision, nil
	})
}

func (s *Service) evaluate(ctx context.Context, dc *domain.DecisionContext) (*domain.Decision, error) {
	var programs []rules.CompiledCustomRule
	if dc.RuleSetID != "" && len(dc.Rules.CustomRules) > 0 {
		var err error
		programs, err = s.ruleCache.Programs(dc.RuleSetID, dc.Rules.CustomRules)
		if err != nil {
			// A stored ruleset that no longer compiles is a config defect;
			// evaluate the built-in predicates rather than block all refunds.
			s.logger.Error("custom rules failed to compile, skipping them",
				"tenant_id", dc.TenantID, "ruleset_id", dc.RuleSetID, "error", err)
		}
	}

	decision := rules.Evaluate(dc, programs)
	return &decision, nil
}

func (s *Service) execute(ctx context.Context, tenantID string, actor domain.Actor, req *domain.RefundRequest, eval *EvalResult) (*ExecuteResult, error) {
	tenant, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	attempt := ledger.Attempt{
		TenantID:     tenantID,
		CustomerKey:  eval.Context.Meta.CustomerKey,
		User:         actor.ID,
		OrderID:      eval.Context.Order.ID,
		Amount:       req.Amount,
		Partial:      req.Partial(),
		RuleSetID:    eval.Decision.RuleSetID,
		RulesVersion: eval.Decision.RulesVersion,
	}

	result, err := s.commerce.ExecuteRefund(ctx, tenant, eval.Context.Order.ID, req)
	if err != nil {
		if lerr := s.ledger.RecordFailure(ctx, attempt, err); lerr != nil {
			s.logger.Error("failed to record refund failure", "tenant_id", tenantID, "error", lerr)
		}
		s.publishEvent(ctx, tenantID, domain.TopicExecutionFailed, executionEvent{
			Actor:   actor.ID,
			OrderID: attempt.OrderID,
			Amount:  req.Amount,
			Error:   err.Error(),
		})
		return nil, err
	}

	if lerr := s.ledger.RecordSuccess(ctx, attempt, result.TransactionID); lerr != nil {
		// The refund happened; a ledger write failure must not fail the caller.
		s.logger.Error("refund executed but ledger update failed",
			"tenant_id", tenantID, "transaction_id", result.TransactionID, "error", lerr)
	}

	s.publishEvent(ctx, tenantID, domain.TopicExecuted, executionEvent{
		Actor:         actor.ID,
		OrderID:       attempt.OrderID,
		Amount:        result.Amount,
		TransactionID: result.TransactionID,
	})

	status := StatusExecuted
	if eval.Decision.Outcome != domain.OutcomeAllow && eval.Context.Rules.Mode != domain.ModeEnforce {
		status = StatusObserved
	}
	return &ExecuteResult{
		Status:   status,
		Decision: eval.Decision,
		Surface:  eval.Gate.Surface,
		Refund:   result,
	}, nil
}

func (s *Service) captureApproval(ctx context.Context, tenantID string, actor domain.Actor, req *domain.RefundRequest, eval *EvalResult) (*ExecuteResult, error) {
	pa := &domain.PendingApproval{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Requester: actor.ID,
		Payload:   *req,
		Decision:  *eval.Decision,
		Context:   *eval.Context,
		Status:    domain.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.CreatePendingApproval(ctx, tenantID, pa); err != nil {
		return nil, fmt.Errorf("failed to capture pending approval: %w", err)
	}

	s.publishEvent(ctx, tenantID, domain.TopicApprovalPending, approvalEvent{
		ApprovalID: pa.ID,
		Requester:  actor.ID,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
		Reason:     eval.Decision.Reason,
	})

	return &ExecuteResult{
		Status:     StatusPendingApproval,
		Decision:   eval.Decision,
		ApprovalID: pa.ID,
	}, nil
}

// Approval reads one pending approval.
func (s *Service) Approval(ctx context.Context, tenantID, id string) (*domain.PendingApproval, error) {
	return s.repo.GetPendingApproval(ctx, tenantID, id)
}

// ListApprovals lists approvals, optionally filtered by status.
func (s *Service) ListApprovals(ctx context.Context, tenantID, status string, limit int) ([]*domain.PendingApproval, error) {
	return s.repo.ListPendingApprovals(ctx, tenantID, status, limit)
}

// ResolveApproval approves or denies a captured request. Only supervisors
// resolve approvals; an approval executes the frozen payload under the
// supervisor's identity through the normal execute path.
func (s *Service) ResolveApproval(ctx context.Context, tenantID, id string, approve bool, resolver domain.Actor) (*ExecuteResult, error) {
	if !resolver.IsSupervisor() {
		return nil, fmt.Errorf("%w: only supervisors resolve approvals", domain.ErrApprovalRequired)
	}

	pa, err := s.repo.GetPendingApproval(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	status := domain.ApprovalDenied
	if approve {
		status = domain.ApprovalApproved
	}
	if err := s.repo.ResolvePendingApproval(ctx, tenantID, id, status, resolver.ID); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, tenantID, domain.TopicApprovalResolved, approvalEvent{
		ApprovalID: id,
		Requester:  pa.Requester,
		ResolvedBy: resolver.ID,
		Status:     status,
		OrderID:    pa.Payload.OrderID,
		Amount:     pa.Payload.Amount,
	})

	if !approve {
		return &ExecuteResult{Status: StatusDenied, Decision: &pa.Decision}, nil
	}

	payload := pa.Payload
	return s.Execute(ctx, tenantID, resolver, &payload)
}

// PublishRuleSet parses, validates and publishes a new ruleset version, then
// synchronously invalidates the cache.
func (s *Service) PublishRuleSet(ctx context.Context, tenantID string, raw json.RawMessage, createdBy string) (*domain.RuleSet, error) {
	payload, err := rules.ParsePayload(raw)
	if err != nil {
		return nil, err
	}

	rs, err := s.repo.PublishRuleSet(ctx, tenantID, payload, createdBy)
	if err != nil {
		return nil, err
	}

	s.ruleCache.Invalidate(ctx, tenantID)
	s.publishEvent(ctx, tenantID, domain.TopicRulesPublished, rulesEvent{
		RuleSetID: rs.ID,
		Version:   rs.Version,
		Mode:      rs.Rules.Mode,
		CreatedBy: createdBy,
	})
	return rs, nil
}

// DeactivateRuleSet deactivates the tenant's active ruleset, leaving the
// tenant on the platform default (or the built-in defaults).
func (s *Service) DeactivateRuleSet(ctx context.Context, tenantID string) error {
	if err := s.repo.DeactivateRuleSet(ctx, tenantID); err != nil {
		return err
	}
	s.ruleCache.Invalidate(ctx, tenantID)
	return nil
}

// ActiveRuleSet reads the resolved active ruleset through the cache.
func (s *Service) ActiveRuleSet(ctx context.Context, tenantID string) (*domain.RuleSet, error) {
	return s.ruleCache.Active(ctx, tenantID)
}

// RuleSetVersions lists historical versions, newest first.
func (s *Service) RuleSetVersions(ctx context.Context, tenantID string, limit int) ([]*domain.RuleSet, error) {
	return s.repo.ListRuleSetVersions(ctx, tenantID, limit)
}

// LedgerEntry reads a customer's refund ledger with its attempt history.
func (s *Service) LedgerEntry(ctx context.Context, tenantID, customerKey string) (*domain.RefundLedgerEntry, error) {
	return s.ledger.Entry(ctx, tenantID, customerKey)
}

// Event payloads.

type decisionEvent struct {
	Actor         string           `json:"actor"`
	OrderID       string           `json:"orderId,omitempty"`
	Amount        float64          `json:"amount,omitempty"`
	Decision      *domain.Decision `json:"decision"`
	DegradedFacts []string         `json:"degradedFacts,omitempty"`
}

type deniedEvent struct {
	Actor    string           `json:"actor"`
	OrderID  string           `json:"orderId,omitempty"`
	Amount   float64          `json:"amount,omitempty"`
	Decision *domain.Decision `json:"decision"`
}

type executionEvent struct {
	Actor         string  `json:"actor"`
	OrderID       string  `json:"orderId"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transactionId,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type approvalEvent struct {
	ApprovalID string  `json:"approvalId"`
	Requester  string  `json:"requester"`
	ResolvedBy string  `json:"resolvedBy,omitempty"`
	Status     string  `json:"status,omitempty"`
	OrderID    string  `json:"orderId,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type rulesEvent struct {
	RuleSetID string `json:"ruleSetId"`
	Version   int    `json:"version"`
	Mode      string `json:"mode"`
	CreatedBy string `json:"createdBy"`
}

func (s *Service) publishDecision(ctx context.Context, tenantID string, actor domain.Actor, req *domain.RefundRequest, dc *domain.DecisionContext, decision *domain.Decision) {
	s.publishEvent(ctx, tenantID, domain.TopicDecision, decisionEvent{
		Actor:         actor.ID,
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		Decision:      decision,
		DegradedFacts: dc.Meta.DegradedFacts,
	})
}

// publishEvent is best-effort: the pipeline never fails because telemetry did.
func (s *Service) publishEvent(ctx context.Context, tenantID, topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, raw); err != nil {
		s.logger.Warn("event publish failed", "topic", topic, "tenant_id", tenantID, "error", err)
	}
}
