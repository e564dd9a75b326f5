// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/merchantops/refundgate/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ActiveRuleSet returns the active ruleset for the tenant, falling back to
// the platform default when the tenant has none. ErrNotFound when neither
// exists.
func (r *SQLRepository) ActiveRuleSet(ctx context.Context, tenantID string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	rs, err := r.activeFor(ctx, tenantID)
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, ErrNotFound) || tenantID == domain.PlatformTenantID {
		return nil, err
	}
	return r.activeFor(ctx, domain.PlatformTenantID)
}

func (r *SQLRepository) activeFor(ctx context.Context, tenantID string) (*domain.RuleSet, error) {
	query := `
		SELECT id, tenant_id, version, is_active, created_by, rules, created_at, updated_at
		FROM rulesets
		WHERE tenant_id = ? AND is_active = 1
	`
	return r.scanRuleSet(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanRuleSet(row rowScanner) (*domain.RuleSet, error) {
	var rs domain.RuleSet
	var active int
	var rules string

	err := row.Scan(&rs.ID, &rs.TenantID, &rs.Version, &active, &rs.CreatedBy, &rules, &rs.CreatedAt, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rs.IsActive = active == 1
	if err := json.Unmarshal([]byte(rules), &rs.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset payload: %w", err)
	}
	return &rs, nil
}

// PublishRuleSet inserts a new version with version = max+1 and deactivates
// the previous active version in the same transaction. The partial unique
// index on (tenant_id) WHERE is_active guarantees a concurrent publish cannot
// leave two active rulesets.
func (r *SQLRepository) PublishRuleSet(ctx context.Context, tenantID string, rules domain.RulesPayload, createdBy string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ruleset payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(version), 0) FROM rulesets WHERE tenant_id = ?`),
		tenantID,
	).Scan(&maxVersion)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE rulesets SET is_active = 0, updated_at = ? WHERE tenant_id = ? AND is_active = 1`),
		time.Now().UTC(), tenantID,
	); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rs := &domain.RuleSet{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Version:   maxVersion + 1,
		IsActive:  true,
		CreatedBy: createdBy,
		Rules:     rules,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := tx.ExecContext(ctx,
		r.rebind(`
			INSERT INTO rulesets (id, tenant_id, version, is_active, created_by, rules, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		`),
		rs.ID, tenantID, rs.Version, createdBy, string(payload), now, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rs, nil
}

// DeactivateRuleSet clears the tenant's active ruleset, leaving none active.
// The platform default applies going forward.
func (r *SQLRepository) DeactivateRuleSet(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE rulesets SET is_active = 0, updated_at = ? WHERE tenant_id = ? AND is_active = 1`),
		time.Now().UTC(), tenantID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuleSetVersions returns recent versions newest-first.
func (r *SQLRepository) ListRuleSetVersions(ctx context.Context, tenantID string, limit int) ([]*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, tenant_id, version, is_active, created_by, rules, created_at, updated_at
		FROM rulesets
		WHERE tenant_id = ?
		ORDER BY version DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RuleSet
	for rows.Next() {
		rs, err := r.scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// LedgerEntry loads a ledger row and its bounded attempt history.
func (r *SQLRepository) LedgerEntry(ctx context.Context, tenantID, customerKey string) (*domain.RefundLedgerEntry, error) {
	if tenantID == "" || customerKey == "" {
		return nil, fmt.Errorf("%w: tenantID and customerKey are required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, customer_key, last_user, total_count, success_count, failure_count,
		       last_refund_at, last_outcome, last_error_code, last_order_id, last_amount,
		       retry_count, next_retry_at, retry_base_ms, max_retry_ms, created_at, updated_at
		FROM refund_ledger
		WHERE tenant_id = ? AND customer_key = ?
	`

	var e domain.RefundLedgerEntry
	var lastRefundAt, nextRetryAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerKey).Scan(
		&e.TenantID, &e.CustomerKey, &e.User, &e.TotalCount, &e.SuccessCount, &e.FailureCount,
		&lastRefundAt, &e.LastOutcome, &e.LastErrorCode, &e.LastOrderID, &e.LastAmount,
		&e.RetryCount, &nextRetryAt, &e.RetryBaseMs, &e.MaxRetryMs, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastRefundAt.Valid {
		t := lastRefundAt.Time
		e.LastRefundAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		e.NextRetryAt = &t
	}

	attempts, err := r.loadAttempts(ctx, tenantID, customerKey)
	if err != nil {
		return nil, err
	}
	e.Attempts = attempts

	return &e, nil
}

func (r *SQLRepository) loadAttempts(ctx context.Context, tenantID, customerKey string) (domain.AttemptLog, error) {
	query := `
		SELECT id, outcome, order_id, amount, partial, error_code, error_message,
		       ruleset_id, rules_version, created_at
		FROM ledger_attempts
		WHERE tenant_id = ? AND customer_key = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log domain.AttemptLog
	for rows.Next() {
		var a domain.RefundAttempt
		var partial int
		if err := rows.Scan(&a.ID, &a.Outcome, &a.OrderID, &a.Amount, &partial,
			&a.ErrorCode, &a.ErrorMessage, &a.RuleSetID, &a.RulesVersion, &a.At); err != nil {
			return nil, err
		}
		a.Partial = partial == 1
		log = append(log, a)
	}
	return log, rows.Err()
}

// RecordLedgerSuccess upserts the ledger row with atomic increments, resets
// retry bookkeeping, and appends the attempt to the bounded history.
func (r *SQLRepository) RecordLedgerSuccess(ctx context.Context, tenantID, customerKey, user string, attempt *domain.RefundAttempt) error {
	if tenantID == "" || customerKey == "" {
		return fmt.Errorf("%w: tenantID and customerKey are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO refund_ledger (
			tenant_id, customer_key, last_user, total_count, success_count, failure_count,
			last_refund_at, last_outcome, last_error_code, last_order_id, last_amount,
			retry_count, next_retry_at, retry_base_ms, max_retry_ms, created_at, updated_at
		) VALUES (?, ?, ?, 1, 1, 0, ?, ?, '', ?, ?, 0, NULL, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, customer_key) DO UPDATE SET
			total_count = refund_ledger.total_count + 1,
			success_count = refund_ledger.success_count + 1,
			last_user = excluded.last_user,
			last_refund_at = excluded.last_refund_at,
			last_outcome = excluded.last_outcome,
			last_error_code = '',
			last_order_id = excluded.last_order_id,
			last_amount = excluded.last_amount,
			retry_count = 0,
			next_retry_at = NULL,
			updated_at = excluded.updated_at
	`

	if _, err := tx.ExecContext(ctx, r.rebind(upsert),
		tenantID, customerKey, user,
		now, domain.AttemptSuccess, attempt.OrderID, attempt.Amount,
		domain.DefaultRetryBaseMs, domain.DefaultMaxRetryMs, now, now,
	); err != nil {
		return err
	}

	if err := r.insertAttempt(ctx, tx, tenantID, customerKey, attempt, now); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordLedgerFailure increments failure and retry counters atomically and
// schedules the next retry with pure exponential backoff.
func (r *SQLRepository) RecordLedgerFailure(ctx context.Context, tenantID, customerKey, user string, attempt *domain.RefundAttempt) error {
	if tenantID == "" || customerKey == "" {
		return fmt.Errorf("%w: tenantID and customerKey are required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO refund_ledger (
			tenant_id, customer_key, last_user, total_count, success_count, failure_count,
			last_refund_at, last_outcome, last_error_code, last_order_id, last_amount,
			retry_count, next_retry_at, retry_base_ms, max_retry_ms, created_at, updated_at
		) VALUES (?, ?, ?, 0, 0, 1, NULL, ?, ?, ?, ?, 1, NULL, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, customer_key) DO UPDATE SET
			failure_count = refund_ledger.failure_count + 1,
			retry_count = refund_ledger.retry_count + 1,
			last_user = excluded.last_user,
			last_outcome = excluded.last_outcome,
			last_error_code = excluded.last_error_code,
			updated_at = excluded.updated_at
		RETURNING retry_count, retry_base_ms, max_retry_ms
	`

	var retryCount, baseMs, maxMs int
	if err := tx.QueryRowContext(ctx, r.rebind(upsert),
		tenantID, customerKey, user,
		domain.AttemptFailure, attempt.ErrorCode, attempt.OrderID, attempt.Amount,
		domain.DefaultRetryBaseMs, domain.DefaultMaxRetryMs, now, now,
	).Scan(&retryCount, &baseMs, &maxMs); err != nil {
		return err
	}

	nextRetryAt := now.Add(domain.NextBackoff(retryCount, baseMs, maxMs))
	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE refund_ledger SET next_retry_at = ? WHERE tenant_id = ? AND customer_key = ?`),
		nextRetryAt, tenantID, customerKey,
	); err != nil {
		return err
	}

	if err := r.insertAttempt(ctx, tx, tenantID, customerKey, attempt, now); err != nil {
		return err
	}

	return tx.Commit()
}

// insertAttempt appends the attempt record and trims the history back down to
// the bounded size, evicting oldest-first.
func (r *SQLRepository) insertAttempt(ctx context.Context, tx *sql.Tx, tenantID, customerKey string, attempt *domain.RefundAttempt, now time.Time) error {
	id := attempt.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := attempt.At
	if at.IsZero() {
		at = now
	}

	partial := 0
	if attempt.Partial {
		partial = 1
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO ledger_attempts (
			id, tenant_id, customer_key, outcome, order_id, amount, partial,
			error_code, error_message, ruleset_id, rules_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		id, tenantID, customerKey, attempt.Outcome, attempt.OrderID, attempt.Amount, partial,
		attempt.ErrorCode, attempt.ErrorMessage, attempt.RuleSetID, attempt.RulesVersion, at,
	); err != nil {
		return err
	}

	trim := `
		DELETE FROM ledger_attempts
		WHERE tenant_id = ? AND customer_key = ? AND id NOT IN (
			SELECT id FROM ledger_attempts
			WHERE tenant_id = ? AND customer_key = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`
	_, err := tx.ExecContext(ctx, r.rebind(trim),
		tenantID, customerKey, tenantID, customerKey, domain.MaxLedgerAttempts)
	return err
}

// CreatePendingApproval stores a deferred refund request for human review.
func (r *SQLRepository) CreatePendingApproval(ctx context.Context, tenantID string, pa *domain.PendingApproval) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, _ := json.Marshal(pa.Payload)
	decision, _ := json.Marshal(pa.Decision)
	dctx, _ := json.Marshal(pa.Context)

	if pa.ID == "" {
		pa.ID = uuid.New().String()
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}
	pa.Status = domain.ApprovalPending

	query := `
		INSERT INTO pending_approvals (
			id, tenant_id, requester, payload, decision, context, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pa.ID, tenantID, pa.Requester, string(payload), string(decision), string(dctx),
		pa.Status, pa.CreatedAt,
	)
	return err
}

// GetPendingApproval retrieves a pending approval by ID with tenant isolation.
func (r *SQLRepository) GetPendingApproval(ctx context.Context, tenantID, id string) (*domain.PendingApproval, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, requester, payload, decision, context, status, resolved_by, resolved_at, created_at
		FROM pending_approvals
		WHERE tenant_id = ? AND id = ?
	`

	return r.scanApproval(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

func (r *SQLRepository) scanApproval(row rowScanner) (*domain.PendingApproval, error) {
	var pa domain.PendingApproval
	var payload, decision, dctx string
	var resolvedAt sql.NullTime

	err := row.Scan(&pa.ID, &pa.TenantID, &pa.Requester, &payload, &decision, &dctx,
		&pa.Status, &pa.ResolvedBy, &resolvedAt, &pa.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if resolvedAt.Valid {
		t := resolvedAt.Time
		pa.ResolvedAt = &t
	}
	json.Unmarshal([]byte(payload), &pa.Payload)
	json.Unmarshal([]byte(decision), &pa.Decision)
	json.Unmarshal([]byte(dctx), &pa.Context)

	return &pa, nil
}

// ResolvePendingApproval transitions PENDING to the given status exactly once.
// A second resolution attempt fails with ErrApprovalResolved.
func (r *SQLRepository) ResolvePendingApproval(ctx context.Context, tenantID, id, status, resolvedBy string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if status != domain.ApprovalApproved && status != domain.ApprovalDenied {
		return fmt.Errorf("%w: invalid resolution status %q", ErrInvalidInput, status)
	}

	query := `
		UPDATE pending_approvals
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		status, resolvedBy, time.Now().UTC(), tenantID, id, domain.ApprovalPending)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing from already-resolved.
		if _, err := r.GetPendingApproval(ctx, tenantID, id); err != nil {
			return err
		}
		return domain.ErrApprovalResolved
	}
	return nil
}

// ListPendingApprovals returns approvals newest-first, optionally filtered by
// status.
func (r *SQLRepository) ListPendingApprovals(ctx context.Context, tenantID, status string, limit int) ([]*domain.PendingApproval, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, requester, payload, decision, context, status, resolved_by, resolved_at, created_at
		FROM pending_approvals
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PendingApproval
	for rows.Next() {
		pa, err := r.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
