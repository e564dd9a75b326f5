// Package domain defines the core types and interfaces for RefundGate.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation; the
// ruleset reads additionally fall back to PlatformTenantID.
type Repository interface {
	// Ruleset store. PublishRuleSet atomically deactivates the current active
	// version and inserts the new one with version = max+1; a concurrent
	// publish never leaves two (or zero) active rulesets mid-flight.
	ActiveRuleSet(ctx context.Context, tenantID string) (*RuleSet, error)
	PublishRuleSet(ctx context.Context, tenantID string, rules RulesPayload, createdBy string) (*RuleSet, error)
	DeactivateRuleSet(ctx context.Context, tenantID string) error
	ListRuleSetVersions(ctx context.Context, tenantID string, limit int) ([]*RuleSet, error)

	// Refund ledger. Counter updates are atomic upsert-with-increment at the
	// storage layer, never read-modify-write in application code.
	LedgerEntry(ctx context.Context, tenantID, customerKey string) (*RefundLedgerEntry, error)
	RecordLedgerSuccess(ctx context.Context, tenantID, customerKey, user string, attempt *RefundAttempt) error
	RecordLedgerFailure(ctx context.Context, tenantID, customerKey, user string, attempt *RefundAttempt) error

	// Pending approvals. ResolvePendingApproval transitions PENDING exactly
	// once; resolving an already-resolved approval fails with ErrApprovalResolved.
	CreatePendingApproval(ctx context.Context, tenantID string, pa *PendingApproval) error
	GetPendingApproval(ctx context.Context, tenantID, id string) (*PendingApproval, error)
	ResolvePendingApproval(ctx context.Context, tenantID, id, status, resolvedBy string) error
	ListPendingApprovals(ctx context.Context, tenantID, status string, limit int) ([]*PendingApproval, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
