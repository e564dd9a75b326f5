package refund

import (
	"context"
	"fmt"

	"github.com/merchantops/refundgate/internal/domain"
)

// StaticTenantResolver resolves tenants from an in-memory registry. Suitable
// for Community tier deployments where the tenant set is configured at boot.
type StaticTenantResolver map[string]*domain.Tenant

// Resolve implements domain.TenantResolver.
func (r StaticTenantResolver) Resolve(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if t, ok := r[tenantID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
}

// SingleTenantResolver answers every lookup with one fixed tenant, for
// single-shop deployments. A mismatched id is rejected rather than silently
// served another tenant's data.
type SingleTenantResolver struct {
	Tenant *domain.Tenant
}

// Resolve implements domain.TenantResolver.
func (r SingleTenantResolver) Resolve(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if tenantID != "" && tenantID != r.Tenant.ID {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantMismatch, tenantID)
	}
	return r.Tenant, nil
}
