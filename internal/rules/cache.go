package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/repository"
)

// DefaultRuleSetTTL bounds how stale a cached ruleset can get when an
// invalidation is missed (e.g. a platform-default publish on another node).
const DefaultRuleSetTTL = 60 * time.Second

const activeRuleSetKey = "rules:active"

// RuleSetCache is the read-through cache in front of the ruleset store.
// Lookups resolve the tenant-specific active ruleset with platform fallback;
// a tenant with no ruleset at all yields (nil, nil) so the caller can apply
// the built-in defaults. Publish and deactivate must call Invalidate
// synchronously; the TTL alone is not the invalidation mechanism.
//
// Compiled custom-rule programs are memoized per ruleset ID. Rulesets are
// immutable once published, so the memo never needs invalidation.
type RuleSetCache struct {
	repo   domain.Repository
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	programs map[string][]CompiledCustomRule
}

// NewRuleSetCache creates a ruleset cache over the given store and cache.
func NewRuleSetCache(repo domain.Repository, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *RuleSetCache {
	if ttl <= 0 {
		ttl = DefaultRuleSetTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleSetCache{
		repo:     repo,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		programs: make(map[string][]CompiledCustomRule),
	}
}

// cachedRuleSet distinguishes a cached "tenant has no ruleset" answer from a
// cache miss.
type cachedRuleSet struct {
	RuleSet *domain.RuleSet `json:"ruleSet"`
}

// Active returns the active ruleset for the tenant (falling back to the
// platform default), or (nil, nil) when neither exists. Store errors other
// than not-found surface as ErrConfigUnavailable.
func (c *RuleSetCache) Active(ctx context.Context, tenantID string) (*domain.RuleSet, error) {
	if raw, err := c.cache.Get(ctx, tenantID, activeRuleSetKey); err != nil {
		c.logger.Warn("ruleset cache read failed, falling through to store",
			"tenant_id", tenantID, "error", err)
	} else if raw != nil {
		var entry cachedRuleSet
		if err := json.Unmarshal(raw, &entry); err == nil {
			return entry.RuleSet, nil
		}
		c.logger.Warn("dropping corrupt ruleset cache entry", "tenant_id", tenantID)
		_ = c.cache.Delete(ctx, tenantID, activeRuleSetKey)
	}

	rs, err := c.repo.ActiveRuleSet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.store(ctx, tenantID, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigUnavailable, err)
	}

	c.store(ctx, tenantID, rs)
	return rs, nil
}

func (c *RuleSetCache) store(ctx context.Context, tenantID string, rs *domain.RuleSet) {
	raw, err := json.Marshal(cachedRuleSet{RuleSet: rs})
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, tenantID, activeRuleSetKey, raw, c.ttl); err != nil {
		c.logger.Warn("ruleset cache write failed", "tenant_id", tenantID, "error", err)
	}
}

// Invalidate drops the cached entry for the tenant. Called synchronously from
// publish and deactivate.
func (c *RuleSetCache) Invalidate(ctx context.Context, tenantID string) {
	if err := c.cache.Delete(ctx, tenantID, activeRuleSetKey); err != nil {
		c.logger.Warn("ruleset cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

// Programs returns the compiled custom rules for a ruleset, compiling and
// memoizing on first use. Rulesets are keyed by their immutable id.
func (c *RuleSetCache) Programs(ruleSetID string, customRules []domain.CustomRule) ([]CompiledCustomRule, error) {
	if ruleSetID == "" || len(customRules) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if compiled, ok := c.programs[ruleSetID]; ok {
		return compiled, nil
	}

	compiled, err := CompileCustomRules(customRules)
	if err != nil {
		return nil, err
	}
	c.programs[ruleSetID] = compiled
	return compiled, nil
}
