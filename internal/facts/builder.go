package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/repository"
	"github.com/merchantops/refundgate/internal/rules"
)

// recentOrdersCap bounds how many of the customer's orders are scanned when
// counting today's refund attempts.
const recentOrdersCap = 10

// Builder assembles a DecisionContext from the ruleset cache, the refund
// ledger and the external commerce/loyalty services. Rule and order
// resolution are required; every other fact degrades per the fallback
// policy table instead of failing the build.
type Builder struct {
	ruleCache   *rules.RuleSetCache
	ledger      LedgerReader
	commerce    domain.CommerceClient
	loyalty     domain.LoyaltyClient // nil when the tenant has no loyalty integration
	callTimeout time.Duration
	logger      *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// LedgerReader is the slice of the repository the builder needs.
type LedgerReader interface {
	LedgerEntry(ctx context.Context, tenantID, customerKey string) (*domain.RefundLedgerEntry, error)
}

// NewBuilder creates a context builder.
func NewBuilder(ruleCache *rules.RuleSetCache, ledger LedgerReader, commerce domain.CommerceClient, loyalty domain.LoyaltyClient, callTimeout time.Duration, logger *slog.Logger) *Builder {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		ruleCache:   ruleCache,
		ledger:      ledger,
		commerce:    commerce,
		loyalty:     loyalty,
		callTimeout: callTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Build resolves all facts for the request. The returned context is complete
// and immutable; the evaluator never performs I/O of its own.
func (b *Builder) Build(ctx context.Context, tenant *domain.Tenant, actor domain.Actor, req *domain.RefundRequest) (*domain.DecisionContext, error) {
	if req.Phone == "" && req.OrderID == "" {
		return nil, fmt.Errorf("%w: phone or orderId is required", domain.ErrInvalidRequest)
	}

	// Required: the active ruleset (with platform fallback). A tenant with no
	// ruleset at all runs on the built-in defaults.
	rs, err := b.ruleCache.Active(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	dc := &domain.DecisionContext{
		TenantID:        tenant.ID,
		Rules:           domain.DefaultRulesPayload(),
		Actor:           actor,
		RequestedAmount: req.Amount,
		Partial:         req.Partial(),
	}
	if rs != nil {
		dc.RuleSetID = rs.ID
		dc.RulesVersion = rs.Version
		dc.Rules = rs.Rules
	}

	// Best-effort customer resolution from phone.
	var customer *domain.Customer
	if req.Phone != "" {
		customer, err = b.findCustomer(ctx, tenant, req.Phone)
		if err != nil {
			b.degrade(&dc.Meta, FactCustomer, err)
		}
	}

	// Required: the target order, by id or the customer's most recent.
	order, err := b.resolveOrder(ctx, tenant, req.OrderID, customer)
	if err != nil {
		return nil, err
	}
	dc.Order = order

	if req.Amount > 0 && order.Total > 0 {
		pct := req.Amount / order.Total * 100
		dc.RequestedPercent = &pct
	}

	dc.Meta.CustomerKey = customerKey(req, order)
	if days := daysSinceDelivery(order, b.now()); days != nil {
		dc.Meta.DaysSinceDelivery = days
	}

	// The remaining facts are independent reads.
	var wg sync.WaitGroup
	var mu sync.Mutex // guards dc.Meta

	wg.Add(1)
	go func() {
		defer wg.Done()
		refunded, err := b.alreadyRefunded(ctx, tenant, order.ID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			b.degrade(&dc.Meta, FactAlreadyRefunded, err)
			return
		}
		dc.Meta.AlreadyRefunded = refunded
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if customer == nil {
			return // no customer, count stays 0
		}
		count, err := b.attemptsToday(ctx, tenant, customer.ID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			b.degrade(&dc.Meta, FactAttemptsToday, err)
			return
		}
		dc.Meta.AttemptsToday = count
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		key := customerKey(req, order)
		count, err := b.lifetimeCount(ctx, tenant.ID, key)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			b.degrade(&dc.Meta, FactLifetimeCount, err)
			return
		}
		dc.Meta.LifetimeRefundCount = count
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if b.loyalty == nil || customer == nil {
			return // cashback facts stay nil
		}
		balance, spent, err := b.cashback(ctx, tenant, customer.ID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			b.degrade(&dc.Meta, FactCashback, err)
			return
		}
		dc.Meta.CashbackBalance = balance
		dc.Meta.CashbackSpent = spent
	}()

	wg.Wait()

	return dc, nil
}

func (b *Builder) degrade(meta *domain.ContextMeta, fact string, err error) {
	degrade(meta, fact)
	level := slog.LevelDebug
	if fallbacks[fact].failClosed {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "fact lookup degraded to fallback",
		"fact", fact, "fail_closed", fallbacks[fact].failClosed, "error", err)
}

func (b *Builder) findCustomer(ctx context.Context, tenant *domain.Tenant, phone string) (*domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	return b.commerce.FindCustomerByPhone(ctx, tenant, phone)
}

func (b *Builder) resolveOrder(ctx context.Context, tenant *domain.Tenant, orderID string, customer *domain.Customer) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	if orderID != "" {
		order, err := b.commerce.GetOrder(ctx, tenant, orderID)
		if err != nil || order == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return order, nil
	}

	if customer == nil {
		return nil, fmt.Errorf("%w: customer not resolved and no orderId given", domain.ErrOrderNotFound)
	}

	orders, err := b.commerce.ListOrdersForCustomer(ctx, tenant, customer.ID, nil)
	if err != nil || len(orders) == 0 {
		return nil, fmt.Errorf("%w: customer %s has no orders", domain.ErrOrderNotFound, customer.ID)
	}

	latest := orders[0]
	for _, o := range orders[1:] {
		if o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	return latest, nil
}

// alreadyRefunded reports whether the order carries a refund with at least
// one recorded transaction.
func (b *Builder) alreadyRefunded(ctx context.Context, tenant *domain.Tenant, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	refunds, err := b.commerce.ListRefundsForOrder(ctx, tenant, orderID)
	if err != nil {
		return false, err
	}
	for _, r := range refunds {
		if r.Transactions > 0 {
			return true, nil
		}
	}
	return false, nil
}

// attemptsToday counts refunds created since local midnight across the
// customer's most recent orders.
func (b *Builder) attemptsToday(ctx context.Context, tenant *domain.Tenant, customerID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	orders, err := b.commerce.ListOrdersForCustomer(ctx, tenant, customerID, nil)
	if err != nil {
		return 0, err
	}
	if len(orders) > recentOrdersCap {
		orders = orders[:recentOrdersCap]
	}

	midnight := localMidnight(b.now())
	count := 0
	for _, o := range orders {
		refunds, err := b.commerce.ListRefundsForOrder(ctx, tenant, o.ID)
		if err != nil {
			return 0, err
		}
		for _, r := range refunds {
			if !r.CreatedAt.Before(midnight) {
				count++
			}
		}
	}
	return count, nil
}

func (b *Builder) lifetimeCount(ctx context.Context, tenantID, customerKey string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	entry, err := b.ledger.LedgerEntry(ctx, tenantID, customerKey)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil // first-time customer, not a degradation
	}
	if err != nil {
		return 0, err
	}
	return entry.SuccessCount, nil
}

func (b *Builder) cashback(ctx context.Context, tenant *domain.Tenant, customerID string) (*float64, *float64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	balance, err := b.loyalty.GetCreditBalance(ctx, tenant, customerID)
	if err != nil || balance == nil {
		return nil, nil, err
	}
	return &balance.Credits, &balance.TotalSpentCredits, nil
}

// customerKey derives the canonical ledger key: phone when given, otherwise
// the order's customer id.
func customerKey(req *domain.RefundRequest, order *domain.Order) string {
	if req.Phone != "" {
		return domain.CustomerKeyFromPhone(req.Phone)
	}
	return "customer:" + order.CustomerID
}

// daysSinceDelivery resolves the delivery timestamp as the latest of any
// fulfillment's delivered/updated/created time, falling back to the order's
// creation time, and floors the elapsed time to whole days.
func daysSinceDelivery(order *domain.Order, now time.Time) *int {
	var delivered time.Time
	for _, f := range order.Fulfillments {
		for _, ts := range []*time.Time{f.DeliveredAt, f.UpdatedAt, f.CreatedAt} {
			if ts != nil && ts.After(delivered) {
				delivered = *ts
			}
		}
	}
	if delivered.IsZero() {
		delivered = order.CreatedAt
	}
	if delivered.IsZero() || delivered.After(now) {
		return nil
	}

	days := int(now.Sub(delivered).Hours() / 24)
	return &days
}

func localMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
