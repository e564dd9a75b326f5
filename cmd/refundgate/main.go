// RefundGate - Policy-gated refund processing for commerce support teams.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merchantops/refundgate/internal/api"
	"github.com/merchantops/refundgate/internal/bus"
	"github.com/merchantops/refundgate/internal/cache"
	"github.com/merchantops/refundgate/internal/commerce"
	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/facts"
	"github.com/merchantops/refundgate/internal/ledger"
	"github.com/merchantops/refundgate/internal/refund"
	"github.com/merchantops/refundgate/internal/repository"
	"github.com/merchantops/refundgate/internal/rules"
	"github.com/merchantops/refundgate/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("REFUNDGATE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting refundgate",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("REFUNDGATE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Tenant registry
	tenants, err := loadTenants()
	if err != nil {
		slog.Error("failed to load tenant configuration", "error", err)
		os.Exit(1)
	}

	// Commerce platform client
	commerceClient := commerce.NewClient()
	if base := os.Getenv("REFUNDGATE_COMMERCE_BASE_URL"); base != "" {
		commerceClient = commerce.NewClient(commerce.WithBaseURL(base))
	}

	// Loyalty service client (optional; cashback facts degrade without it)
	var loyalty domain.LoyaltyClient
	if lc := commerce.NewLoyaltyClient(os.Getenv("REFUNDGATE_LOYALTY_URL"), os.Getenv("REFUNDGATE_LOYALTY_API_KEY")); lc != nil {
		loyalty = lc
		slog.Info("loyalty client initialized")
	}

	// Decision pipeline
	ruleCache := rules.NewRuleSetCache(repo, cacheImpl, cfg.Engine.RuleCacheTTL, logger)
	builder := facts.NewBuilder(ruleCache, repo, commerceClient, loyalty, cfg.Engine.ExternalCallTimeout, logger)
	ledgerSvc := ledger.NewService(repo, cacheImpl, cfg.Engine.IdempotencyTTL, logger)
	pool := worker.NewPool(cfg.Engine.PreviewConcurrency, 0, 0, logger)

	svc := refund.NewService(tenants, builder, ruleCache, repo, ledgerSvc, commerceClient, busImpl, pool, logger)
	slog.Info("refund service initialized")

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, repo, cacheImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("refundgate is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("refundgate shutdown complete")
}

// loadTenants builds the tenant resolver. REFUNDGATE_TENANTS_FILE points at a
// JSON array of tenant records for multi-shop deployments; otherwise the
// single-shop env variables apply.
func loadTenants() (domain.TenantResolver, error) {
	if path := os.Getenv("REFUNDGATE_TENANTS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tenants file: %w", err)
		}

		var list []*domain.Tenant
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parse tenants file: %w", err)
		}

		registry := make(refund.StaticTenantResolver, len(list))
		for _, t := range list {
			registry[t.ID] = t
		}
		slog.Info("tenant registry loaded", "tenants", len(registry))
		return registry, nil
	}

	tenant := &domain.Tenant{
		ID:          envOr("REFUNDGATE_TENANT_ID", "default"),
		ShopDomain:  os.Getenv("REFUNDGATE_SHOP_DOMAIN"),
		APIVersion:  os.Getenv("REFUNDGATE_API_VERSION"),
		AccessToken: os.Getenv("REFUNDGATE_ACCESS_TOKEN"),
	}
	slog.Info("single-tenant mode", "tenant_id", tenant.ID, "shop_domain", tenant.ShopDomain)
	return refund.SingleTenantResolver{Tenant: tenant}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Printf("  RefundGate %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /refunds                 - Execute a policy-gated refund")
	fmt.Println("    POST   /refunds/evaluate        - Evaluate without executing")
	fmt.Println("    POST   /refunds/preview-batch   - Preview a batch of candidates")
	fmt.Println("    GET    /rulesets/active         - Get the active ruleset")
	fmt.Println("    POST   /rulesets                - Publish a new ruleset version")
	fmt.Println("    DELETE /rulesets/active         - Deactivate the active ruleset")
	fmt.Println("    GET    /rulesets/versions       - List ruleset history")
	fmt.Println("    GET    /approvals               - List pending approvals")
	fmt.Println("    POST   /approvals/{id}/approve  - Approve a captured refund")
	fmt.Println("    POST   /approvals/{id}/deny     - Deny a captured refund")
	fmt.Println("    GET    /ledger/{customerKey}    - Customer refund ledger")
	fmt.Println("    GET    /health                  - Health check")
	fmt.Println()
}
