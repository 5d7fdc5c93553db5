// Package server wires the entitlement service: storage, resolution,
// purchase verification, billing ingestion, the expiry sweep, and the HTTP
// surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/billing"
	"github.com/rreusch2/parleyapp-entitlements/internal/catalog"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/logging"
	"github.com/rreusch2/parleyapp-entitlements/internal/notify"
	"github.com/rreusch2/parleyapp-entitlements/internal/purchase"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
	"github.com/rreusch2/parleyapp-entitlements/internal/sweep"
)

// Run starts the entitlement service with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})
	log.Info().Str("version", version).Msg("Starting entitlement service")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load product catalog: %w", err)
	}
	if err := cat.Watch(); err != nil {
		log.Warn().Err(err).Msg("Catalog hot-reload unavailable")
	} else {
		defer cat.Close()
	}
	log.Info().Int("products", cat.Len()).Str("path", cfg.CatalogPath).Msg("Product catalog loaded")

	hub := notify.NewHub(entitlementSnapshot(st))
	resolver := entitlement.NewService(st, hub)
	purchases := purchase.NewService(st, cat, resolver, verifiers(cfg), cfg.VerifyTimeout)
	ingestor := billing.NewIngestor(st, resolver)
	sweeper := sweep.New(st, resolver, ingestor, cfg.SweepInterval)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:    cfg,
		Store:     st,
		Catalog:   cat,
		Resolver:  resolver,
		Purchases: purchases,
		Ingestor:  ingestor,
		Sweeper:   sweeper,
		Hub:       hub,
		Version:   version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go hub.Run(ctx)
	go sweeper.Run(ctx)

	go func() {
		log.Info().Str("addr", addr).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Entitlement service stopped")
	return nil
}

// verifiers builds the billing platform verifier set from config. Google is
// optional; Apple is always configured because the shared secret is required.
func verifiers(cfg *Config) map[string]purchase.ReceiptVerifier {
	client := &http.Client{Timeout: cfg.VerifyTimeout}

	set := map[string]purchase.ReceiptVerifier{
		"apple": &purchase.AppleVerifier{
			ProductionURL: cfg.AppleVerifyURL,
			SandboxURL:    cfg.AppleSandboxURL,
			SharedSecret:  cfg.AppleSharedSecret,
			Client:        client,
		},
	}
	if cfg.GoogleVerifyURL != "" {
		set["google"] = &purchase.GoogleVerifier{VerifyURL: cfg.GoogleVerifyURL, Client: client}
	} else {
		log.Warn().Msg("ENT_GOOGLE_VERIFY_URL not set; google purchases disabled")
	}
	return set
}

// entitlementSnapshot serves the cached state to freshly connected sync
// clients.
func entitlementSnapshot(st *store.Store) func(accountID string) (any, error) {
	return func(accountID string) (any, error) {
		account, err := st.GetAccount(accountID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return entitlement.Update{
				AccountID: accountID,
				Tier:      store.TierFree,
				Features:  entitlement.FeaturesForTier(store.TierFree),
			}, nil
		}
		update := entitlement.Update{
			AccountID: account.ID,
			Tier:      account.Tier,
			Features:  entitlement.FeaturesForTier(account.Tier),
		}
		if account.LastResolvedAt != nil {
			update.LastResolvedAt = *account.LastResolvedAt
		}
		return update, nil
	}
}
