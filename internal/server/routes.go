package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rreusch2/parleyapp-entitlements/internal/billing"
	"github.com/rreusch2/parleyapp-entitlements/internal/catalog"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/notify"
	"github.com/rreusch2/parleyapp-entitlements/internal/purchase"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
	"github.com/rreusch2/parleyapp-entitlements/internal/sweep"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Store     *store.Store
	Catalog   *catalog.Catalog
	Resolver  *entitlement.Service
	Purchases *purchase.Service
	Ingestor  *billing.Ingestor
	Sweeper   *sweep.Sweeper
	Hub       *notify.Hub
	Version   string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return adminKeyMiddleware(deps.Config.AdminKey, next)
	}
	limiter := NewRateLimiter(deps.Config.RateLimit, deps.Config.RateWindow)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))

	// Metrics are private by default.
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	// Client API.
	mux.HandleFunc("GET /api/entitlement/{account_id}", handleGetEntitlement(deps))
	mux.Handle("POST /api/purchases/verify", limiter.Middleware(handleVerifyPurchase(deps)))
	mux.Handle("POST /api/purchases/restore", limiter.Middleware(handleRestorePurchases(deps)))

	// Billing platform notifications.
	mux.Handle("POST /api/webhooks/{platform}", limiter.Middleware(handleWebhook(deps)))

	// Realtime sync.
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws/entitlement/{account_id}", func(w http.ResponseWriter, r *http.Request) {
			deps.Hub.ServeWS(w, r, r.PathValue("account_id"))
		})
	}

	// Admin API (key-authenticated).
	mux.Handle("POST /admin/grants", adminAuth(handleAdminCreateGrant(deps)))
	mux.Handle("GET /admin/grants/{grant_id}/audit", adminAuth(handleAdminGrantAudit(deps)))
	mux.Handle("GET /admin/events/unmatched", adminAuth(handleAdminUnmatchedEvents(deps)))
	mux.Handle("POST /admin/sweep", adminAuth(handleAdminSweep(deps)))
}
