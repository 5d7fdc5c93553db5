package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/purchase"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
	"github.com/rreusch2/parleyapp-entitlements/internal/sweep"
)

const maxBodyBytes = 64 * 1024

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := st.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type entitlementResponse struct {
	AccountID         string                 `json:"account_id"`
	Tier              store.Tier             `json:"tier"`
	Features          entitlement.FeatureSet `json:"features"`
	LastResolvedAt    *time.Time             `json:"last_resolved_at,omitempty"`
	PastDue           bool                   `json:"past_due"`
	NeedsRevalidation bool                   `json:"needs_revalidation"`
}

// handleGetEntitlement serves the cached resolution, resolving first when the
// account is new or the cache has gone stale.
func handleGetEntitlement(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.PathValue("account_id"))
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "account id required")
			return
		}

		account, err := deps.Store.GetAccount(accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		now := time.Now().UTC()
		stale := account == nil || account.LastResolvedAt == nil ||
			now.Sub(*account.LastResolvedAt) > deps.Config.StaleAfter
		if stale {
			if _, err := deps.Resolver.ResolveAccount(accountID, now); err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			account, err = deps.Store.GetAccount(accountID)
			if err != nil || account == nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		writeJSON(w, http.StatusOK, entitlementResponse{
			AccountID:         account.ID,
			Tier:              account.Tier,
			Features:          entitlement.FeaturesForTier(account.Tier),
			LastResolvedAt:    account.LastResolvedAt,
			PastDue:           account.PastDue,
			NeedsRevalidation: account.LastResolvedAt == nil || now.Sub(*account.LastResolvedAt) > deps.Config.StaleAfter,
		})
	}
}

func handleVerifyPurchase(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purchase.VerifyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.AccountID == "" || req.ProductID == "" || req.TransactionID == "" || req.Receipt == "" || req.Platform == "" {
			writeError(w, http.StatusBadRequest, "platform, account_id, product_id, transaction_id, receipt are required")
			return
		}

		result, err := deps.Purchases.Verify(r.Context(), req)
		if err != nil {
			writePurchaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleRestorePurchases(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purchase.RestoreRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.AccountID == "" || req.ProductID == "" || req.Receipt == "" || req.Platform == "" {
			writeError(w, http.StatusBadRequest, "platform, account_id, product_id, receipt are required")
			return
		}

		result, err := deps.Purchases.Restore(r.Context(), req)
		if err != nil {
			writePurchaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writePurchaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, purchase.ErrUnknownProduct):
		writeError(w, http.StatusNotFound, "unknown product")
	case errors.Is(err, purchase.ErrUpstreamTimeout):
		writeError(w, http.StatusGatewayTimeout, "billing platform timeout")
	case errors.Is(err, purchase.ErrVerificationFailed):
		writeError(w, http.StatusPaymentRequired, "receipt verification failed")
	default:
		log.Error().Err(err).Msg("Purchase verification error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleWebhook stores and applies a platform billing notification. The
// response is 200 whenever the event has been durably stored, even if it
// could not be applied yet; unapplied events park for reconciliation.
func handleWebhook(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := strings.TrimSpace(r.PathValue("platform"))
		if platform == "" {
			writeError(w, http.StatusBadRequest, "platform required")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		if err := deps.Ingestor.Ingest(platform, body); err != nil {
			// Malformed payloads are the caller's fault; anything past
			// parsing has been stored and will be retried here or by the
			// reconciliation pass.
			log.Warn().Err(err).Str("platform", platform).Msg("Webhook ingest failed")
			writeError(w, http.StatusBadRequest, "invalid event")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

// adminGrantRequest is the internal promotion RPC body. Only the promotional
// grant kinds can be issued this way; purchase-backed kinds must come through
// verification.
type adminGrantRequest struct {
	AccountID string          `json:"account_id"`
	Kind      store.GrantKind `json:"kind"`
	Tier      store.Tier      `json:"tier"`
	Duration  string          `json:"duration"`
	Note      string          `json:"note,omitempty"`
}

func handleAdminCreateGrant(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adminGrantRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.AccountID == "" {
			writeError(w, http.StatusBadRequest, "account_id required")
			return
		}

		switch req.Kind {
		case store.KindTemporaryUpgrade:
			if req.Tier != store.TierPro && req.Tier != store.TierElite {
				writeError(w, http.StatusBadRequest, "temporary upgrade tier must be pro or elite")
				return
			}
		case store.KindWelcomeBonus:
			// A welcome bonus never confers a paid tier.
			req.Tier = store.TierFree
		default:
			writeError(w, http.StatusBadRequest, "kind must be temporary_upgrade or welcome_bonus")
			return
		}

		duration, err := time.ParseDuration(req.Duration)
		if err != nil || duration <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive Go duration")
			return
		}

		if _, err := deps.Store.EnsureAccount(req.AccountID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		now := time.Now().UTC()
		end := now.Add(duration)
		grant := &store.Grant{
			AccountID: req.AccountID,
			Kind:      req.Kind,
			Tier:      req.Tier,
			State:     store.GrantStateActive,
			StartAt:   now,
			EndAt:     &end,
			Platform:  "internal",
		}
		if err := deps.Store.CreateGrant(grant); err != nil {
			log.Error().Err(err).Str("account_id", req.AccountID).Msg("Failed to create promotional grant")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		outcome, err := deps.Resolver.ResolveAccount(req.AccountID, now)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		log.Info().
			Str("account_id", req.AccountID).
			Str("kind", string(req.Kind)).
			Str("tier", string(outcome.Tier)).
			Msg("Promotional grant issued")

		writeJSON(w, http.StatusCreated, map[string]any{
			"grant":    grant,
			"tier":     outcome.Tier,
			"features": outcome.Features,
		})
	}
}

func handleAdminGrantAudit(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grantID := strings.TrimSpace(r.PathValue("grant_id"))
		grant, err := deps.Store.GetGrant(grantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if grant == nil {
			writeError(w, http.StatusNotFound, "grant not found")
			return
		}

		entries, err := deps.Store.ListAudit(grantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entries == nil {
			entries = []*store.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"grant": grant,
			"audit": entries,
			"count": len(entries),
		})
	}
}

func handleAdminUnmatchedEvents(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		events, err := deps.Store.ListUnmatchedEvents(500)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if events == nil {
			events = []*store.WebhookEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
	}
}

func handleAdminSweep(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sweeper.RunOnce(r.Context()); err != nil {
			if errors.Is(err, sweep.ErrAlreadyRunning) {
				writeError(w, http.StatusConflict, "sweep already running")
				return
			}
			log.Error().Err(err).Msg("Manual sweep failed")
			writeError(w, http.StatusInternalServerError, "sweep failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
	}
}

// adminKeyMiddleware requires a valid admin API key via X-Admin-Key or
// Authorization: Bearer.
func adminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || key != adminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
