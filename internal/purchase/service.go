package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/catalog"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/metrics"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

const concurrentRetryLimit = 3

// VerifyRequest is a client-submitted purchase awaiting platform verification.
type VerifyRequest struct {
	Platform      string `json:"platform"`
	AccountID     string `json:"account_id"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Receipt       string `json:"receipt"`
}

// VerifyResult reports the entitlement state after a verified purchase.
type VerifyResult struct {
	Tier      store.Tier             `json:"tier"`
	Features  entitlement.FeatureSet `json:"features"`
	GrantID   string                 `json:"grant_id,omitempty"`
	Duplicate bool                   `json:"duplicate"`
}

// Service verifies purchases with the billing platforms and converts them
// into grants.
type Service struct {
	store     *store.Store
	catalog   *catalog.Catalog
	resolver  *entitlement.Service
	verifiers map[string]ReceiptVerifier
	timeout   time.Duration
}

// NewService wires a purchase verification service. Verifiers are keyed by
// platform name ("apple", "google").
func NewService(st *store.Store, cat *catalog.Catalog, resolver *entitlement.Service, verifiers map[string]ReceiptVerifier, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:     st,
		catalog:   cat,
		resolver:  resolver,
		verifiers: verifiers,
		timeout:   timeout,
	}
}

// Verify runs the full purchase flow: catalog lookup, platform verification,
// idempotent grant creation, and entitlement re-resolution. Verification
// failures never create grants.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	started := time.Now()
	result, err := s.verify(ctx, req)
	outcome := "verified"
	if err != nil {
		outcome = classifyOutcome(err)
	} else if result.Duplicate {
		outcome = "duplicate"
	}
	metrics.VerifyRequestsTotal.WithLabelValues(req.Platform, outcome).Inc()
	metrics.VerifyDuration.WithLabelValues(req.Platform).Observe(time.Since(started).Seconds())
	return result, err
}

func (s *Service) verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	entry, ok := s.catalog.Lookup(req.ProductID)
	if !ok {
		return nil, fmt.Errorf("product %q: %w", req.ProductID, ErrUnknownProduct)
	}

	verifier, ok := s.verifiers[req.Platform]
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", req.Platform, ErrVerificationFailed)
	}

	// Replay fast path: a transaction we have already verified returns the
	// current entitlement state without touching the platform again.
	existing, err := s.store.GetTransaction(req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("check transaction: %w", err)
	}
	if existing != nil {
		return s.duplicateResult(req.AccountID, existing)
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vres, err := verifier.Verify(vctx, req.ProductID, req.Receipt)
	if err != nil {
		if errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("platform %s: %w", req.Platform, ErrUpstreamTimeout)
		}
		return nil, err
	}
	if !vres.Valid {
		return nil, fmt.Errorf("platform %s rejected receipt: %w", req.Platform, ErrVerificationFailed)
	}

	if _, err := s.store.EnsureAccount(req.AccountID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	// Claim the transaction. Losing the claim means a concurrent request
	// already handled this purchase.
	created, err := s.store.InsertTransaction(&store.Transaction{
		TransactionID: req.TransactionID,
		AccountID:     req.AccountID,
		Platform:      req.Platform,
		ProductID:     req.ProductID,
		Status:        store.TransactionVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	if !created {
		claimed, err := s.store.GetTransaction(req.TransactionID)
		if err != nil || claimed == nil {
			return nil, fmt.Errorf("load claimed transaction: %w", err)
		}
		return s.duplicateResult(req.AccountID, claimed)
	}

	grantID, err := s.applyGrant(req, entry, vres)
	if err != nil {
		// Release the claim; leaving the row would settle the purchase as a
		// duplicate on retry without any grant ever existing.
		if delErr := s.store.DeleteTransaction(req.TransactionID); delErr != nil {
			log.Error().Err(delErr).Str("transaction_id", req.TransactionID).Msg("Failed to release transaction claim")
		}
		return nil, err
	}
	if grantID != "" {
		if err := s.store.SetTransactionGrant(req.TransactionID, grantID); err != nil {
			log.Warn().Err(err).Str("transaction_id", req.TransactionID).Msg("Failed to link transaction to grant")
		}
	}

	outcome, err := s.resolver.ResolveAccount(req.AccountID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve after purchase: %w", err)
	}

	log.Info().
		Str("account_id", req.AccountID).
		Str("product_id", req.ProductID).
		Str("platform", req.Platform).
		Str("tier", string(outcome.Tier)).
		Msg("Purchase verified")

	return &VerifyResult{Tier: outcome.Tier, Features: outcome.Features, GrantID: grantID}, nil
}

// applyGrant converts a verified purchase into a grant according to the
// catalog plan type.
func (s *Service) applyGrant(req VerifyRequest, entry catalog.Entry, vres *VerificationResult) (string, error) {
	now := time.Now().UTC()

	switch entry.PlanType {
	case catalog.PlanDayPass:
		end := now.Add(entry.Duration)
		return s.createGrant(req, entry, store.KindLegacyDayPass, now, &end)

	case catalog.PlanTemporaryUpgrade:
		end := now.Add(entry.Duration)
		return s.createGrant(req, entry, store.KindTemporaryUpgrade, now, &end)

	case catalog.PlanRecurring:
		if vres.ExpiresAt == nil {
			return "", fmt.Errorf("platform reported no expiry for recurring product %q: %w", entry.ProductID, ErrVerificationFailed)
		}
		return s.upsertBaseSubscription(req, entry, now, vres.ExpiresAt)

	case catalog.PlanLifetime:
		return s.createGrant(req, entry, store.KindBaseSubscription, now, nil)

	default:
		return "", fmt.Errorf("catalog plan %q: %w", entry.PlanType, ErrUnknownProduct)
	}
}

func (s *Service) createGrant(req VerifyRequest, entry catalog.Entry, kind store.GrantKind, start time.Time, end *time.Time) (string, error) {
	grant := &store.Grant{
		AccountID:     req.AccountID,
		Kind:          kind,
		Tier:          entry.Tier,
		State:         store.GrantStateActive,
		StartAt:       start,
		EndAt:         end,
		Platform:      req.Platform,
		TransactionID: req.TransactionID,
	}
	if err := s.store.CreateGrant(grant); err != nil {
		return "", fmt.Errorf("create grant: %w", err)
	}
	return grant.ID, nil
}

// upsertBaseSubscription extends an existing active base subscription at the
// same tier instead of stacking a second one. Extension only ever moves the
// end forward.
func (s *Service) upsertBaseSubscription(req VerifyRequest, entry catalog.Entry, now time.Time, expiresAt *time.Time) (string, error) {
	grants, err := s.store.ListActiveGrants(req.AccountID, now)
	if err != nil {
		return "", fmt.Errorf("list grants: %w", err)
	}

	var existing *store.Grant
	for _, g := range grants {
		if g.Kind == store.KindBaseSubscription && g.Tier == entry.Tier {
			existing = g
			break
		}
	}
	if existing == nil {
		return s.createGrant(req, entry, store.KindBaseSubscription, now, expiresAt)
	}

	for attempt := 0; attempt < concurrentRetryLimit; attempt++ {
		if existing.EndAt == nil || !expiresAt.After(*existing.EndAt) {
			return existing.ID, nil
		}
		_, err := s.store.TransitionGrant(existing.ID, existing.Version, store.GrantStateActive, expiresAt, "subscription extended by verified purchase")
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return "", fmt.Errorf("extend subscription: %w", err)
		}
		existing, err = s.store.GetGrant(existing.ID)
		if err != nil {
			return "", fmt.Errorf("reload grant: %w", err)
		}
		if existing == nil {
			return "", fmt.Errorf("grant vanished during extension: %w", store.ErrNotFound)
		}
	}
	return "", fmt.Errorf("extend subscription: %w", store.ErrConcurrentModification)
}

// duplicateResult serves a replayed transaction from stored state. A stored
// transaction with no linked grant means a prior request died between the
// claim and the grant write; re-resolving heals the account either way.
func (s *Service) duplicateResult(accountID string, txn *store.Transaction) (*VerifyResult, error) {
	outcome, err := s.resolver.ResolveAccount(accountID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate: %w", err)
	}
	return &VerifyResult{
		Tier:      outcome.Tier,
		Features:  outcome.Features,
		GrantID:   txn.GrantID,
		Duplicate: true,
	}, nil
}

// RestoreRequest asks for platform-side entitlements to be mirrored locally.
type RestoreRequest struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
	ProductID string `json:"product_id"`
	Receipt   string `json:"receipt"`
}

// Restore verifies a platform receipt and records a platform-entitlement
// grant for the resolver's reconciliation pass to consider. It never creates
// a base subscription directly.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*VerifyResult, error) {
	entry, ok := s.catalog.Lookup(req.ProductID)
	if !ok {
		return nil, fmt.Errorf("product %q: %w", req.ProductID, ErrUnknownProduct)
	}
	verifier, ok := s.verifiers[req.Platform]
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", req.Platform, ErrVerificationFailed)
	}

	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vres, err := verifier.Verify(vctx, req.ProductID, req.Receipt)
	if err != nil {
		if errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("platform %s: %w", req.Platform, ErrUpstreamTimeout)
		}
		return nil, err
	}
	if !vres.Valid {
		return nil, fmt.Errorf("platform %s rejected receipt: %w", req.Platform, ErrVerificationFailed)
	}
	now := time.Now().UTC()
	if vres.ExpiresAt != nil && !vres.ExpiresAt.After(now) {
		return nil, fmt.Errorf("platform entitlement already lapsed: %w", ErrVerificationFailed)
	}

	if _, err := s.store.EnsureAccount(req.AccountID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	grant := &store.Grant{
		AccountID: req.AccountID,
		Kind:      store.KindPlatformEntitlement,
		Tier:      entry.Tier,
		State:     store.GrantStateActive,
		StartAt:   now,
		EndAt:     restoreEnd(vres.ExpiresAt, now),
		Platform:  req.Platform,
	}
	if err := s.store.CreateGrant(grant); err != nil {
		return nil, fmt.Errorf("create platform grant: %w", err)
	}

	outcome, err := s.resolver.ResolveAccount(req.AccountID, now)
	if err != nil {
		return nil, fmt.Errorf("resolve after restore: %w", err)
	}

	log.Info().
		Str("account_id", req.AccountID).
		Str("platform", req.Platform).
		Str("tier", string(outcome.Tier)).
		Msg("Platform entitlement restored")

	return &VerifyResult{Tier: outcome.Tier, Features: outcome.Features, GrantID: grant.ID}, nil
}

// restoreEnd bounds an indefinite platform report to a revalidation window so
// the sweep re-checks rather than trusting it forever.
func restoreEnd(expiresAt *time.Time, now time.Time) *time.Time {
	if expiresAt != nil {
		return expiresAt
	}
	end := now.Add(30 * 24 * time.Hour)
	return &end
}

func classifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrVerificationFailed):
		return "rejected"
	default:
		return "error"
	}
}
