package entitlement

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/metrics"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// Publisher pushes resolved-tier changes to connected clients. Delivery is
// best-effort and must never block resolution.
type Publisher interface {
	PublishEntitlement(accountID string, update Update)
}

// Update is the payload pushed to clients when an account's entitlement is
// re-resolved.
type Update struct {
	AccountID      string     `json:"account_id"`
	Tier           store.Tier `json:"tier"`
	Features       FeatureSet `json:"features"`
	LastResolvedAt time.Time  `json:"last_resolved_at"`
}

// Service resolves accounts against the store, applies sync-up proposals,
// caches the result on the account record, and notifies clients.
type Service struct {
	store     *store.Store
	publisher Publisher
}

// NewService creates a resolution service. publisher may be nil (no push).
func NewService(s *store.Store, publisher Publisher) *Service {
	return &Service{store: s, publisher: publisher}
}

// ResolveAccount recomputes the account's effective tier at now, persists the
// cache, and publishes the change. It is triggered after every grant
// mutation and by the expiry sweep.
func (s *Service) ResolveAccount(accountID string, now time.Time) (Outcome, error) {
	grants, err := s.store.ListGrants(accountID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load grants: %w", err)
	}

	out := Resolve(grants, now)

	if out.SyncUp != nil {
		if err := s.applySyncUp(accountID, out.SyncUp); err != nil {
			// Sync-up is a reconciliation convenience; resolution itself
			// still stands on the grants we have.
			log.Warn().Err(err).Str("account_id", accountID).Msg("Billing platform sync-up failed")
		} else {
			grants, err = s.store.ListGrants(accountID)
			if err != nil {
				return Outcome{}, fmt.Errorf("reload grants after sync-up: %w", err)
			}
			out = Resolve(grants, now)
		}
	}

	if _, err := s.store.EnsureAccount(accountID); err != nil {
		return Outcome{}, err
	}
	if err := s.store.UpdateResolved(accountID, out.Tier, FeaturesJSON(out.Tier), now); err != nil {
		return Outcome{}, fmt.Errorf("cache resolved tier: %w", err)
	}

	metrics.ResolutionsTotal.WithLabelValues(string(out.Tier)).Inc()

	if s.publisher != nil {
		s.publisher.PublishEntitlement(accountID, Update{
			AccountID:      accountID,
			Tier:           out.Tier,
			Features:       out.Features,
			LastResolvedAt: now,
		})
	}

	log.Debug().
		Str("account_id", accountID).
		Str("tier", string(out.Tier)).
		Str("winning_grant", out.WinningGrantID).
		Msg("Entitlement resolved")

	return out, nil
}

// applySyncUp raises the base subscription to the platform-reported tier by
// creating a new base grant mirroring the platform entitlement's window.
// Existing base grants are left untouched; precedence picks the higher tier.
func (s *Service) applySyncUp(accountID string, p *SyncProposal) error {
	g := &store.Grant{
		AccountID: accountID,
		Kind:      store.KindBaseSubscription,
		Tier:      p.Tier,
		EndAt:     p.EndAt,
		Platform:  p.Platform,
	}
	if err := s.store.CreateGrant(g); err != nil {
		return fmt.Errorf("create synced base grant: %w", err)
	}
	log.Info().
		Str("account_id", accountID).
		Str("tier", string(p.Tier)).
		Str("source_grant", p.SourceGrantID).
		Msg("Base subscription synced up to billing platform tier")
	return nil
}
