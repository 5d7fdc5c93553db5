// Package entitlement computes the effective access tier for an account from
// its grant set. Resolve is pure and safe to call from any concurrent
// context; Service wraps it with storage, sync-up, and change notification.
package entitlement

import (
	"time"

	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// Outcome is the result of resolving a grant set at an instant.
type Outcome struct {
	Tier           store.Tier `json:"tier"`
	Features       FeatureSet `json:"features"`
	WinningGrantID string     `json:"winning_grant_id,omitempty"`

	// SyncUp is set when the billing platform reports a higher base tier
	// than the locally recorded base subscription and no higher-precedence
	// grant is active. The caller applies it and re-resolves.
	SyncUp *SyncProposal `json:"-"`
}

// SyncProposal asks for the base subscription to be raised to match the
// billing platform's record of truth.
type SyncProposal struct {
	Tier          store.Tier
	EndAt         *time.Time
	Platform      string
	SourceGrantID string
}

var tierRank = map[store.Tier]int{
	store.TierFree:  0,
	store.TierPro:   1,
	store.TierElite: 2,
}

// Resolve computes the effective tier from the grant set at now.
// Precedence, first match wins:
//
//  1. TemporaryUpgrade active at now.
//  2. LegacyDayPass active at now.
//  3. WelcomeBonus active at now — forces free, regardless of anything else.
//  4. BaseSubscription active (elite before pro).
//  5. Default free.
//
// Revoked and expired grants never participate regardless of window.
func Resolve(grants []*store.Grant, now time.Time) Outcome {
	var (
		tempUpgrade  *store.Grant
		dayPass      *store.Grant
		welcomeBonus *store.Grant
		base         *store.Grant
		platformEnt  *store.Grant
	)

	for _, g := range grants {
		if g == nil || !g.ActiveAt(now) {
			continue
		}
		switch g.Kind {
		case store.KindTemporaryUpgrade:
			tempUpgrade = higherTier(tempUpgrade, g)
		case store.KindLegacyDayPass:
			dayPass = higherTier(dayPass, g)
		case store.KindWelcomeBonus:
			if welcomeBonus == nil {
				welcomeBonus = g
			}
		case store.KindBaseSubscription:
			base = higherTier(base, g)
		case store.KindPlatformEntitlement:
			platformEnt = higherTier(platformEnt, g)
		}
	}

	switch {
	case tempUpgrade != nil:
		return outcome(tempUpgrade.Tier, tempUpgrade.ID)
	case dayPass != nil:
		return outcome(dayPass.Tier, dayPass.ID)
	case welcomeBonus != nil:
		// Welcome-bonus users must never be credited with paid-tier limits.
		return outcome(store.TierFree, welcomeBonus.ID)
	}

	baseTier := store.TierFree
	winning := ""
	if base != nil {
		baseTier = base.Tier
		winning = base.ID
	}

	out := outcome(baseTier, winning)

	// Billing-platform sync step: lowest precedence, upgrade-only. Runs only
	// when steps 1-3 found nothing, and never downgrades an active base.
	if platformEnt != nil && tierRank[platformEnt.Tier] > tierRank[baseTier] {
		out.SyncUp = &SyncProposal{
			Tier:          platformEnt.Tier,
			EndAt:         platformEnt.EndAt,
			Platform:      platformEnt.Platform,
			SourceGrantID: platformEnt.ID,
		}
	}
	return out
}

func outcome(tier store.Tier, grantID string) Outcome {
	return Outcome{
		Tier:           tier,
		Features:       FeaturesForTier(tier),
		WinningGrantID: grantID,
	}
}

// higherTier keeps the grant with the higher tier; ties keep the incumbent.
func higherTier(a, b *store.Grant) *store.Grant {
	if a == nil {
		return b
	}
	if tierRank[b.Tier] > tierRank[a.Tier] {
		return b
	}
	return a
}
