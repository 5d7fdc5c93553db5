package entitlement

import (
	"encoding/json"

	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// FeatureSet describes what a resolved tier unlocks. Limits use -1 for
// unlimited.
type FeatureSet struct {
	DailyPickLimit   int  `json:"daily_pick_limit"`
	ChatMessageLimit int  `json:"chat_message_limit"`
	ParlayBuilder    bool `json:"parlay_builder"`
	PlayOfTheDay     bool `json:"play_of_the_day"`
	AdvancedStats    bool `json:"advanced_stats"`
	LiveAlerts       bool `json:"live_alerts"`
}

// tierFeatures maps each tier to its feature set. Resolution output is a
// lookup here, never branched per caller.
var tierFeatures = map[store.Tier]FeatureSet{
	store.TierFree: {
		DailyPickLimit:   2,
		ChatMessageLimit: 3,
		ParlayBuilder:    false,
		PlayOfTheDay:     false,
		AdvancedStats:    false,
		LiveAlerts:       false,
	},
	store.TierPro: {
		DailyPickLimit:   20,
		ChatMessageLimit: -1,
		ParlayBuilder:    true,
		PlayOfTheDay:     true,
		AdvancedStats:    false,
		LiveAlerts:       true,
	},
	store.TierElite: {
		DailyPickLimit:   -1,
		ChatMessageLimit: -1,
		ParlayBuilder:    true,
		PlayOfTheDay:     true,
		AdvancedStats:    true,
		LiveAlerts:       true,
	},
}

// FeaturesForTier returns the feature set for the given tier. Unknown tiers
// fall back to free.
func FeaturesForTier(tier store.Tier) FeatureSet {
	if f, ok := tierFeatures[tier]; ok {
		return f
	}
	return tierFeatures[store.TierFree]
}

// FeaturesJSON renders the feature set for caching on the account record.
func FeaturesJSON(tier store.Tier) string {
	b, err := json.Marshal(FeaturesForTier(tier))
	if err != nil {
		return "{}"
	}
	return string(b)
}
