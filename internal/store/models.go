package store

import (
	"time"
)

// Tier is the effective access level for an account.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

// GrantKind identifies the source of an entitlement grant.
type GrantKind string

const (
	KindBaseSubscription    GrantKind = "base_subscription"
	KindTemporaryUpgrade    GrantKind = "temporary_upgrade"
	KindLegacyDayPass       GrantKind = "legacy_day_pass"
	KindWelcomeBonus        GrantKind = "welcome_bonus"
	KindPlatformEntitlement GrantKind = "billing_platform_entitlement"
)

// GrantState is the lifecycle state of a grant. Grants are never deleted;
// they move to terminal states instead.
type GrantState string

const (
	GrantStateActive           GrantState = "active"
	GrantStateCancelledPending GrantState = "cancelled_pending_expiry"
	GrantStateExpired          GrantState = "expired"
	GrantStateRevoked          GrantState = "revoked"
)

// IsTerminal reports whether the state admits no further transitions back to
// active access.
func (s GrantState) IsTerminal() bool {
	return s == GrantStateExpired || s == GrantStateRevoked
}

// Grant is a single entitlement record with a validity window, lifecycle
// state, and provenance. Version guards optimistic-concurrency updates.
type Grant struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	Kind          GrantKind  `json:"kind"`
	Tier          Tier       `json:"tier"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         *time.Time `json:"end_at,omitempty"` // nil = indefinite
	State         GrantState `json:"state"`
	Platform      string     `json:"platform"`
	TransactionID string     `json:"transaction_id"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the grant confers access at the given instant:
// state is active or cancelled-pending-expiry, the window has started, and
// the end (if any) has not passed.
func (g *Grant) ActiveAt(now time.Time) bool {
	if g.State != GrantStateActive && g.State != GrantStateCancelledPending {
		return false
	}
	if g.StartAt.After(now) {
		return false
	}
	return g.EndAt == nil || g.EndAt.After(now)
}

// Account is the subject of entitlement. Tier, Features, and LastResolvedAt
// are a cache of the most recent resolution; only the resolution service
// writes them.
type Account struct {
	ID             string     `json:"id"`
	Tier           Tier       `json:"tier"`
	Features       string     `json:"features"` // JSON feature set for the tier
	LastResolvedAt *time.Time `json:"last_resolved_at,omitempty"`
	PastDue        bool       `json:"past_due"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TransactionStatus records the verification outcome stored for a purchase.
type TransactionStatus string

const (
	TransactionVerified TransactionStatus = "verified"
)

// Transaction records one verified purchase or renewal. TransactionID is the
// idempotency key: a transaction id is processed into grant mutations at most
// once.
type Transaction struct {
	TransactionID string            `json:"transaction_id"`
	Platform      string            `json:"platform"`
	ProductID     string            `json:"product_id"`
	AccountID     string            `json:"account_id"`
	Status        TransactionStatus `json:"status"`
	GrantID       string            `json:"grant_id"`
	CreatedAt     time.Time         `json:"created_at"`
}

// WebhookEvent is a raw inbound billing notification, kept forever for audit.
// EventID is the idempotency key for at-least-once delivery.
type WebhookEvent struct {
	EventID         string     `json:"event_id"`
	Platform        string     `json:"platform"`
	Type            string     `json:"type"`
	TransactionID   string     `json:"transaction_id"`
	Payload         string     `json:"payload"`
	Processed       bool       `json:"processed"`
	Unmatched       bool       `json:"unmatched"`
	UnmatchedReason string     `json:"unmatched_reason,omitempty"`
	RetryCount      int        `json:"retry_count"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// AuditEntry is one appended record in a grant's transition trail.
type AuditEntry struct {
	ID        string     `json:"id"`
	GrantID   string     `json:"grant_id"`
	FromState GrantState `json:"from_state"`
	ToState   GrantState `json:"to_state"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	Note      string     `json:"note,omitempty"`
	At        time.Time  `json:"at"`
}
