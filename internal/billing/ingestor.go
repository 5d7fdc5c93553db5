package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/metrics"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// Billing event types carried by the platform notification envelope.
const (
	EventRenewal           = "renewal"
	EventRecovered         = "recovered"
	EventAutoRenewDisabled = "auto_renew_disabled"
	EventExpired           = "expired"
	EventPaymentFailed     = "payment_failed"
	EventRefund            = "refund"
	EventRevoked           = "revoked"
)

const transitionRetryLimit = 3

// ErrUnknownEventType marks event types outside the transition table. They are
// stored for audit but applied as no-ops.
var ErrUnknownEventType = errors.New("unknown billing event type")

// Envelope is the normalized notification body posted by the platform
// adapters. ExpiresAtMS carries the new expiry for renewal events; it is a
// json.Number because platforms disagree on numeric vs string millis.
type Envelope struct {
	EventID       string      `json:"event_id"`
	Type          string      `json:"type"`
	TransactionID string      `json:"transaction_id"`
	ExpiresAtMS   json.Number `json:"expires_at_ms,omitempty"`
}

// Ingestor applies billing platform notifications to grants. All mutations go
// through the versioned transition so concurrent writers are safe.
type Ingestor struct {
	store    *store.Store
	resolver *entitlement.Service
}

func NewIngestor(st *store.Store, resolver *entitlement.Service) *Ingestor {
	return &Ingestor{store: st, resolver: resolver}
}

// Ingest stores a raw notification and applies it. Storing succeeds even when
// application fails; the event stays parked for reconciliation rather than
// bouncing back to the platform.
func (i *Ingestor) Ingest(platform string, body []byte) error {
	env, err := parseEnvelope(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("invalid", "rejected").Inc()
		return err
	}

	event := &store.WebhookEvent{
		EventID:       env.EventID,
		Platform:      platform,
		Type:          env.Type,
		TransactionID: env.TransactionID,
		Payload:       string(body),
	}
	created, err := i.store.InsertEvent(event)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(env.Type, "error").Inc()
		return fmt.Errorf("store webhook event: %w", err)
	}
	if !created {
		stored, err := i.store.GetEvent(env.EventID)
		if err != nil {
			return fmt.Errorf("load stored event: %w", err)
		}
		if stored != nil && stored.Processed {
			metrics.WebhookEventsTotal.WithLabelValues(env.Type, "duplicate").Inc()
			log.Debug().Str("event_id", env.EventID).Msg("Duplicate billing event ignored")
			return nil
		}
		// Redelivered before we finished processing; fall through and apply.
	}

	if err := i.Apply(event); err != nil {
		// The event is durably stored; park it for the reconciliation pass
		// instead of bouncing the delivery back to the platform.
		log.Warn().Err(err).
			Str("event_id", event.EventID).
			Str("type", event.Type).
			Msg("Stored billing event failed to apply; parked for retry")
		if markErr := i.store.MarkEventUnmatched(event.EventID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.EventID).Msg("Failed to park billing event")
		}
	}
	return nil
}

// Apply runs one stored event through the transition table. Already-processed
// events succeed silently. Events whose transaction id matches no grant are
// parked as unmatched.
func (i *Ingestor) Apply(event *store.WebhookEvent) error {
	if event.Processed {
		return nil
	}

	grant, err := i.store.GetGrantByTransactionID(event.TransactionID)
	if err != nil {
		return fmt.Errorf("route event to grant: %w", err)
	}
	if grant == nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "unmatched").Inc()
		log.Warn().
			Str("event_id", event.EventID).
			Str("transaction_id", event.TransactionID).
			Str("type", event.Type).
			Msg("Billing event matches no grant; parked for reconciliation")
		return i.store.MarkEventUnmatched(event.EventID, "no grant for transaction id")
	}

	if err := i.applyToGrant(event, grant); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			// Stored for audit, acknowledged, nothing to transition.
			metrics.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
			log.Warn().Str("event_id", event.EventID).Str("type", event.Type).Msg("Unknown billing event type ignored")
			return i.store.MarkEventProcessed(event.EventID)
		}
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		return err
	}

	if err := i.store.MarkEventProcessed(event.EventID); err != nil {
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(event.Type, "processed").Inc()

	if _, err := i.resolver.ResolveAccount(grant.AccountID, time.Now().UTC()); err != nil {
		return fmt.Errorf("resolve after billing event: %w", err)
	}
	return nil
}

// applyToGrant holds the event-type transition table. Every branch is
// idempotent per (transaction id, event type) so redelivery is harmless.
func (i *Ingestor) applyToGrant(event *store.WebhookEvent, grant *store.Grant) error {
	now := time.Now().UTC()

	switch event.Type {
	case EventRenewal, EventRecovered:
		expiry, err := eventExpiry(event)
		if err != nil {
			return err
		}
		if err := i.transition(grant, func(g *store.Grant) (store.GrantState, *time.Time, string, bool) {
			// A refund is final: a late renewal must not resurrect the grant.
			if g.State == store.GrantStateRevoked {
				return "", nil, "", false
			}
			// Only ever move the end forward; a replayed renewal is a no-op.
			if g.EndAt != nil && !expiry.After(*g.EndAt) && g.State == store.GrantStateActive {
				return "", nil, "", false
			}
			return store.GrantStateActive, &expiry, "billing " + event.Type, true
		}); err != nil {
			return err
		}
		if grant.State == store.GrantStateRevoked {
			// Nothing changed; acknowledge without touching the past-due flag.
			return nil
		}
		// Successful renewal clears any billing trouble flag.
		if err := i.store.SetPastDue(grant.AccountID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil

	case EventAutoRenewDisabled:
		return i.transition(grant, func(g *store.Grant) (store.GrantState, *time.Time, string, bool) {
			if g.State == store.GrantStateCancelledPending || g.State.IsTerminal() {
				return "", nil, "", false
			}
			// Access continues until the already-set end.
			return store.GrantStateCancelledPending, nil, "auto-renew disabled", true
		})

	case EventExpired:
		return i.transition(grant, func(g *store.Grant) (store.GrantState, *time.Time, string, bool) {
			if g.State.IsTerminal() {
				return "", nil, "", false
			}
			return store.GrantStateExpired, nil, "billing expired", true
		})

	case EventPaymentFailed:
		// Billing trouble is flagged but access holds until actual expiry.
		if err := i.store.SetPastDue(grant.AccountID, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil

	case EventRefund, EventRevoked:
		return i.transition(grant, func(g *store.Grant) (store.GrantState, *time.Time, string, bool) {
			if g.State == store.GrantStateRevoked {
				return "", nil, "", false
			}
			return store.GrantStateRevoked, &now, "billing " + event.Type, true
		})

	default:
		return fmt.Errorf("event type %q: %w", event.Type, ErrUnknownEventType)
	}
}

// transition applies a decision function under the optimistic version check,
// re-reading and retrying a bounded number of times on contention. The
// decision returns apply=false to skip (already in the desired state).
func (i *Ingestor) transition(grant *store.Grant, decide func(*store.Grant) (store.GrantState, *time.Time, string, bool)) error {
	current := grant
	for attempt := 0; attempt < transitionRetryLimit; attempt++ {
		newState, newEnd, note, apply := decide(current)
		if !apply {
			return nil
		}
		_, err := i.store.TransitionGrant(current.ID, current.Version, newState, newEnd, note)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		current, err = i.store.GetGrant(current.ID)
		if err != nil {
			return fmt.Errorf("reload grant: %w", err)
		}
		if current == nil {
			return fmt.Errorf("grant %q: %w", grant.ID, store.ErrNotFound)
		}
	}
	return fmt.Errorf("transition grant %q: %w", grant.ID, store.ErrConcurrentModification)
}

// ReconcileUnmatched re-applies parked events whose grant has since appeared.
// Called by the sweep each cycle. Per-event failures are logged and skipped so
// one bad event cannot wedge the queue.
func (i *Ingestor) ReconcileUnmatched(limit int) (applied int, err error) {
	events, err := i.store.ListUnmatchedEvents(limit)
	if err != nil {
		return 0, fmt.Errorf("list unmatched events: %w", err)
	}

	for _, event := range events {
		if err := i.Apply(event); err != nil {
			log.Warn().Err(err).Str("event_id", event.EventID).Msg("Unmatched event still not applicable")
			continue
		}
		// Apply parks again if the grant is still missing; count only real
		// completions.
		stored, err := i.store.GetEvent(event.EventID)
		if err == nil && stored != nil && stored.Processed {
			applied++
		}
	}
	if applied > 0 {
		log.Info().Int("applied", applied).Int("scanned", len(events)).Msg("Reconciled parked billing events")
	}
	return applied, nil
}

func parseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode billing event: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("billing event missing type")
	}
	if env.TransactionID == "" {
		return nil, fmt.Errorf("billing event missing transaction id")
	}
	if env.EventID == "" {
		// Some platforms omit a notification id; synthesize a stable-enough
		// one so the row can still be stored and audited.
		env.EventID = "synth-" + ulid.Make().String()
	}
	return &env, nil
}

func eventExpiry(event *store.WebhookEvent) (time.Time, error) {
	// Platforms are inconsistent about numeric vs string millis.
	var raw struct {
		ExpiresAtMS json.Number `json:"expires_at_ms"`
	}
	if err := json.Unmarshal([]byte(event.Payload), &raw); err != nil {
		return time.Time{}, fmt.Errorf("decode event payload: %w", err)
	}
	ms, err := strconv.ParseInt(raw.ExpiresAtMS.String(), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("renewal event %s carries no expiry", event.EventID)
	}
	return time.UnixMilli(ms).UTC(), nil
}
