package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rreusch2/parleyapp-entitlements/internal/billing"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.Store, *billing.Ingestor) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	resolver := entitlement.NewService(st, nil)
	ingestor := billing.NewIngestor(st, resolver)
	return New(st, resolver, ingestor, time.Hour), st, ingestor
}

func seedGrant(t *testing.T, st *store.Store, accountID string, kind store.GrantKind, tier store.Tier, end *time.Time) *store.Grant {
	t.Helper()
	if _, err := st.EnsureAccount(accountID); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	g := &store.Grant{
		AccountID: accountID,
		Kind:      kind,
		Tier:      tier,
		State:     store.GrantStateActive,
		StartAt:   time.Now().Add(-48 * time.Hour).UTC(),
		EndAt:     end,
		Platform:  "apple",
	}
	if err := st.CreateGrant(g); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	return g
}

func TestRunOnceExpiresLapsedGrantsAndDowngrades(t *testing.T) {
	sw, st, _ := newTestSweeper(t)

	// Indefinite pro base plus an elite upgrade that lapsed an hour ago.
	seedGrant(t, st, "acct-1", store.KindBaseSubscription, store.TierPro, nil)
	lapsed := time.Now().Add(-time.Hour).UTC()
	upgrade := seedGrant(t, st, "acct-1", store.KindTemporaryUpgrade, store.TierElite, &lapsed)

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, err := st.GetGrant(upgrade.ID)
	if err != nil || updated == nil {
		t.Fatalf("load grant: %v", err)
	}
	if updated.State != store.GrantStateExpired {
		t.Errorf("expected expired, got %s", updated.State)
	}

	account, err := st.GetAccount("acct-1")
	if err != nil || account == nil {
		t.Fatalf("load account: %v", err)
	}
	if account.Tier != store.TierPro {
		t.Errorf("expected fall back to pro, got %s", account.Tier)
	}

	audit, err := st.ListAudit(upgrade.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("expected creation + expiry audit entries, got %d", len(audit))
	}
	if audit[1].ToState != store.GrantStateExpired {
		t.Errorf("expected expiry transition, got %s", audit[1].ToState)
	}
}

func TestRunOnceExpiresCancelledPendingGrants(t *testing.T) {
	sw, st, _ := newTestSweeper(t)

	end := time.Now().Add(-time.Minute).UTC()
	g := seedGrant(t, st, "acct-1", store.KindBaseSubscription, store.TierPro, &end)
	if _, err := st.TransitionGrant(g.ID, g.Version, store.GrantStateCancelledPending, nil, "auto-renew disabled"); err != nil {
		t.Fatalf("cancel grant: %v", err)
	}

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, _ := st.GetGrant(g.ID)
	if updated.State != store.GrantStateExpired {
		t.Errorf("expected cancelled grant to expire, got %s", updated.State)
	}
	account, _ := st.GetAccount("acct-1")
	if account.Tier != store.TierFree {
		t.Errorf("expected free after expiry, got %s", account.Tier)
	}
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	sw, _, _ := newTestSweeper(t)

	sw.running.Store(true)
	if err := sw.RunOnce(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	sw.running.Store(false)

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce after release failed: %v", err)
	}
}

func TestRunOnceEmptyIsNoOp(t *testing.T) {
	sw, _, _ := newTestSweeper(t)
	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce on empty store failed: %v", err)
	}
}

func TestRunOnceSkipsUnexpiredGrants(t *testing.T) {
	sw, st, _ := newTestSweeper(t)

	future := time.Now().Add(24 * time.Hour).UTC()
	g := seedGrant(t, st, "acct-1", store.KindLegacyDayPass, store.TierElite, &future)

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, _ := st.GetGrant(g.ID)
	if updated.State != store.GrantStateActive {
		t.Errorf("unexpired grant must stay active, got %s", updated.State)
	}
}

func TestRunOnceReconcilesParkedEvents(t *testing.T) {
	sw, st, ing := newTestSweeper(t)

	// Renewal arrives before its purchase exists and parks.
	newEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	body, _ := json.Marshal(map[string]any{
		"event_id":       "evt-1",
		"type":           billing.EventRenewal,
		"transaction_id": "txn-1",
		"expires_at_ms":  newEnd.UnixMilli(),
	})
	if err := ing.Ingest("apple", body); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if _, err := st.EnsureAccount("acct-1"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	oldEnd := time.Now().Add(24 * time.Hour).UTC()
	g := &store.Grant{
		AccountID:     "acct-1",
		Kind:          store.KindBaseSubscription,
		Tier:          store.TierPro,
		State:         store.GrantStateActive,
		StartAt:       time.Now().Add(-time.Hour).UTC(),
		EndAt:         &oldEnd,
		Platform:      "apple",
		TransactionID: "txn-1",
	}
	if err := st.CreateGrant(g); err != nil {
		t.Fatalf("create grant: %v", err)
	}

	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updated, _ := st.GetGrant(g.ID)
	if updated.EndAt == nil || !updated.EndAt.Equal(newEnd) {
		t.Errorf("sweep must apply the parked renewal, got end %v", updated.EndAt)
	}
	event, _ := st.GetEvent("evt-1")
	if event == nil || !event.Processed {
		t.Error("parked event must be processed by the sweep")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sw, _, _ := newTestSweeper(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
