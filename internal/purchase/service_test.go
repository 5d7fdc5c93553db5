package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rreusch2/parleyapp-entitlements/internal/catalog"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// stubVerifier returns a canned result or error without leaving the process.
type stubVerifier struct {
	result *VerificationResult
	err    error
	calls  int
}

func (s *stubVerifier) Verify(_ context.Context, _, _ string) (*VerificationResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testCatalog() *catalog.Catalog {
	return catalog.FromEntries([]catalog.Entry{
		{ProductID: "com.parley.pro.monthly", Tier: store.TierPro, PlanType: catalog.PlanRecurring},
		{ProductID: "com.parley.elite.monthly", Tier: store.TierElite, PlanType: catalog.PlanRecurring},
		{ProductID: "com.parley.elite.daypass", Tier: store.TierElite, PlanType: catalog.PlanDayPass, Duration: 24 * time.Hour},
		{ProductID: "com.parley.elite.weekend", Tier: store.TierElite, PlanType: catalog.PlanTemporaryUpgrade, Duration: 72 * time.Hour},
		{ProductID: "com.parley.pro.lifetime", Tier: store.TierPro, PlanType: catalog.PlanLifetime},
	})
}

func newTestService(t *testing.T, verifier ReceiptVerifier) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	resolver := entitlement.NewService(st, nil)
	svc := NewService(st, testCatalog(), resolver, map[string]ReceiptVerifier{
		"apple":  verifier,
		"google": verifier,
	}, 5*time.Second)
	return svc, st
}

func futureExpiry(d time.Duration) *time.Time {
	t := time.Now().Add(d).UTC().Truncate(time.Second)
	return &t
}

func TestVerifyRecurringCreatesSubscription(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{
		Valid:        true,
		ExpiresAt:    futureExpiry(30 * 24 * time.Hour),
		AutoRenewing: true,
	}}
	svc, st := newTestService(t, verifier)

	res, err := svc.Verify(context.Background(), VerifyRequest{
		Platform:      "apple",
		AccountID:     "acct-1",
		ProductID:     "com.parley.pro.monthly",
		TransactionID: "txn-1",
		Receipt:       "receipt",
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Tier != store.TierPro {
		t.Errorf("expected pro tier, got %s", res.Tier)
	}
	if res.Duplicate {
		t.Error("first verification must not be flagged duplicate")
	}

	grant, err := st.GetGrant(res.GrantID)
	if err != nil || grant == nil {
		t.Fatalf("expected grant to exist: %v", err)
	}
	if grant.Kind != store.KindBaseSubscription {
		t.Errorf("expected base subscription, got %s", grant.Kind)
	}
	if grant.EndAt == nil {
		t.Error("recurring subscription must carry the verified expiry")
	}

	txn, err := st.GetTransaction("txn-1")
	if err != nil || txn == nil {
		t.Fatalf("expected transaction to be stored: %v", err)
	}
	if txn.GrantID != grant.ID {
		t.Errorf("transaction not linked to grant: %q != %q", txn.GrantID, grant.ID)
	}
}

func TestVerifyDuplicateTransactionSkipsPlatform(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{
		Valid:     true,
		ExpiresAt: futureExpiry(30 * 24 * time.Hour),
	}}
	svc, _ := newTestService(t, verifier)

	req := VerifyRequest{
		Platform:      "apple",
		AccountID:     "acct-1",
		ProductID:     "com.parley.pro.monthly",
		TransactionID: "txn-dup",
		Receipt:       "receipt",
	}
	first, err := svc.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}

	second, err := svc.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("replay Verify failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("replay must be flagged duplicate")
	}
	if second.Tier != first.Tier {
		t.Errorf("replay tier %s differs from original %s", second.Tier, first.Tier)
	}
	if second.GrantID != first.GrantID {
		t.Errorf("replay grant %q differs from original %q", second.GrantID, first.GrantID)
	}
	if verifier.calls != 1 {
		t.Errorf("replay must not hit the platform again, got %d calls", verifier.calls)
	}
}

func TestVerifyUnknownProduct(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{Valid: true}}
	svc, st := newTestService(t, verifier)

	_, err := svc.Verify(context.Background(), VerifyRequest{
		Platform:      "apple",
		AccountID:     "acct-1",
		ProductID:     "com.parley.unknown",
		TransactionID: "txn-u",
		Receipt:       "receipt",
	})
	if !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if verifier.calls != 0 {
		t.Error("unknown product must fail before platform verification")
	}
	if grants, _ := st.ListGrants("acct-1"); len(grants) != 0 {
		t.Errorf("expected no grants, got %d", len(grants))
	}
}

func TestVerifyFailureCreatesNothing(t *testing.T) {
	verifier := &stubVerifier{err: &VerifyError{
		Op:       "apple_verify",
		Platform: "apple",
		Err:      ErrVerificationFailed,
	}}
	svc, st := newTestService(t, verifier)

	_, err := svc.Verify(context.Background(), VerifyRequest{
		Platform:      "apple",
		AccountID:     "acct-1",
		ProductID:     "com.parley.pro.monthly",
		TransactionID: "txn-bad",
		Receipt:       "forged",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	if grants, _ := st.ListGrants("acct-1"); len(grants) != 0 {
		t.Errorf("rejected receipt must create no grants, got %d", len(grants))
	}
	if txn, _ := st.GetTransaction("txn-bad"); txn != nil {
		t.Error("rejected receipt must not record the transaction")
	}
}

func TestVerifyDayPassUsesCatalogDuration(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{Valid: true}}
	svc, st := newTestService(t, verifier)

	before := time.Now().UTC()
	res, err := svc.Verify(context.Background(), VerifyRequest{
		Platform:      "google",
		AccountID:     "acct-1",
		ProductID:     "com.parley.elite.daypass",
		TransactionID: "txn-dp",
		Receipt:       "token",
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Tier != store.TierElite {
		t.Errorf("expected elite during day pass, got %s", res.Tier)
	}

	grant, err := st.GetGrant(res.GrantID)
	if err != nil || grant == nil {
		t.Fatalf("expected grant: %v", err)
	}
	if grant.Kind != store.KindLegacyDayPass {
		t.Errorf("expected day pass grant, got %s", grant.Kind)
	}
	if grant.EndAt == nil {
		t.Fatal("day pass must have an end time")
	}
	gap := grant.EndAt.Sub(before)
	if gap < 23*time.Hour || gap > 25*time.Hour {
		t.Errorf("day pass window %v not ~24h", gap)
	}
}

func TestVerifyRecurringExtendsExistingSubscription(t *testing.T) {
	firstExpiry := futureExpiry(30 * 24 * time.Hour)
	verifier := &stubVerifier{result: &VerificationResult{Valid: true, ExpiresAt: firstExpiry}}
	svc, st := newTestService(t, verifier)

	first, err := svc.Verify(context.Background(), VerifyRequest{
		Platform: "apple", AccountID: "acct-1",
		ProductID: "com.parley.pro.monthly", TransactionID: "txn-m1", Receipt: "r1",
	})
	if err != nil {
		t.Fatalf("initial purchase failed: %v", err)
	}

	// Renewal arrives as a new transaction with a later expiry.
	verifier.result = &VerificationResult{Valid: true, ExpiresAt: futureExpiry(60 * 24 * time.Hour)}
	second, err := svc.Verify(context.Background(), VerifyRequest{
		Platform: "apple", AccountID: "acct-1",
		ProductID: "com.parley.pro.monthly", TransactionID: "txn-m2", Receipt: "r2",
	})
	if err != nil {
		t.Fatalf("renewal purchase failed: %v", err)
	}
	if second.GrantID != first.GrantID {
		t.Errorf("renewal must extend the existing grant, got new grant %q", second.GrantID)
	}

	grant, err := st.GetGrant(first.GrantID)
	if err != nil || grant == nil {
		t.Fatalf("load grant: %v", err)
	}
	if grant.EndAt == nil || !grant.EndAt.After(*firstExpiry) {
		t.Errorf("expected extended end beyond %v, got %v", firstExpiry, grant.EndAt)
	}
	if grants, _ := st.ListGrants("acct-1"); len(grants) != 1 {
		t.Errorf("renewal must not stack a second base subscription, got %d grants", len(grants))
	}
}

func TestVerifyLifetimeHasNoEnd(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{Valid: true}}
	svc, st := newTestService(t, verifier)

	res, err := svc.Verify(context.Background(), VerifyRequest{
		Platform: "apple", AccountID: "acct-1",
		ProductID: "com.parley.pro.lifetime", TransactionID: "txn-life", Receipt: "r",
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	grant, err := st.GetGrant(res.GrantID)
	if err != nil || grant == nil {
		t.Fatalf("load grant: %v", err)
	}
	if grant.EndAt != nil {
		t.Errorf("lifetime grant must be indefinite, got end %v", grant.EndAt)
	}
}

func TestRestoreCreatesPlatformGrant(t *testing.T) {
	verifier := &stubVerifier{result: &VerificationResult{
		Valid:     true,
		ExpiresAt: futureExpiry(14 * 24 * time.Hour),
	}}
	svc, st := newTestService(t, verifier)

	res, err := svc.Restore(context.Background(), RestoreRequest{
		Platform:  "apple",
		AccountID: "acct-1",
		ProductID: "com.parley.elite.monthly",
		Receipt:   "restore-receipt",
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	grant, err := st.GetGrant(res.GrantID)
	if err != nil || grant == nil {
		t.Fatalf("load grant: %v", err)
	}
	if grant.Kind != store.KindPlatformEntitlement {
		t.Errorf("restore must record a platform entitlement, got %s", grant.Kind)
	}
	// Resolution should mirror the platform tier into the base subscription.
	if res.Tier != store.TierElite {
		t.Errorf("expected elite after restore, got %s", res.Tier)
	}
}

func TestRestoreRejectsLapsedEntitlement(t *testing.T) {
	lapsed := time.Now().Add(-time.Hour).UTC()
	verifier := &stubVerifier{result: &VerificationResult{Valid: true, ExpiresAt: &lapsed}}
	svc, st := newTestService(t, verifier)

	_, err := svc.Restore(context.Background(), RestoreRequest{
		Platform:  "apple",
		AccountID: "acct-1",
		ProductID: "com.parley.elite.monthly",
		Receipt:   "old-receipt",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if grants, _ := st.ListGrants("acct-1"); len(grants) != 0 {
		t.Errorf("lapsed restore must create no grants, got %d", len(grants))
	}
}

func TestGrantFailureReleasesTransactionClaim(t *testing.T) {
	// A recurring receipt the platform verifies without an expiry cannot
	// become a grant. The claim must be released so a retry re-drives the
	// purchase instead of settling as a duplicate with no grant behind it.
	verifier := &stubVerifier{result: &VerificationResult{Valid: true}}
	svc, st := newTestService(t, verifier)

	req := VerifyRequest{
		Platform:      "apple",
		AccountID:     "acct-1",
		ProductID:     "com.parley.pro.monthly",
		TransactionID: "txn-1",
		Receipt:       "receipt-data",
	}
	if _, err := svc.Verify(context.Background(), req); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed for expiry-less recurring receipt, got %v", err)
	}

	txn, err := st.GetTransaction("txn-1")
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn != nil {
		t.Fatalf("failed purchase must not keep the transaction row, got %+v", txn)
	}
	if grants, _ := st.ListGrants("acct-1"); len(grants) != 0 {
		t.Fatalf("failed purchase must create no grants, got %d", len(grants))
	}

	// The platform fixes its response; the client retries the same purchase.
	verifier.result = &VerificationResult{Valid: true, ExpiresAt: futureExpiry(30 * 24 * time.Hour)}
	res, err := svc.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Duplicate {
		t.Error("retry after a released claim must not report duplicate")
	}
	if res.Tier != store.TierPro || res.GrantID == "" {
		t.Errorf("retry must create the subscription, got tier %s grant %q", res.Tier, res.GrantID)
	}
}
