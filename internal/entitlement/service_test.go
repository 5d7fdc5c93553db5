package entitlement

import (
	"sync"
	"testing"
	"time"

	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

type capturePublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *capturePublisher) PublishEntitlement(accountID string, update Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *capturePublisher) last(t *testing.T) Update {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		t.Fatal("no updates published")
	}
	return p.updates[len(p.updates)-1]
}

func newTestService(t *testing.T) (*Service, *store.Store, *capturePublisher) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	pub := &capturePublisher{}
	return NewService(s, pub), s, pub
}

func TestResolveAccountCachesAndPublishes(t *testing.T) {
	svc, s, pub := newTestService(t)
	now := time.Now().UTC()

	end := now.Add(2 * time.Hour)
	if err := s.CreateGrant(&store.Grant{
		AccountID: "acct-1",
		Kind:      store.KindTemporaryUpgrade,
		Tier:      store.TierElite,
		EndAt:     &end,
	}); err != nil {
		t.Fatalf("CreateGrant: %v", err)
	}

	out, err := svc.ResolveAccount("acct-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResolveAccount: %v", err)
	}
	if out.Tier != store.TierElite {
		t.Errorf("tier = %s, want elite", out.Tier)
	}

	acct, err := s.GetAccount("acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Tier != store.TierElite {
		t.Errorf("cached tier = %s, want elite", acct.Tier)
	}
	if acct.LastResolvedAt == nil {
		t.Error("LastResolvedAt should be cached")
	}
	if acct.Features == "" {
		t.Error("features should be cached")
	}

	if got := pub.last(t); got.Tier != store.TierElite || got.AccountID != "acct-1" {
		t.Errorf("published update = %+v", got)
	}
}

func TestResolveAccountAppliesSyncUp(t *testing.T) {
	svc, s, _ := newTestService(t)
	now := time.Now().UTC()

	end := now.Add(30 * 24 * time.Hour)
	if err := s.CreateGrant(&store.Grant{
		AccountID: "acct-2",
		Kind:      store.KindPlatformEntitlement,
		Tier:      store.TierElite,
		EndAt:     &end,
		Platform:  "apple",
	}); err != nil {
		t.Fatalf("CreateGrant: %v", err)
	}

	out, err := svc.ResolveAccount("acct-2", now)
	if err != nil {
		t.Fatalf("ResolveAccount: %v", err)
	}
	if out.Tier != store.TierElite {
		t.Errorf("tier = %s, want elite after sync-up", out.Tier)
	}

	grants, err := s.ListGrants("acct-2")
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	var base *store.Grant
	for _, g := range grants {
		if g.Kind == store.KindBaseSubscription {
			base = g
		}
	}
	if base == nil {
		t.Fatal("sync-up should have created a base subscription grant")
	}
	if base.Tier != store.TierElite {
		t.Errorf("synced base tier = %s, want elite", base.Tier)
	}

	// Re-resolving converges: no second base grant appears.
	if _, err := svc.ResolveAccount("acct-2", now.Add(time.Minute)); err != nil {
		t.Fatalf("second ResolveAccount: %v", err)
	}
	grants, _ = s.ListGrants("acct-2")
	baseCount := 0
	for _, g := range grants {
		if g.Kind == store.KindBaseSubscription {
			baseCount++
		}
	}
	if baseCount != 1 {
		t.Errorf("base grant count = %d, want 1 (sync-up must converge)", baseCount)
	}
}

func TestResolveAccountNoGrants(t *testing.T) {
	svc, s, _ := newTestService(t)

	out, err := svc.ResolveAccount("fresh", time.Now().UTC())
	if err != nil {
		t.Fatalf("ResolveAccount: %v", err)
	}
	if out.Tier != store.TierFree {
		t.Errorf("tier = %s, want free", out.Tier)
	}

	acct, err := s.GetAccount("fresh")
	if err != nil || acct == nil {
		t.Fatalf("account should be created on first resolution: %v", err)
	}
}
