// Package sweep expires grants whose window has closed and re-resolves the
// affected accounts. Expiry is lazy everywhere else; this loop is the
// authoritative catch-up.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rreusch2/parleyapp-entitlements/internal/billing"
	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/metrics"
	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

const (
	defaultInterval   = time.Hour
	candidateBatch    = 500
	resolveParallel   = 4
	reconcileBatch    = 200
	transitionRetries = 3
)

// ErrAlreadyRunning is returned when a sweep is requested while one is in
// flight. The caller skips; the running sweep covers the same work.
var ErrAlreadyRunning = errors.New("sweep already running")

// Sweeper periodically expires lapsed grants, re-resolves the accounts they
// belonged to, and reconciles parked billing events.
type Sweeper struct {
	store    *store.Store
	resolver *entitlement.Service
	ingestor *billing.Ingestor
	interval time.Duration

	running atomic.Bool
}

// New creates a sweeper. interval <= 0 falls back to the hourly default.
func New(st *store.Store, resolver *entitlement.Service, ingestor *billing.Ingestor, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		store:    st,
		resolver: resolver,
		ingestor: ingestor,
		interval: interval,
	}
}

// Run executes sweeps on the configured interval until the context is
// cancelled. An initial sweep runs immediately so restarts catch up without
// waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Expiry sweep started")

	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		log.Error().Err(err).Msg("Initial expiry sweep failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweep stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep. Concurrent invocations (ticker overlap or
// the manual admin trigger) are rejected with ErrAlreadyRunning.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	started := time.Now()
	expired, accounts, err := s.expireCandidates()
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := s.resolveAccounts(ctx, accounts); err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	reconciled := 0
	if s.ingestor != nil {
		reconciled, err = s.ingestor.ReconcileUnmatched(reconcileBatch)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			return err
		}
	}

	metrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	if expired > 0 || reconciled > 0 {
		log.Info().
			Int("expired", expired).
			Int("accounts", len(accounts)).
			Int("reconciled_events", reconciled).
			Dur("took", time.Since(started)).
			Msg("Expiry sweep completed")
	}
	return nil
}

// expireCandidates transitions lapsed grants to expired one at a time so a
// single bad row cannot abort the batch. Returns the affected account set.
func (s *Sweeper) expireCandidates() (int, []string, error) {
	now := time.Now().UTC()
	candidates, err := s.store.ListExpiryCandidates(now, candidateBatch)
	if err != nil {
		return 0, nil, fmt.Errorf("list expiry candidates: %w", err)
	}

	expired := 0
	accounts := make(map[string]struct{})
	for _, g := range candidates {
		if err := s.expireGrant(g); err != nil {
			log.Warn().Err(err).Str("grant_id", g.ID).Msg("Failed to expire grant")
			continue
		}
		expired++
		accounts[g.AccountID] = struct{}{}
		metrics.SweepExpiredGrants.Inc()
	}

	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	return expired, ids, nil
}

func (s *Sweeper) expireGrant(g *store.Grant) error {
	current := g
	for attempt := 0; attempt < transitionRetries; attempt++ {
		if current.State.IsTerminal() {
			return nil
		}
		_, err := s.store.TransitionGrant(current.ID, current.Version, store.GrantStateExpired, nil, "window elapsed")
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		current, err = s.store.GetGrant(current.ID)
		if err != nil {
			return fmt.Errorf("reload grant: %w", err)
		}
		if current == nil {
			return nil
		}
	}
	return fmt.Errorf("expire grant %q: %w", g.ID, store.ErrConcurrentModification)
}

// resolveAccounts re-resolves each affected account with bounded parallelism.
// SQLite serializes the writes anyway; the bound keeps resolution work from
// monopolizing the process on a large backlog.
func (s *Sweeper) resolveAccounts(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallel)
	for _, id := range accountIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.resolver.ResolveAccount(id, now); err != nil {
				return fmt.Errorf("re-resolve account %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
