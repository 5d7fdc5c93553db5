// Package catalog maps billing product ids to the tier, plan type, and
// duration they purchase. The catalog is external configuration: a JSON file
// loaded at startup and hot-reloaded when the file changes.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/store"
)

// PlanType describes how a product turns into a grant.
type PlanType string

const (
	PlanDayPass          PlanType = "day_pass"
	PlanTemporaryUpgrade PlanType = "temporary_upgrade"
	PlanRecurring        PlanType = "recurring"
	PlanLifetime         PlanType = "lifetime"
)

// Entry is the catalog record for one product id.
type Entry struct {
	ProductID string        `json:"product_id"`
	Tier      store.Tier    `json:"tier"`
	PlanType  PlanType      `json:"plan_type"`
	Duration  time.Duration `json:"-"`

	// DurationStr is the on-disk form ("24h", "720h"); empty for recurring
	// and lifetime plans.
	DurationStr string `json:"duration,omitempty"`
}

// Catalog is a concurrency-safe product lookup table.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
	watcher *fsnotify.Watcher
}

// Load reads the catalog file and returns a Catalog ready for lookups.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEntries builds an in-memory catalog without file backing (tests,
// embedded defaults).
func FromEntries(entries []Entry) *Catalog {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.ProductID] = e
	}
	return &Catalog{entries: m}
}

// Lookup returns the entry for a product id. ok=false for unknown products.
func (c *Catalog) Lookup(productID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[productID]
	return e, ok
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Watch starts reloading the catalog whenever its file is rewritten. It
// returns immediately; stop by cancelling via Close.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no file backing")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch catalog dir: %w", err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.reload(); err != nil {
					log.Warn().Err(err).Str("path", c.path).Msg("Catalog reload failed; keeping previous entries")
					continue
				}
				log.Info().Str("path", c.path).Int("products", c.Len()).Msg("Catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Catalog watcher error")
			}
		}
	}()

	log.Info().Str("path", c.path).Msg("Watching product catalog for changes")
	return nil
}

// Close stops the file watcher if one is running.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var raw []Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for _, e := range raw {
		if e.ProductID == "" {
			return fmt.Errorf("catalog entry missing product_id")
		}
		if e.Tier != store.TierPro && e.Tier != store.TierElite {
			return fmt.Errorf("product %q: tier must be pro or elite, got %q", e.ProductID, e.Tier)
		}
		switch e.PlanType {
		case PlanDayPass, PlanTemporaryUpgrade:
			if e.DurationStr == "" {
				return fmt.Errorf("product %q: %s plans require a duration", e.ProductID, e.PlanType)
			}
			d, err := time.ParseDuration(e.DurationStr)
			if err != nil {
				return fmt.Errorf("product %q: invalid duration %q: %w", e.ProductID, e.DurationStr, err)
			}
			e.Duration = d
		case PlanRecurring, PlanLifetime:
			// Window comes from the verified expiry (or is open-ended).
		default:
			return fmt.Errorf("product %q: unknown plan type %q", e.ProductID, e.PlanType)
		}
		entries[e.ProductID] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}
