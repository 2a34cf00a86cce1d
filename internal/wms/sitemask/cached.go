package sitemask

import (
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/wmscontext"
)

// CachedSiteMask answers IsActive from a local copy of the mask that is refreshed periodically.
// A site whose entry has not been refreshed within the expiry counts as inactive.
type CachedSiteMask struct {
	repo        Repository
	cache       *cache.Cache
	clock       clock.PassiveClock
	expiry      time.Duration
	lastRefresh atomic.Int64
}

func NewCachedSiteMask(repo Repository, expiry time.Duration, clock clock.PassiveClock) *CachedSiteMask {
	return &CachedSiteMask{
		repo:   repo,
		cache:  cache.New(cache.NoExpiration, 10*time.Minute),
		clock:  clock,
		expiry: expiry,
	}
}

func (m *CachedSiteMask) IsActive(site string) bool {
	value, ok := m.cache.Get(site)
	if !ok {
		return false
	}
	entry := value.(cachedEntry)
	if m.expiry > 0 && m.clock.Since(entry.loaded) > m.expiry {
		return false
	}
	return entry.status == Active
}

type cachedEntry struct {
	status Status
	loaded time.Time
}

// Refresh reloads the whole mask from the repository. Sites that disappeared from the repository are dropped.
func (m *CachedSiteMask) Refresh(ctx *wmscontext.Context) error {
	entries, err := m.repo.All(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[entry.Site] = true
		m.cache.Set(entry.Site, cachedEntry{status: entry.Status, loaded: now}, cache.NoExpiration)
	}
	for site := range m.cache.Items() {
		if !seen[site] {
			m.cache.Delete(site)
		}
	}
	m.lastRefresh.Store(now.UnixNano())
	ctx.Log.Debugf("site mask refreshed with %d sites", len(entries))
	return nil
}

// Check reports an error when the mask has not been refreshed within the expiry.
func (m *CachedSiteMask) Check() error {
	last := m.lastRefresh.Load()
	if last == 0 {
		return errors.New("site mask has never been loaded")
	}
	if m.expiry > 0 && m.clock.Since(time.Unix(0, last)) > m.expiry {
		return errors.Errorf("site mask last refreshed at %s", time.Unix(0, last).UTC())
	}
	return nil
}
