package sitemask

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

type Status string

const (
	Active Status = "Active"
	Banned Status = "Banned"
)

func (s Status) IsValid() bool {
	return s == Active || s == Banned
}

// Entry is the mask state of one site and who set it.
type Entry struct {
	Site       string
	Status     Status
	Reason     string
	Author     string
	UpdateTime time.Time
}

// Repository stores the site mask. Sites that were never allowed are not in the mask.
type Repository interface {
	Allow(ctx *wmscontext.Context, site, author, reason string) error
	Ban(ctx *wmscontext.Context, site, author, reason string) error
	Get(ctx *wmscontext.Context, site string) (Entry, error)
	All(ctx *wmscontext.Context) ([]Entry, error)
}

// Set changes the status of a site in repo.
func Set(ctx *wmscontext.Context, repo Repository, site string, status Status, author, reason string) error {
	switch status {
	case Active:
		return repo.Allow(ctx, site, author, reason)
	case Banned:
		return repo.Ban(ctx, site, author, reason)
	default:
		return &wmserrors.ErrInvalidArgument{Name: "Status", Value: status, Message: "must be Active or Banned"}
	}
}

func validateSite(site string) error {
	if site == "" {
		return &wmserrors.ErrInvalidArgument{Name: "Site", Value: site, Message: "must not be empty"}
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Site < entries[j].Site })
}

type MemoryRepository struct {
	clock   clock.PassiveClock
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryRepository(clock clock.PassiveClock) *MemoryRepository {
	return &MemoryRepository{
		clock:   clock,
		entries: map[string]Entry{},
	}
}

func (r *MemoryRepository) Allow(_ *wmscontext.Context, site, author, reason string) error {
	return r.set(site, Active, author, reason)
}

func (r *MemoryRepository) Ban(_ *wmscontext.Context, site, author, reason string) error {
	return r.set(site, Banned, author, reason)
}

func (r *MemoryRepository) set(site string, status Status, author, reason string) error {
	if err := validateSite(site); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[site] = Entry{
		Site:       site,
		Status:     status,
		Reason:     reason,
		Author:     author,
		UpdateTime: r.clock.Now(),
	}
	return nil
}

func (r *MemoryRepository) Get(_ *wmscontext.Context, site string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[site]
	if !ok {
		return Entry{}, &wmserrors.ErrNotFound{Type: "site", Value: site}
	}
	return entry, nil
}

func (r *MemoryRepository) All(_ *wmscontext.Context) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}
