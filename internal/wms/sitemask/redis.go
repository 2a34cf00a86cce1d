package sitemask

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

const siteMaskHashKey = "SiteMask"

// RedisRepository keeps the mask in a single redis hash keyed by site name, so that every server replica
// sees the same mask.
type RedisRepository struct {
	db    redis.UniversalClient
	clock clock.PassiveClock
}

func NewRedisRepository(db redis.UniversalClient, clock clock.PassiveClock) *RedisRepository {
	return &RedisRepository{db: db, clock: clock}
}

func (r *RedisRepository) Allow(ctx *wmscontext.Context, site, author, reason string) error {
	return r.set(ctx, site, Active, author, reason)
}

func (r *RedisRepository) Ban(ctx *wmscontext.Context, site, author, reason string) error {
	return r.set(ctx, site, Banned, author, reason)
}

func (r *RedisRepository) set(ctx *wmscontext.Context, site string, status Status, author, reason string) error {
	if err := validateSite(site); err != nil {
		return err
	}
	data, err := json.Marshal(Entry{
		Site:       site,
		Status:     status,
		Reason:     reason,
		Author:     author,
		UpdateTime: r.clock.Now(),
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := r.db.HSet(siteMaskHashKey, site, data).Err(); err != nil {
		return &wmserrors.ErrPersistence{Operation: "write site mask", Err: err}
	}
	ctx.Log.Infof("site %s set to %s by %s", site, status, author)
	return nil
}

func (r *RedisRepository) Get(_ *wmscontext.Context, site string) (Entry, error) {
	result, err := r.db.HGet(siteMaskHashKey, site).Result()
	if err == redis.Nil {
		return Entry{}, &wmserrors.ErrNotFound{Type: "site", Value: site}
	} else if err != nil {
		return Entry{}, &wmserrors.ErrPersistence{Operation: "read site mask", Err: err}
	}
	entry := Entry{}
	if err := json.Unmarshal([]byte(result), &entry); err != nil {
		return Entry{}, errors.Wrapf(err, "corrupt site mask entry for %s", site)
	}
	return entry, nil
}

func (r *RedisRepository) All(_ *wmscontext.Context) ([]Entry, error) {
	result, err := r.db.HGetAll(siteMaskHashKey).Result()
	if err != nil {
		return nil, &wmserrors.ErrPersistence{Operation: "read site mask", Err: err}
	}
	entries := make([]Entry, 0, len(result))
	for site, v := range result {
		entry := Entry{}
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, errors.Wrapf(err, "corrupt site mask entry for %s", site)
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}
