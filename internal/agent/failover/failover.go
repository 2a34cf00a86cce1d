// Package failover keeps reports that could not be delivered to the server and replays them in order.
package failover

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

type Kind string

const (
	KindOutcome     Kind = "outcome"
	KindReschedule  Kind = "reschedule"
	KindPilotStatus Kind = "pilotStatus"
)

// Request is a report waiting to be delivered. Body is the JSON message the server expects for Kind.
type Request struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	JobID          int64           `json:"jobId,omitempty"`
	PilotReference string          `json:"pilotReference"`
	Body           json.RawMessage `json:"body"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewRequest builds a request with a fresh sortable id.
func NewRequest(kind Kind, jobID int64, pilotReference string, body interface{}, now time.Time) (Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, errors.WithStack(err)
	}
	return Request{
		ID:             util.NewULID(),
		Kind:           kind,
		JobID:          jobID,
		PilotReference: pilotReference,
		Body:           data,
		CreatedAt:      now,
	}, nil
}

// Queue is a FIFO of undelivered requests.
type Queue interface {
	Push(ctx *wmscontext.Context, request Request) error
	// Peek returns the oldest request, or nil if the queue is empty.
	Peek(ctx *wmscontext.Context) (*Request, error)
	// Pop removes the oldest request.
	Pop(ctx *wmscontext.Context) error
	Len(ctx *wmscontext.Context) (int, error)
}

// Sender delivers a request to the server.
type Sender interface {
	Replay(ctx *wmscontext.Context, request Request) error
}

// Flush replays queued requests oldest first. A retryable failure stops the flush and keeps the request for the
// next attempt; any other failure means the server will never accept the request, so it is dropped.
func Flush(ctx *wmscontext.Context, queue Queue, sender Sender) (int, error) {
	delivered := 0
	for {
		request, err := queue.Peek(ctx)
		if err != nil {
			return delivered, err
		}
		if request == nil {
			return delivered, nil
		}
		if err := sender.Replay(ctx, *request); err != nil {
			if wmserrors.IsRetryable(err) {
				return delivered, err
			}
			logging.WithStacktrace(ctx.Log, err).
				Warnf("dropping %s request %s for job %d", request.Kind, request.ID, request.JobID)
		} else {
			delivered++
		}
		if err := queue.Pop(ctx); err != nil {
			return delivered, err
		}
	}
}

// MemoryQueue is used when no redis is available on the worker node. Its content does not survive the agent.
type MemoryQueue struct {
	mu       sync.Mutex
	requests []Request
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ *wmscontext.Context, request Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, request)
	return nil
}

func (q *MemoryQueue) Peek(_ *wmscontext.Context) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) == 0 {
		return nil, nil
	}
	request := q.requests[0]
	return &request, nil
}

func (q *MemoryQueue) Pop(_ *wmscontext.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) > 0 {
		q.requests = q.requests[1:]
	}
	return nil
}

func (q *MemoryQueue) Len(_ *wmscontext.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests), nil
}

// RedisQueue keeps requests in a redis list so they survive a restart of the agent.
type RedisQueue struct {
	db  redis.UniversalClient
	key string
}

func NewRedisQueue(db redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{db: db, key: key}
}

func (q *RedisQueue) Push(ctx *wmscontext.Context, request Request) error {
	data, err := json.Marshal(request)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := q.db.RPush(q.key, data).Err(); err != nil {
		return &wmserrors.ErrPersistence{Operation: "push failover request", Err: err}
	}
	ctx.Log.Infof("stored %s request %s for later delivery", request.Kind, request.ID)
	return nil
}

// Peek returns the oldest request. Entries that cannot be decoded would never be delivered, so they are
// dropped with a warning.
func (q *RedisQueue) Peek(ctx *wmscontext.Context) (*Request, error) {
	for {
		data, err := q.db.LIndex(q.key, 0).Bytes()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, &wmserrors.ErrPersistence{Operation: "read failover request", Err: err}
		}
		request := &Request{}
		err = json.Unmarshal(data, request)
		if err == nil {
			return request, nil
		}
		logging.WithStacktrace(ctx.Log, errors.WithStack(err)).Warnf("dropping corrupt failover request %q", data)
		if err := q.db.LRem(q.key, 1, data).Err(); err != nil {
			return nil, &wmserrors.ErrPersistence{Operation: "remove failover request", Err: err}
		}
	}
}

func (q *RedisQueue) Pop(_ *wmscontext.Context) error {
	if err := q.db.LPop(q.key).Err(); err != nil && err != redis.Nil {
		return &wmserrors.ErrPersistence{Operation: "remove failover request", Err: err}
	}
	return nil
}

func (q *RedisQueue) Len(_ *wmscontext.Context) (int, error) {
	n, err := q.db.LLen(q.key).Result()
	if err != nil {
		return 0, &wmserrors.ErrPersistence{Operation: "count failover requests", Err: err}
	}
	return int(n), nil
}
