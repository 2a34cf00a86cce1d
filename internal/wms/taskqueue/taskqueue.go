package taskqueue

import (
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/gridwms/wms/internal/wms/matching"
)

// Eligibility decides whether a capability can run jobs with the given requirements.
type Eligibility interface {
	IsEligible(capability matching.Capability, requirements matching.Requirements) (bool, matching.Reason)
}

// taskQueue is one bucket of waiting jobs sharing a canonical requirement set.
type taskQueue struct {
	id           int64
	key          string
	requirements matching.Requirements

	mu       sync.Mutex
	members  map[int64]Member
	priority int32
	// Set once the queue has been emptied and unlinked. Enqueue must not add to a deleted queue.
	deleted bool
}

func (tq *taskQueue) recomputePriorityLocked() {
	var max int32
	first := true
	for _, m := range tq.members {
		if first || m.Priority > max {
			max = m.Priority
			first = false
		}
	}
	tq.priority = max
}

// Candidate is a job offered to a pilot by SelectCandidate.
type Candidate struct {
	JobID       int64
	TaskQueueID int64
	Priority    int32
}

// Info is a point in time description of a task queue.
type Info struct {
	TaskQueueID  int64
	Requirements matching.Requirements
	Priority     int32
	JobIDs       []int64
}

// TaskQueues holds every waiting job, bucketed by canonical requirements.
//
// Writers (Enqueue, Remove) are serialised by writeMu. The bucket map is guarded by mu and each bucket's
// membership by its own lock, so SelectCandidate never blocks on a global lock while it inspects a bucket
// and selections against different buckets proceed in parallel.
type TaskQueues struct {
	weighting Weighting
	rng       *rand.Rand

	writeMu sync.Mutex
	jobs    map[int64]*taskQueue
	lastID  int64

	mu     sync.RWMutex
	queues map[string]*taskQueue
}

// New returns an empty set of task queues. rng must be safe for concurrent use.
func New(weighting Weighting, rng *rand.Rand) *TaskQueues {
	return &TaskQueues{
		weighting: weighting,
		rng:       rng,
		jobs:      map[int64]*taskQueue{},
		queues:    map[string]*taskQueue{},
	}
}

// Enqueue adds a job to the queue matching its requirements, creating the queue if needed.
// Enqueueing a job that is already queued moves it to its current bucket and priority.
func (q *TaskQueues) Enqueue(jobID int64, requirements matching.Requirements) int64 {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.removeLocked(jobID)

	key := canonicalKey(requirements)
	q.mu.Lock()
	tq, ok := q.queues[key]
	if !ok {
		q.lastID++
		tq = &taskQueue{
			id:           q.lastID,
			key:          key,
			requirements: canonicalRequirements(requirements),
			members:      map[int64]Member{},
		}
		q.queues[key] = tq
	}
	q.mu.Unlock()

	tq.mu.Lock()
	tq.members[jobID] = Member{JobID: jobID, Priority: requirements.Priority}
	tq.recomputePriorityLocked()
	tq.mu.Unlock()

	q.jobs[jobID] = tq
	return tq.id
}

// Remove deletes a job from its queue, deleting the queue once it is empty. Removing an unknown job is a no-op.
func (q *TaskQueues) Remove(jobID int64) bool {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return q.removeLocked(jobID)
}

func (q *TaskQueues) removeLocked(jobID int64) bool {
	tq, ok := q.jobs[jobID]
	if !ok {
		return false
	}
	delete(q.jobs, jobID)

	tq.mu.Lock()
	delete(tq.members, jobID)
	empty := len(tq.members) == 0
	if empty {
		tq.deleted = true
	} else {
		tq.recomputePriorityLocked()
	}
	tq.mu.Unlock()

	if empty {
		q.mu.Lock()
		if q.queues[tq.key] == tq {
			delete(q.queues, tq.key)
		}
		q.mu.Unlock()
	}
	return true
}

// Contains reports whether the job is queued.
func (q *TaskQueues) Contains(jobID int64) bool {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	_, ok := q.jobs[jobID]
	return ok
}

// SelectCandidate walks the queues in descending priority, ties in random order. The first queue whose
// requirements the capability satisfies yields a member chosen by the weighting. Members of a queue are
// eligible for exactly the same capabilities, so the filter runs once per queue.
func (q *TaskQueues) SelectCandidate(capability matching.Capability, filter Eligibility) (Candidate, bool) {
	type snapshot struct {
		tq       *taskQueue
		priority int32
		members  []Member
	}

	q.mu.RLock()
	queues := maps.Values(q.queues)
	q.mu.RUnlock()

	snapshots := make([]snapshot, 0, len(queues))
	for _, tq := range queues {
		tq.mu.Lock()
		if !tq.deleted && len(tq.members) > 0 {
			snapshots = append(snapshots, snapshot{tq: tq, priority: tq.priority, members: maps.Values(tq.members)})
		}
		tq.mu.Unlock()
	}
	q.rng.Shuffle(len(snapshots), func(i, j int) { snapshots[i], snapshots[j] = snapshots[j], snapshots[i] })
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].priority > snapshots[j].priority })

	for _, s := range snapshots {
		if eligible, _ := filter.IsEligible(capability, s.tq.requirements); !eligible {
			continue
		}
		ordered := q.weighting.Order(s.members, q.rng)
		if len(ordered) == 0 {
			continue
		}
		return Candidate{JobID: ordered[0].JobID, TaskQueueID: s.tq.id, Priority: ordered[0].Priority}, true
	}
	return Candidate{}, false
}

// Len returns the number of task queues.
func (q *TaskQueues) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues)
}

// JobCount returns the number of queued jobs.
func (q *TaskQueues) JobCount() int {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return len(q.jobs)
}

// Get describes the queue with the given id.
func (q *TaskQueues) Get(taskQueueID int64) (Info, bool) {
	for _, info := range q.Snapshot() {
		if info.TaskQueueID == taskQueueID {
			return info, true
		}
	}
	return Info{}, false
}

// Snapshot describes every queue, highest priority first.
func (q *TaskQueues) Snapshot() []Info {
	q.mu.RLock()
	queues := maps.Values(q.queues)
	q.mu.RUnlock()

	result := make([]Info, 0, len(queues))
	for _, tq := range queues {
		tq.mu.Lock()
		if !tq.deleted {
			ids := maps.Keys(tq.members)
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			result = append(result, Info{
				TaskQueueID:  tq.id,
				Requirements: tq.requirements.DeepCopy(),
				Priority:     tq.priority,
				JobIDs:       ids,
			})
		}
		tq.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].TaskQueueID < result[j].TaskQueueID
	})
	return result
}

// Sync makes the queues hold exactly the given jobs. It is used to reconcile with the job store.
// Returns the number of jobs added and removed.
func (q *TaskQueues) Sync(waiting map[int64]matching.Requirements) (added int, removed int) {
	q.writeMu.Lock()
	current := make(map[int64]*taskQueue, len(q.jobs))
	for id, tq := range q.jobs {
		current[id] = tq
	}
	q.writeMu.Unlock()

	for id := range current {
		if _, ok := waiting[id]; !ok {
			if q.Remove(id) {
				removed++
			}
		}
	}
	for id, req := range waiting {
		if tq, ok := current[id]; ok && tq.key == canonicalKey(req) {
			continue
		}
		q.Enqueue(id, req)
		added++
	}
	return added, removed
}
