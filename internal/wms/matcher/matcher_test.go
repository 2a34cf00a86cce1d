package matcher

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	repo    jobdb.Repository
	queues  *taskqueue.TaskQueues
	matcher *Matcher
}

func newTestEnv(t *testing.T, wrap func(jobdb.Repository) jobdb.Repository) *testEnv {
	db, err := jobdb.NewJobDb()
	require.NoError(t, err)
	var repo jobdb.Repository = db
	if wrap != nil {
		repo = wrap(db)
	}
	queues := taskqueue.New(taskqueue.LinearWeighting{}, util.NewThreadsafeRand(1))
	filter := matching.NewFilter(
		matching.FilterConfig{},
		matching.StaticSiteMask{"SiteX": true, "SiteY": true},
		matching.AllowAll{},
	)
	m := New(Config{SupportedVersions: []string{"v1"}, MatchRetries: 3}, repo, queues, filter, clock.NewFakeClock(testTime), metrics.New())
	return &testEnv{repo: repo, queues: queues, matcher: m}
}

func (e *testEnv) submit(t *testing.T, req matching.Requirements) *jobdb.Job {
	job := &jobdb.Job{
		Status:       jobdb.Waiting,
		MinorStatus:  jobdb.MinorPilotAgentSubmission,
		Requirements: req,
		Priority:     req.Priority,
	}
	require.NoError(t, e.repo.InsertJob(wmscontext.Background(), job))
	e.queues.Enqueue(job.JobID, job.Requirements)
	return job
}

func capability(pilot, site string, cpu int64) matching.Capability {
	return matching.Capability{
		ProtocolVersion:  "v1",
		PilotReference:   pilot,
		Site:             site,
		CPUTimeAvailable: cpu,
	}
}

func TestRequestJob_EndToEndSiteAndCPU(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := wmscontext.Background()
	j1 := env.submit(t, matching.Requirements{Sites: []string{"SiteX"}, CPUTime: 1000})

	result, err := env.matcher.RequestJob(ctx, capability("pilot-y", "SiteY", 5000))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, result.Outcome)

	result, err = env.matcher.RequestJob(ctx, capability("pilot-x1", "SiteX", 500))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, result.Outcome)

	result, err = env.matcher.RequestJob(ctx, capability("pilot-x2", "SiteX", 2000))
	require.NoError(t, err)
	require.Equal(t, Matched, result.Outcome)
	assert.Equal(t, j1.JobID, result.Job.JobID)

	stored, err := env.repo.GetJob(ctx, j1.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Matched, stored.Status)
	assert.Equal(t, "pilot-x2", stored.PilotReference)
	assert.Equal(t, "SiteX", stored.Site)
	assert.False(t, env.queues.Contains(j1.JobID))

	pilot, err := env.repo.GetPilot(ctx, "pilot-x2")
	require.NoError(t, err)
	assert.Equal(t, j1.JobID, pilot.AssociatedJobID)
	assert.Equal(t, jobdb.PilotRunning, pilot.Status)

	result, err = env.matcher.RequestJob(ctx, capability("pilot-x3", "SiteX", 2000))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, result.Outcome)
}

func TestRequestJob_InvalidCapability(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, matching.Requirements{CPUTime: 10})

	tests := map[string]struct {
		capability matching.Capability
		kind       wmserrors.Kind
	}{
		"version mismatch": {
			capability: matching.Capability{ProtocolVersion: "v0", PilotReference: "p", Site: "SiteX"},
			kind:       wmserrors.KindVersionMismatch,
		},
		"missing site": {
			capability: matching.Capability{ProtocolVersion: "v1", PilotReference: "p"},
			kind:       wmserrors.KindInvalidCapability,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := env.matcher.RequestJob(wmscontext.Background(), tc.capability)
			assert.Equal(t, tc.kind, wmserrors.KindOf(err))
		})
	}
	assert.Equal(t, 1, env.queues.JobCount())
}

func TestRequestJob_AtMostOneMatchPerJob(t *testing.T) {
	tests := map[string]struct {
		callers int
		jobs    int
	}{
		"more callers than jobs": {callers: 40, jobs: 10},
		"more jobs than callers": {callers: 10, jobs: 40},
		"one job":                {callers: 25, jobs: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.matcher.config.MatchRetries = tc.callers
			for i := 0; i < tc.jobs; i++ {
				env.submit(t, matching.Requirements{CPUTime: 10, Priority: int32(i % 3)})
			}

			var wg sync.WaitGroup
			matched := make(chan int64, tc.callers)
			for i := 0; i < tc.callers; i++ {
				pilot := util.NewPilotReference("test")
				wg.Add(1)
				go func() {
					defer wg.Done()
					result, err := env.matcher.RequestJob(wmscontext.Background(), capability(pilot, "SiteX", 100))
					assert.NoError(t, err)
					if result.Outcome == Matched {
						matched <- result.Job.JobID
					}
				}()
			}
			wg.Wait()
			close(matched)

			seen := map[int64]bool{}
			for id := range matched {
				assert.False(t, seen[id], "job %d matched twice", id)
				seen[id] = true
			}
			expected := tc.jobs
			if tc.callers < expected {
				expected = tc.callers
			}
			assert.Len(t, seen, expected)
		})
	}
}

// contendedRepository loses the first n assignments as if another pilot had won them.
type contendedRepository struct {
	jobdb.Repository
	mu     sync.Mutex
	losses int
	fail   error
}

func (r *contendedRepository) AssignJob(ctx *wmscontext.Context, job *jobdb.Job, pilot *jobdb.Pilot) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return false, r.fail
	}
	if r.losses > 0 {
		r.losses--
		return false, nil
	}
	return r.Repository.AssignJob(ctx, job, pilot)
}

func TestRequestJob_RetriesContention(t *testing.T) {
	repo := &contendedRepository{losses: 2}
	env := newTestEnv(t, func(db jobdb.Repository) jobdb.Repository { repo.Repository = db; return repo })
	job := env.submit(t, matching.Requirements{CPUTime: 10})

	result, err := env.matcher.RequestJob(wmscontext.Background(), capability("p", "SiteX", 100))
	require.NoError(t, err)
	require.Equal(t, Matched, result.Outcome)
	assert.Equal(t, job.JobID, result.Job.JobID)
}

func TestRequestJob_ContentionExhaustedIsNoMatch(t *testing.T) {
	repo := &contendedRepository{losses: 100}
	env := newTestEnv(t, func(db jobdb.Repository) jobdb.Repository { repo.Repository = db; return repo })
	job := env.submit(t, matching.Requirements{CPUTime: 10})

	result, err := env.matcher.RequestJob(wmscontext.Background(), capability("p", "SiteX", 100))
	require.NoError(t, err)
	assert.Equal(t, NoMatch, result.Outcome)
	assert.Equal(t, "contention", result.Reason)
	assert.True(t, env.queues.Contains(job.JobID), "a job that is still waiting stays queued")
}

func TestRequestJob_PersistenceFailureIsNotRetried(t *testing.T) {
	repo := &contendedRepository{fail: errors.New("connection refused")}
	env := newTestEnv(t, func(db jobdb.Repository) jobdb.Repository { repo.Repository = db; return repo })
	env.submit(t, matching.Requirements{CPUTime: 10})

	_, err := env.matcher.RequestJob(wmscontext.Background(), capability("p", "SiteX", 100))
	assert.Equal(t, wmserrors.KindPersistence, wmserrors.KindOf(err))
	assert.True(t, wmserrors.IsRetryable(err))
}

func TestRequestJob_DropsStaleQueueEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := wmscontext.Background()
	gone := env.submit(t, matching.Requirements{CPUTime: 10, Priority: 9})
	running := env.submit(t, matching.Requirements{CPUTime: 10, Priority: 9, Tags: []string{"A"}})
	waiting := env.submit(t, matching.Requirements{CPUTime: 10, Priority: 1, Platform: "EL9"})

	require.NoError(t, env.repo.DeleteJob(ctx, gone.JobID))
	running.Status = jobdb.Running
	ok, err := env.repo.UpdateJob(ctx, running)
	require.NoError(t, err)
	require.True(t, ok)

	c := capability("p", "SiteX", 100)
	c.Tags = []string{"A"}
	c.Platform = "EL9"
	result, err := env.matcher.RequestJob(ctx, c)
	require.NoError(t, err)
	require.Equal(t, Matched, result.Outcome)
	assert.Equal(t, waiting.JobID, result.Job.JobID)
	assert.Equal(t, 0, env.queues.JobCount())
}

func TestRequestJob_ReusesExistingPilot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := wmscontext.Background()
	env.submit(t, matching.Requirements{CPUTime: 10})
	env.submit(t, matching.Requirements{CPUTime: 10})

	for i := 0; i < 2; i++ {
		result, err := env.matcher.RequestJob(ctx, capability("pilot-1", "SiteX", 100))
		require.NoError(t, err)
		require.Equal(t, Matched, result.Outcome)

		done := result.Job
		done.Status = jobdb.Done
		ok, err := env.repo.UpdateJob(ctx, done)
		require.NoError(t, err)
		require.True(t, ok)
	}
	pilot, err := env.repo.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pilot.Version)
	assert.True(t, testTime.Equal(pilot.SubmissionTime))
}

func TestRequestJob_UnavailablePilotIsNoMatch(t *testing.T) {
	tests := map[string]struct {
		setup  func(t *testing.T, env *testEnv)
		reason string
		status jobdb.PilotStatus
	}{
		"pilot still runs a job": {
			setup: func(t *testing.T, env *testEnv) {
				env.submit(t, matching.Requirements{CPUTime: 10, Priority: 9})
				result, err := env.matcher.RequestJob(wmscontext.Background(), capability("pilot-1", "SiteX", 100))
				require.NoError(t, err)
				require.Equal(t, Matched, result.Outcome)
			},
			reason: "is still Matched",
			status: jobdb.PilotRunning,
		},
		"pilot is done": {
			setup: func(t *testing.T, env *testEnv) {
				pilot := &jobdb.Pilot{PilotReference: "pilot-1", SiteName: "SiteX", Status: jobdb.PilotDone}
				require.NoError(t, env.repo.UpsertPilot(wmscontext.Background(), pilot))
			},
			reason: "pilot is Done",
			status: jobdb.PilotDone,
		},
		"pilot was aborted": {
			setup: func(t *testing.T, env *testEnv) {
				pilot := &jobdb.Pilot{PilotReference: "pilot-1", SiteName: "SiteX", Status: jobdb.PilotAborted}
				require.NoError(t, env.repo.UpsertPilot(wmscontext.Background(), pilot))
			},
			reason: "pilot is Aborted",
			status: jobdb.PilotAborted,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := wmscontext.Background()
			tc.setup(t, env)
			before, err := env.repo.GetPilot(ctx, "pilot-1")
			require.NoError(t, err)
			job := env.submit(t, matching.Requirements{CPUTime: 10})

			result, err := env.matcher.RequestJob(ctx, capability("pilot-1", "SiteX", 100))
			require.NoError(t, err)
			assert.Equal(t, NoMatch, result.Outcome)
			assert.Contains(t, result.Reason, tc.reason)

			stored, err := env.repo.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, jobdb.Waiting, stored.Status)
			assert.True(t, env.queues.Contains(job.JobID))

			pilot, err := env.repo.GetPilot(ctx, "pilot-1")
			require.NoError(t, err)
			assert.Equal(t, tc.status, pilot.Status)
			assert.Equal(t, before.AssociatedJobID, pilot.AssociatedJobID)
			assert.Equal(t, before.Version, pilot.Version)
		})
	}
}

// deletingRepository deletes the job being assigned just before the assignment reaches the store.
type deletingRepository struct {
	jobdb.Repository
	deleted []int64
}

func (r *deletingRepository) AssignJob(ctx *wmscontext.Context, job *jobdb.Job, pilot *jobdb.Pilot) (bool, error) {
	if len(r.deleted) == 0 {
		if err := r.Repository.DeleteJob(ctx, job.JobID); err != nil {
			return false, err
		}
		r.deleted = append(r.deleted, job.JobID)
	}
	return r.Repository.AssignJob(ctx, job, pilot)
}

func TestRequestJob_JobDeletedDuringAssignment(t *testing.T) {
	repo := &deletingRepository{}
	env := newTestEnv(t, func(db jobdb.Repository) jobdb.Repository { repo.Repository = db; return repo })
	env.submit(t, matching.Requirements{CPUTime: 10})
	env.submit(t, matching.Requirements{CPUTime: 10})

	result, err := env.matcher.RequestJob(wmscontext.Background(), capability("p", "SiteX", 100))
	require.NoError(t, err)
	require.Equal(t, Matched, result.Outcome)
	require.Len(t, repo.deleted, 1)
	assert.NotEqual(t, repo.deleted[0], result.Job.JobID)
	assert.False(t, env.queues.Contains(repo.deleted[0]))
	assert.Equal(t, 0, env.queues.JobCount())
}
