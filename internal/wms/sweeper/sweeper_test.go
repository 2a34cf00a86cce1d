package sweeper

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/gridwms/wms/internal/common/task"
	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

const siteXJDL = `[ Executable = "run.sh"; Site = {"SiteX"}; CPUTime = 1000; ]`

var (
	testTime     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testIdentity = matching.Identity{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb"}
)

var testConfig = Config{
	SweepInterval:           time.Minute,
	MatchedJobTimeout:       10 * time.Minute,
	StalledJobTimeout:       time.Hour,
	StalledPilotTimeout:     30 * time.Minute,
	PilotRetention:          24 * time.Hour,
	OptimizerGrace:          5 * time.Minute,
	QueueResyncInterval:     5 * time.Minute,
	SiteMaskRefreshInterval: time.Minute,
}

type countingSiteMask struct {
	refreshes atomic.Int32
}

func (m *countingSiteMask) Refresh(*wmscontext.Context) error {
	m.refreshes.Add(1)
	return nil
}

type testEnv struct {
	repo    *jobdb.JobDb
	queues  *taskqueue.TaskQueues
	manager *jobmanager.JobManager
	matcher *matcher.Matcher
	clock   *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

// newTestEnvWith builds the environment with the store seen by the job manager wrapped by wrap.
func newTestEnvWith(t *testing.T, wrap func(jobdb.Repository) jobdb.Repository) *testEnv {
	repo, err := jobdb.NewJobDb()
	require.NoError(t, err)
	var store jobdb.Repository = repo
	if wrap != nil {
		store = wrap(repo)
	}
	queues := taskqueue.New(taskqueue.LinearWeighting{}, util.NewThreadsafeRand(1))
	parser, err := jdl.NewCachingParser(100)
	require.NoError(t, err)
	builder := jdl.NewRequirementsBuilder(jdl.BuilderConfig{DefaultCPUTime: 3600, DefaultJobType: "User", MaxPriority: 10})
	fakeClock := clock.NewFakeClock(testTime)
	m := metrics.New()
	filter := matching.NewFilter(matching.FilterConfig{}, matching.StaticSiteMask{"SiteX": true}, matching.AllowAll{})
	return &testEnv{
		repo:    repo,
		queues:  queues,
		manager: jobmanager.New(jobmanager.Config{MaxReschedulings: jobdb.DefaultMaxReschedulings, UpdateRetries: 3}, store, queues, parser, builder, fakeClock, m),
		matcher: matcher.New(matcher.Config{MatchRetries: 3}, store, queues, filter, fakeClock, m),
		clock:   fakeClock,
	}
}

func (e *testEnv) sweeper(config Config) *Sweeper {
	return New(config, e.manager, e.queues, nil, e.clock)
}

func (e *testEnv) matchedJob(t *testing.T, pilot string) *jobdb.Job {
	ctx := wmscontext.Background()
	_, err := e.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	result, err := e.matcher.RequestJob(ctx, matching.Capability{PilotReference: pilot, Site: "SiteX", CPUTimeAvailable: 5000})
	require.NoError(t, err)
	require.Equal(t, matcher.Matched, result.Outcome)
	return result.Job
}

func (e *testEnv) runningJob(t *testing.T, pilot string) *jobdb.Job {
	job := e.matchedJob(t, pilot)
	instruction, err := e.manager.Heartbeat(wmscontext.Background(), job.JobID, jobmanager.HeartbeatReport{
		PilotReference: pilot,
		Time:           e.clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, jobmanager.InstructionNone, instruction)
	return job
}

func (e *testEnv) status(t *testing.T, jobID int64) *jobdb.Job {
	job, err := e.manager.GetJob(wmscontext.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestSweepStalledJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	s := env.sweeper(testConfig)

	matched := env.matchedJob(t, "pilot-1")
	running := env.runningJob(t, "pilot-2")

	env.clock.Step(testConfig.MatchedJobTimeout + time.Second)
	require.NoError(t, s.SweepStalledJobs(ctx))
	assert.Equal(t, jobdb.Stalled, env.status(t, matched.JobID).Status)
	assert.Equal(t, jobdb.MinorMatchedTimeout, env.status(t, matched.JobID).MinorStatus)
	assert.Equal(t, jobdb.Running, env.status(t, running.JobID).Status)

	env.clock.Step(testConfig.StalledJobTimeout)
	require.NoError(t, s.SweepStalledJobs(ctx))
	assert.Equal(t, jobdb.Stalled, env.status(t, running.JobID).Status)
	assert.Equal(t, jobdb.MinorStalled, env.status(t, running.JobID).MinorStatus)
	// Without automatic rescheduling stalled jobs stay where they are.
	assert.Equal(t, jobdb.Stalled, env.status(t, matched.JobID).Status)
}

func TestSweepStalledJobs_HeartbeatKeepsJobRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	s := env.sweeper(testConfig)
	job := env.runningJob(t, "pilot-1")

	for i := 0; i < 3; i++ {
		env.clock.Step(testConfig.StalledJobTimeout - time.Minute)
		_, err := env.manager.Heartbeat(ctx, job.JobID, jobmanager.HeartbeatReport{PilotReference: "pilot-1", Time: env.clock.Now()})
		require.NoError(t, err)
		require.NoError(t, s.SweepStalledJobs(ctx))
		assert.Equal(t, jobdb.Running, env.status(t, job.JobID).Status)
	}
}

// heartbeatingRepository runs afterList once, right after the next listing of jobs by status.
type heartbeatingRepository struct {
	jobdb.Repository
	afterList func()
}

func (r *heartbeatingRepository) GetJobsByStatus(ctx *wmscontext.Context, statuses ...jobdb.JobStatus) ([]*jobdb.Job, error) {
	jobs, err := r.Repository.GetJobsByStatus(ctx, statuses...)
	if hook := r.afterList; hook != nil {
		r.afterList = nil
		hook()
	}
	return jobs, err
}

func TestSweepStalledJobs_HeartbeatDuringSweep(t *testing.T) {
	tests := map[string]struct {
		prepare func(t *testing.T, env *testEnv) *jobdb.Job
		quiet   time.Duration
	}{
		"running job": {
			prepare: func(t *testing.T, env *testEnv) *jobdb.Job { return env.runningJob(t, "pilot-1") },
			quiet:   testConfig.StalledJobTimeout,
		},
		"matched job": {
			prepare: func(t *testing.T, env *testEnv) *jobdb.Job { return env.matchedJob(t, "pilot-1") },
			quiet:   testConfig.MatchedJobTimeout,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			repo := &heartbeatingRepository{}
			env := newTestEnvWith(t, func(db jobdb.Repository) jobdb.Repository { repo.Repository = db; return repo })
			ctx := wmscontext.Background()
			config := testConfig
			config.RescheduleStalledJobs = true
			s := env.sweeper(config)
			job := tc.prepare(t, env)

			env.clock.Step(tc.quiet + time.Second)
			repo.afterList = func() {
				_, err := env.manager.Heartbeat(ctx, job.JobID, jobmanager.HeartbeatReport{PilotReference: "pilot-1", Time: env.clock.Now()})
				require.NoError(t, err)
			}
			require.NoError(t, s.SweepStalledJobs(ctx))

			stored := env.status(t, job.JobID)
			assert.Equal(t, jobdb.Running, stored.Status)
			assert.Equal(t, jobdb.MinorApplication, stored.MinorStatus)
			assert.Zero(t, stored.RescheduleCounter)
		})
	}
}

func TestSweepStalledJobs_Reschedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	config := testConfig
	config.RescheduleStalledJobs = true
	s := env.sweeper(config)

	job := env.matchedJob(t, "pilot-1")
	env.clock.Step(config.MatchedJobTimeout + time.Second)
	require.NoError(t, s.SweepStalledJobs(ctx))

	rescheduled := env.status(t, job.JobID)
	assert.Equal(t, jobdb.Waiting, rescheduled.Status)
	assert.Equal(t, 1, rescheduled.RescheduleCounter)
	assert.Empty(t, rescheduled.PilotReference)
	assert.True(t, env.queues.Contains(job.JobID))

	pilot, err := env.manager.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Zero(t, pilot.AssociatedJobID)
}

func TestSweepStalledJobs_ReschedulesPreviouslyStalledJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()

	job := env.runningJob(t, "pilot-1")
	env.clock.Step(time.Minute)
	_, err := env.manager.MarkStalled(ctx, job.JobID, jobdb.MinorStalled, env.clock.Now())
	require.NoError(t, err)

	config := testConfig
	config.RescheduleStalledJobs = true
	s := env.sweeper(config)

	require.NoError(t, s.SweepStalledJobs(ctx))
	assert.Equal(t, jobdb.Stalled, env.status(t, job.JobID).Status)

	env.clock.Step(config.StalledJobTimeout + time.Second)
	require.NoError(t, s.SweepStalledJobs(ctx))
	assert.Equal(t, jobdb.Waiting, env.status(t, job.JobID).Status)
}

func TestSweepStalledJobs_FailsAtRescheduleLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	config := testConfig
	config.RescheduleStalledJobs = true
	s := env.sweeper(config)

	job := env.matchedJob(t, "pilot-0")
	stored, err := env.repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	stored.RescheduleCounter = jobdb.DefaultMaxReschedulings
	ok, err := env.repo.UpdateJob(ctx, stored)
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Step(config.MatchedJobTimeout + time.Second)
	require.NoError(t, s.SweepStalledJobs(ctx))
	failed := env.status(t, job.JobID)
	assert.Equal(t, jobdb.Failed, failed.Status)
	assert.Equal(t, jobdb.MinorMaxReschedulings, failed.MinorStatus)
}

func TestSweepStalledPilots(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	s := env.sweeper(testConfig)

	_, err := env.manager.RegisterPilot(ctx, "quiet", "SiteX")
	require.NoError(t, err)
	_, err = env.manager.ReportPilotStatus(ctx, "quiet", jobdb.PilotRunning)
	require.NoError(t, err)
	_, err = env.manager.RegisterPilot(ctx, "queued", "SiteX")
	require.NoError(t, err)

	env.clock.Step(testConfig.StalledPilotTimeout + time.Second)
	_, err = env.manager.RegisterPilot(ctx, "fresh", "SiteX")
	require.NoError(t, err)
	_, err = env.manager.ReportPilotStatus(ctx, "fresh", jobdb.PilotRunning)
	require.NoError(t, err)

	require.NoError(t, s.SweepStalledPilots(ctx))

	expected := map[string]jobdb.PilotStatus{
		"quiet":  jobdb.PilotStalled,
		"queued": jobdb.PilotSubmitted,
		"fresh":  jobdb.PilotRunning,
	}
	for reference, status := range expected {
		pilot, err := env.manager.GetPilot(ctx, reference)
		require.NoError(t, err)
		assert.Equal(t, status, pilot.Status, reference)
	}
}

func TestArchivePilots(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	s := env.sweeper(testConfig)

	for _, reference := range []string{"done", "running"} {
		_, err := env.manager.RegisterPilot(ctx, reference, "SiteX")
		require.NoError(t, err)
	}
	_, err := env.manager.ReportPilotStatus(ctx, "done", jobdb.PilotDone)
	require.NoError(t, err)
	_, err = env.manager.ReportPilotStatus(ctx, "running", jobdb.PilotRunning)
	require.NoError(t, err)

	env.clock.Step(testConfig.PilotRetention / 2)
	require.NoError(t, s.ArchivePilots(ctx))
	_, err = env.manager.GetPilot(ctx, "done")
	require.NoError(t, err)

	env.clock.Step(testConfig.PilotRetention)
	require.NoError(t, s.ArchivePilots(ctx))
	_, err = env.manager.GetPilot(ctx, "done")
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))
	_, err = env.manager.GetPilot(ctx, "running")
	assert.NoError(t, err)
}

func TestOptimizeLingeringJobs(t *testing.T) {
	tests := map[string]struct {
		status jobdb.JobStatus
	}{
		"received":    {status: jobdb.Received},
		"rescheduled": {status: jobdb.Rescheduled},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := wmscontext.Background()
			s := env.sweeper(testConfig)

			job := &jobdb.Job{
				Status:         tc.status,
				Owner:          testIdentity.Owner,
				OwnerGroup:     testIdentity.OwnerGroup,
				VO:             testIdentity.VO,
				JDL:            siteXJDL,
				OriginalJDL:    siteXJDL,
				SubmissionTime: env.clock.Now(),
				LastUpdateTime: env.clock.Now(),
			}
			require.NoError(t, env.repo.InsertJob(ctx, job))

			require.NoError(t, s.OptimizeLingeringJobs(ctx))
			assert.Equal(t, tc.status, env.status(t, job.JobID).Status)

			env.clock.Step(testConfig.OptimizerGrace + time.Second)
			require.NoError(t, s.OptimizeLingeringJobs(ctx))
			assert.Equal(t, jobdb.Waiting, env.status(t, job.JobID).Status)
			assert.True(t, env.queues.Contains(job.JobID))
		})
	}
}

func TestResyncTaskQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	s := env.sweeper(testConfig)

	job, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	env.queues.Remove(job.JobID)
	env.queues.Enqueue(12345, job.Requirements)

	require.NoError(t, s.ResyncTaskQueues(ctx))
	assert.True(t, env.queues.Contains(job.JobID))
	assert.False(t, env.queues.Contains(12345))
	assert.Equal(t, 1, env.queues.JobCount())
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	siteMask := &countingSiteMask{}
	s := New(testConfig, env.manager, env.queues, siteMask, env.clock)

	taskClock := clock.NewFakeClock(testTime)
	manager := task.NewBackgroundTaskManagerWithClock("wms_test_", prometheus.NewRegistry(), taskClock)
	s.Register(wmscontext.Background(), manager)

	assert.Eventually(t, func() bool { return siteMask.refreshes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, taskClock.HasWaiters, time.Second, time.Millisecond)

	taskClock.Step(testConfig.SiteMaskRefreshInterval)
	assert.Eventually(t, func() bool { return siteMask.refreshes.Load() == 2 }, time.Second, time.Millisecond)

	assert.False(t, manager.StopAll(time.Second))
}
