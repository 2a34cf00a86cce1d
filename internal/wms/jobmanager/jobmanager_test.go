package jobmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

const siteXJDL = `[ Executable = "run.sh"; Site = {"SiteX"}; CPUTime = 1000; Priority = 3; ]`

var (
	testTime     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testIdentity = matching.Identity{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb"}
)

// recordingRepository remembers every status written for each job.
type recordingRepository struct {
	jobdb.Repository
	mu    sync.Mutex
	walks map[int64][]jobdb.JobStatus
	// updateFailures makes the next n UpdateJob calls lose their compare-and-swap.
	updateFailures int
}

func (r *recordingRepository) record(job *jobdb.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walks[job.JobID] = append(r.walks[job.JobID], job.Status)
}

func (r *recordingRepository) InsertJob(ctx *wmscontext.Context, job *jobdb.Job) error {
	err := r.Repository.InsertJob(ctx, job)
	if err == nil {
		r.record(job)
	}
	return err
}

func (r *recordingRepository) UpdateJob(ctx *wmscontext.Context, job *jobdb.Job) (bool, error) {
	r.mu.Lock()
	if r.updateFailures > 0 {
		r.updateFailures--
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()
	ok, err := r.Repository.UpdateJob(ctx, job)
	if ok {
		r.record(job)
	}
	return ok, err
}

func (r *recordingRepository) AssignJob(ctx *wmscontext.Context, job *jobdb.Job, pilot *jobdb.Pilot) (bool, error) {
	ok, err := r.Repository.AssignJob(ctx, job, pilot)
	if ok {
		r.record(job)
	}
	return ok, err
}

func (r *recordingRepository) RescheduleJob(ctx *wmscontext.Context, job *jobdb.Job, entry jobdb.AtticEntry) (bool, error) {
	ok, err := r.Repository.RescheduleJob(ctx, job, entry)
	if ok {
		r.record(job)
	}
	return ok, err
}

func (r *recordingRepository) walk(jobID int64) []jobdb.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobdb.JobStatus(nil), r.walks[jobID]...)
}

type testEnv struct {
	repo    *recordingRepository
	queues  *taskqueue.TaskQueues
	manager *JobManager
	matcher *matcher.Matcher
	clock   *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	db, err := jobdb.NewJobDb()
	require.NoError(t, err)
	repo := &recordingRepository{Repository: db, walks: map[int64][]jobdb.JobStatus{}}
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
		manager: New(Config{MaxReschedulings: jobdb.DefaultMaxReschedulings, UpdateRetries: 3}, repo, queues, parser, builder, fakeClock, m),
		matcher: matcher.New(matcher.Config{MatchRetries: 3}, repo, queues, filter, fakeClock, m),
		clock:   fakeClock,
	}
}

func (e *testEnv) match(t *testing.T, pilot string) *jobdb.Job {
	result, err := e.matcher.RequestJob(wmscontext.Background(), matching.Capability{
		PilotReference:   pilot,
		Site:             "SiteX",
		CPUTimeAvailable: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, matcher.Matched, result.Outcome)
	return result.Job
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()

	job, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Waiting, job.Status)
	assert.Equal(t, jobdb.MinorPilotAgentSubmission, job.MinorStatus)
	assert.Equal(t, []string{"SiteX"}, job.Requirements.Sites)
	assert.Equal(t, int64(1000), job.Requirements.CPUTime)
	assert.Equal(t, int32(3), job.Priority)
	assert.Equal(t, "run.sh", job.Payload.Executable)
	assert.Equal(t, siteXJDL, job.OriginalJDL)
	assert.True(t, env.queues.Contains(job.JobID))

	stamped, err := jdl.Parse(job.JDL)
	require.NoError(t, err)
	id, ok, err := stamped.GetInt(jdl.AttrJobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.JobID, id)
	owner, _ := stamped.GetString(jdl.AttrOwner)
	assert.Equal(t, "alice", owner)

	assert.NoError(t, jobdb.ValidateWalk(job.JobID, env.repo.walk(job.JobID)))
}

func TestSubmit_Rejected(t *testing.T) {
	tests := map[string]struct {
		identity matching.Identity
		jdl      string
	}{
		"unparseable jdl": {identity: testIdentity, jdl: `[ Executable = "a";`},
		"missing owner":   {identity: matching.Identity{}, jdl: siteXJDL},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.manager.Submit(wmscontext.Background(), tc.identity, tc.jdl)
			assert.Equal(t, wmserrors.KindInvalidArgument, wmserrors.KindOf(err))
			jobs, err := env.manager.GetJobsByStatus(wmscontext.Background(), jobdb.AllJobStatuses...)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestSubmit_VerificationFailure(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.manager.Submit(wmscontext.Background(), testIdentity, `[ Arguments = "no executable"; ]`)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Failed, job.Status)
	assert.Equal(t, jobdb.MinorVerificationFailed, job.MinorStatus)
	assert.False(t, env.queues.Contains(job.JobID))
	assert.Equal(t, []jobdb.JobStatus{jobdb.Received, jobdb.Failed}, env.repo.walk(job.JobID))
}

func TestFailedPayloadIsNotRescheduled(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	submitted, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	matched := env.match(t, "pilot-1")
	require.Equal(t, submitted.JobID, matched.JobID)

	instruction, err := env.manager.Heartbeat(ctx, matched.JobID, HeartbeatReport{PilotReference: "pilot-1"})
	require.NoError(t, err)
	assert.Equal(t, InstructionNone, instruction)
	running, err := env.manager.GetJob(ctx, matched.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Running, running.Status)

	failed, err := env.manager.ReportOutcome(ctx, matched.JobID, "pilot-1", Outcome{ExitCode: 1})
	require.NoError(t, err)
	assert.Equal(t, jobdb.Failed, failed.Status)
	assert.Equal(t, "Payload exited with code 1", failed.MinorStatus)
	assert.Equal(t, 0, failed.RescheduleCounter)

	pilot, err := env.manager.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Zero(t, pilot.AssociatedJobID)
	assert.Equal(t, []jobdb.JobStatus{jobdb.Received, jobdb.Waiting, jobdb.Matched, jobdb.Running, jobdb.Failed}, env.repo.walk(matched.JobID))
}

func TestReportOutcome_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	_, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	job := env.match(t, "pilot-1")

	done, err := env.manager.ReportOutcome(ctx, job.JobID, "pilot-1", Outcome{ExitCode: 0, ApplicationStatus: "ok"})
	require.NoError(t, err)
	assert.Equal(t, jobdb.Done, done.Status)
	assert.Equal(t, "ok", done.ApplicationStatus)

	again, err := env.manager.ReportOutcome(ctx, job.JobID, "pilot-1", Outcome{ExitCode: 0})
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)

	walk := env.repo.walk(job.JobID)
	assert.Equal(t, []jobdb.JobStatus{
		jobdb.Received, jobdb.Waiting, jobdb.Matched, jobdb.Running, jobdb.Completing, jobdb.Done,
	}, walk)
	assert.NoError(t, jobdb.ValidateWalk(job.JobID, walk))

	_, err = env.manager.ReportOutcome(ctx, job.JobID, "pilot-1", Outcome{ExitCode: 2})
	assert.Equal(t, wmserrors.KindInvalidTransition, wmserrors.KindOf(err))
}

func TestReportOutcome_WrongPilot(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	_, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	job := env.match(t, "pilot-1")

	_, err = env.manager.ReportOutcome(ctx, job.JobID, "pilot-2", Outcome{ExitCode: 0})
	assert.Equal(t, wmserrors.KindInvalidArgument, wmserrors.KindOf(err))
	stored, err := env.manager.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Matched, stored.Status)
}

func TestHeartbeat(t *testing.T) {
	tests := map[string]struct {
		prepare             func(t *testing.T, env *testEnv, jobID int64)
		report              HeartbeatReport
		expectedInstruction ControlInstruction
		expectedStatus      jobdb.JobStatus
	}{
		"first heartbeat starts the job": {
			report:              HeartbeatReport{PilotReference: "pilot-1"},
			expectedInstruction: InstructionNone,
			expectedStatus:      jobdb.Running,
		},
		"heartbeat from another pilot": {
			report:              HeartbeatReport{PilotReference: "pilot-2"},
			expectedInstruction: InstructionKill,
			expectedStatus:      jobdb.Matched,
		},
		"heartbeat for a canceled job": {
			prepare: func(t *testing.T, env *testEnv, jobID int64) {
				_, err := env.manager.Cancel(wmscontext.Background(), jobID)
				require.NoError(t, err)
			},
			report:              HeartbeatReport{PilotReference: "pilot-1"},
			expectedInstruction: InstructionKill,
			expectedStatus:      jobdb.Canceled,
		},
		"stalled job recovers": {
			prepare: func(t *testing.T, env *testEnv, jobID int64) {
				env.clock.Step(time.Minute)
				_, err := env.manager.MarkStalled(wmscontext.Background(), jobID, jobdb.MinorStalled, env.clock.Now())
				require.NoError(t, err)
			},
			report:              HeartbeatReport{PilotReference: "pilot-1"},
			expectedInstruction: InstructionNone,
			expectedStatus:      jobdb.Running,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := wmscontext.Background()
			_, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
			require.NoError(t, err)
			job := env.match(t, "pilot-1")
			if tc.prepare != nil {
				tc.prepare(t, env, job.JobID)
			}

			instruction, err := env.manager.Heartbeat(ctx, job.JobID, tc.report)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedInstruction, instruction)
			stored, err := env.manager.GetJob(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStatus, stored.Status)
			assert.NoError(t, jobdb.ValidateWalk(job.JobID, env.repo.walk(job.JobID)))
		})
	}
}

func TestHeartbeat_IgnoresStaleReports(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	_, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	job := env.match(t, "pilot-1")

	latest := testTime.Add(time.Minute)
	_, err = env.manager.Heartbeat(ctx, job.JobID, HeartbeatReport{
		PilotReference:    "pilot-1",
		Time:              latest,
		ApplicationStatus: "step 2",
		Usage:             jobdb.ResourceUsage{CPUTime: 2 * time.Minute},
	})
	require.NoError(t, err)

	instruction, err := env.manager.Heartbeat(ctx, job.JobID, HeartbeatReport{
		PilotReference:    "pilot-1",
		Time:              testTime,
		ApplicationStatus: "step 1",
		Usage:             jobdb.ResourceUsage{CPUTime: time.Minute},
	})
	require.NoError(t, err)
	assert.Equal(t, InstructionNone, instruction)

	stored, err := env.manager.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "step 2", stored.ApplicationStatus)
	assert.Equal(t, 2*time.Minute, stored.Usage.CPUTime)
	assert.True(t, latest.Equal(stored.HeartbeatTime))
}

func TestHeartbeat_UnknownJob(t *testing.T) {
	env := newTestEnv(t)
	instruction, err := env.manager.Heartbeat(wmscontext.Background(), 42, HeartbeatReport{PilotReference: "pilot-1"})
	require.NoError(t, err)
	assert.Equal(t, InstructionKill, instruction)
}

func TestRescheduleLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	submitted, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)

	for i := 1; i <= jobdb.DefaultMaxReschedulings; i++ {
		job := env.match(t, util.NewPilotReference("test"))
		require.Equal(t, submitted.JobID, job.JobID)
		env.clock.Step(time.Minute)

		rescheduled, err := env.manager.Reschedule(ctx, job.JobID, "submission failure")
		require.NoError(t, err)
		assert.Equal(t, jobdb.Waiting, rescheduled.Status)
		assert.Equal(t, i, rescheduled.RescheduleCounter)
		assert.Empty(t, rescheduled.PilotReference)
		assert.True(t, env.queues.Contains(job.JobID))
	}

	job := env.match(t, "last-pilot")
	failed, err := env.manager.Reschedule(ctx, job.JobID, "submission failure")
	assert.Equal(t, wmserrors.KindRescheduleLimitExceeded, wmserrors.KindOf(err))
	require.NotNil(t, failed)
	assert.Equal(t, jobdb.Failed, failed.Status)
	assert.Equal(t, jobdb.MinorMaxReschedulings, failed.MinorStatus)
	assert.Equal(t, jobdb.DefaultMaxReschedulings, failed.RescheduleCounter)
	assert.False(t, env.queues.Contains(job.JobID))

	attic, err := env.manager.GetAttic(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, attic, jobdb.DefaultMaxReschedulings)
	for i, entry := range attic {
		assert.Equal(t, i, entry.RescheduleCounter)
		assert.Equal(t, jobdb.Matched, entry.Status)
		assert.Equal(t, "SiteX", entry.Site)
	}

	pilot, err := env.manager.GetPilot(ctx, "last-pilot")
	require.NoError(t, err)
	assert.Zero(t, pilot.AssociatedJobID)
	assert.NoError(t, jobdb.ValidateWalk(job.JobID, env.repo.walk(job.JobID)))
}

func TestReschedule_ResetsJDL(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	submitted, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	job := env.match(t, "pilot-1")
	_, err = env.manager.Heartbeat(ctx, job.JobID, HeartbeatReport{PilotReference: "pilot-1"})
	require.NoError(t, err)

	rescheduled, err := env.manager.Reschedule(ctx, job.JobID, "killed")
	require.NoError(t, err)
	assert.Equal(t, siteXJDL, rescheduled.OriginalJDL)
	assert.Equal(t, submitted.Requirements, rescheduled.Requirements)
	stamped, err := jdl.Parse(rescheduled.JDL)
	require.NoError(t, err)
	counter, _, err := stamped.GetInt(jdl.AttrRescheduleCounter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter)
	assert.True(t, rescheduled.HeartbeatTime.IsZero())

	attic, err := env.manager.GetAttic(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, attic, 1)
	assert.Equal(t, jobdb.Running, attic[0].Status)
	assert.Equal(t, "pilot-1", attic[0].PilotReference)
}

func TestReschedule_InvalidFromWaiting(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	job, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)

	_, err = env.manager.Reschedule(ctx, job.JobID, "")
	assert.Equal(t, wmserrors.KindInvalidTransition, wmserrors.KindOf(err))
	stored, err := env.manager.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Waiting, stored.Status)
	assert.Equal(t, 0, stored.RescheduleCounter)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	job, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)

	canceled, err := env.manager.Cancel(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Canceled, canceled.Status)
	assert.False(t, env.queues.Contains(job.JobID))
	assert.Equal(t, 0, env.queues.Len())

	_, err = env.manager.Cancel(ctx, job.JobID)
	assert.Equal(t, wmserrors.KindInvalidTransition, wmserrors.KindOf(err))
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()
	_, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
	require.NoError(t, err)
	job := env.match(t, "pilot-1")
	_, err = env.manager.Reschedule(ctx, job.JobID, "")
	require.NoError(t, err)
	require.True(t, env.queues.Contains(job.JobID))

	require.NoError(t, env.manager.Delete(ctx, job.JobID))
	assert.False(t, env.queues.Contains(job.JobID))
	_, err = env.manager.GetJob(ctx, job.JobID)
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))
	_, err = env.manager.GetAttic(ctx, job.JobID)
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))

	err = env.manager.Delete(ctx, job.JobID)
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))
}

func TestUpdate_Contention(t *testing.T) {
	tests := map[string]struct {
		failures      int
		expectSuccess bool
	}{
		"recovers within retries": {failures: 2, expectSuccess: true},
		"gives up":                {failures: 3, expectSuccess: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := wmscontext.Background()
			job, err := env.manager.Submit(ctx, testIdentity, siteXJDL)
			require.NoError(t, err)

			env.repo.updateFailures = tc.failures
			_, err = env.manager.Cancel(ctx, job.JobID)
			if tc.expectSuccess {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, wmserrors.KindContention, wmserrors.KindOf(err))
				stored, err := env.manager.GetJob(ctx, job.JobID)
				require.NoError(t, err)
				assert.Equal(t, jobdb.Waiting, stored.Status)
			}
		})
	}
}

func TestPilots(t *testing.T) {
	env := newTestEnv(t)
	ctx := wmscontext.Background()

	pilot, err := env.manager.RegisterPilot(ctx, "pilot-1", "SiteX")
	require.NoError(t, err)
	assert.Equal(t, jobdb.PilotSubmitted, pilot.Status)

	_, err = env.manager.RegisterPilot(ctx, "pilot-1", "SiteX")
	assert.Equal(t, wmserrors.KindAlreadyExists, wmserrors.KindOf(err))

	_, err = env.manager.ReportPilotStatus(ctx, "pilot-1", jobdb.PilotStatus("Bogus"))
	assert.Equal(t, wmserrors.KindInvalidArgument, wmserrors.KindOf(err))

	running, err := env.manager.ReportPilotStatus(ctx, "pilot-1", jobdb.PilotRunning)
	require.NoError(t, err)
	assert.Equal(t, jobdb.PilotRunning, running.Status)
	assert.True(t, testTime.Equal(running.LastHeartbeat))

	done, err := env.manager.ReportPilotStatus(ctx, "pilot-1", jobdb.PilotDone)
	require.NoError(t, err)
	assert.Equal(t, jobdb.PilotDone, done.Status)

	_, err = env.manager.ReportPilotStatus(ctx, "pilot-1", jobdb.PilotRunning)
	assert.Equal(t, wmserrors.KindInvalidArgument, wmserrors.KindOf(err))

	_, err = env.manager.ReportPilotStatus(ctx, "unknown", jobdb.PilotRunning)
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))

	pilots, err := env.manager.GetPilotsByStatus(ctx, jobdb.PilotDone)
	require.NoError(t, err)
	require.Len(t, pilots, 1)
	require.NoError(t, env.manager.DeletePilot(ctx, "pilot-1"))
	_, err = env.manager.GetPilot(ctx, "pilot-1")
	assert.Equal(t, wmserrors.KindNotFound, wmserrors.KindOf(err))
}
