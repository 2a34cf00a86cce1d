// Package jobdbtest holds behavioural tests shared by every jobdb.Repository implementation.
package jobdbtest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matching"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewWaitingJob returns a job ready to be inserted.
func NewWaitingJob(site string) *jobdb.Job {
	return &jobdb.Job{
		Status:      jobdb.Waiting,
		MinorStatus: jobdb.MinorPilotAgentSubmission,
		Owner:       "alice",
		OwnerGroup:  "lhcb_user",
		VO:          "lhcb",
		JobType:     "User",
		Priority:    3,
		Requirements: matching.Requirements{
			Sites:    []string{site},
			CPUTime:  1000,
			Priority: 3,
			Tags:     []string{"MultiProcessor"},
			Identity: matching.Identity{Owner: "alice", OwnerGroup: "lhcb_user", VO: "lhcb"},
		},
		Payload:        jobdb.Payload{Executable: "/bin/true", SoftwarePackages: []string{"pkg"}, CPUTimeLimit: 1000},
		SubmissionTime: baseTime,
		LastUpdateTime: baseTime,
		JDL:            `[ Executable = "/bin/true"; ]`,
		OriginalJDL:    `[ Executable = "/bin/true"; ]`,
	}
}

// Run exercises repo, which must be empty.
func Run(t *testing.T, newRepo func(t *testing.T) jobdb.Repository) {
	tests := map[string]func(t *testing.T, repo jobdb.Repository){
		"insert and get":             testInsertAndGet,
		"get missing":                testGetMissing,
		"update is compare and swap": testUpdateCompareAndSwap,
		"returned jobs are copies":   testReturnedJobsAreCopies,
		"get by status":              testGetByStatus,
		"assign requires waiting":    testAssignRequiresWaiting,
		"concurrent assign":          testConcurrentAssign,
		"assign checks pilot":        testAssignChecksPilot,
		"reschedule archives":        testRescheduleArchives,
		"delete cascades to attic":   testDeleteCascades,
		"pilot lifecycle":            testPilotLifecycle,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test(t, newRepo(t))
		})
	}
}

func testInsertAndGet(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	first := NewWaitingJob("SiteX")
	second := NewWaitingJob("SiteY")
	require.NoError(t, repo.InsertJob(ctx, first))
	require.NoError(t, repo.InsertJob(ctx, second))

	assert.Greater(t, second.JobID, first.JobID)
	assert.Equal(t, int64(1), first.Version)

	stored, err := repo.GetJob(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, second.Requirements, stored.Requirements)
	assert.Equal(t, second.Payload, stored.Payload)
	assert.Equal(t, jobdb.Waiting, stored.Status)
	assert.True(t, baseTime.Equal(stored.SubmissionTime))
}

func testGetMissing(t *testing.T, repo jobdb.Repository) {
	_, err := repo.GetJob(wmscontext.Background(), 12345)
	var notFound *wmserrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func testUpdateCompareAndSwap(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	require.NoError(t, repo.InsertJob(ctx, job))

	stale := job.DeepCopy()

	job.MinorStatus = "updated"
	ok, err := repo.UpdateJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), job.Version)

	stale.MinorStatus = "lost update"
	ok, err = repo.UpdateJob(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "updated", stored.MinorStatus)
	assert.Equal(t, int64(2), stored.Version)
}

func testReturnedJobsAreCopies(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	require.NoError(t, repo.InsertJob(ctx, job))
	job.Requirements.Sites[0] = "Mutated"

	stored, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	stored.Requirements.Tags[0] = "Mutated"

	again, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"SiteX"}, again.Requirements.Sites)
	assert.Equal(t, []string{"MultiProcessor"}, again.Requirements.Tags)
}

func testGetByStatus(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	waiting := NewWaitingJob("SiteX")
	running := NewWaitingJob("SiteX")
	running.Status = jobdb.Running
	received := NewWaitingJob("SiteX")
	received.Status = jobdb.Received
	for _, job := range []*jobdb.Job{waiting, running, received} {
		require.NoError(t, repo.InsertJob(ctx, job))
	}

	jobs, err := repo.GetJobsByStatus(ctx, jobdb.Waiting, jobdb.Received)
	require.NoError(t, err)
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		ids[i] = job.JobID
	}
	assert.Equal(t, []int64{waiting.JobID, received.JobID}, ids)

	jobs, err = repo.GetJobsByStatus(ctx, jobdb.Done)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func newPilot(ref string, jobID int64) *jobdb.Pilot {
	return &jobdb.Pilot{
		PilotReference:  ref,
		SiteName:        "SiteX",
		Status:          jobdb.PilotRunning,
		AssociatedJobID: jobID,
		SubmissionTime:  baseTime,
		LastUpdateTime:  baseTime,
	}
}

func testAssignRequiresWaiting(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	job.Status = jobdb.Received
	require.NoError(t, repo.InsertJob(ctx, job))

	matched := job.DeepCopy()
	matched.Status = jobdb.Matched
	pilot := newPilot("pilot-1", job.JobID)
	ok, err := repo.AssignJob(ctx, matched, pilot)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.GetPilot(ctx, "pilot-1")
	assert.Error(t, err, "pilot must not be written when the assignment loses")

	job.Status = jobdb.Waiting
	ok, err = repo.UpdateJob(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	matched = job.DeepCopy()
	matched.Status = jobdb.Matched
	matched.PilotReference = "pilot-1"
	ok, err = repo.AssignJob(ctx, matched, pilot)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), pilot.Version)

	storedPilot, err := repo.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, storedPilot.AssociatedJobID)
}

func testConcurrentAssign(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	require.NoError(t, repo.InsertJob(ctx, job))

	const contenders = 20
	var wg sync.WaitGroup
	results := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		ref := "pilot-" + string(rune('a'+i))
		candidate := job.DeepCopy()
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidate.Status = jobdb.Matched
			candidate.PilotReference = ref
			ok, err := repo.AssignJob(ctx, candidate, newPilot(ref, candidate.JobID))
			assert.NoError(t, err)
			if ok {
				results <- ref
			}
		}()
	}
	wg.Wait()
	close(results)

	var winners []string
	for ref := range results {
		winners = append(winners, ref)
	}
	require.Len(t, winners, 1)

	stored, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Matched, stored.Status)
	assert.Equal(t, winners[0], stored.PilotReference)
}

func matchedTo(job *jobdb.Job, pilotReference string) *jobdb.Job {
	matched := job.DeepCopy()
	matched.Status = jobdb.Matched
	matched.PilotReference = pilotReference
	return matched
}

func testAssignChecksPilot(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	first, second, third := NewWaitingJob("SiteX"), NewWaitingJob("SiteX"), NewWaitingJob("SiteX")
	for _, job := range []*jobdb.Job{first, second, third} {
		require.NoError(t, repo.InsertJob(ctx, job))
	}

	matched := matchedTo(first, "pilot-1")
	ok, err := repo.AssignJob(ctx, matched, newPilot("pilot-1", first.JobID))
	require.NoError(t, err)
	require.True(t, ok)

	// A pilot still running a job gets no second one.
	pilot, err := repo.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	pilot.AssociatedJobID = second.JobID
	ok, err = repo.AssignJob(ctx, matchedTo(second, "pilot-1"), pilot)
	var unavailable *jobdb.ErrPilotUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, ok)
	assert.Equal(t, "pilot-1", unavailable.PilotReference)

	stored, err := repo.GetJob(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobdb.Waiting, stored.Status)
	storedPilot, err := repo.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, storedPilot.AssociatedJobID)

	// Once its job is over the pilot is free, but only a swap against its current version is accepted.
	matched.Status = jobdb.Done
	ok, err = repo.UpdateJob(ctx, matched)
	require.NoError(t, err)
	require.True(t, ok)

	stale := pilot.DeepCopy()
	stale.Version = 0
	ok, err = repo.AssignJob(ctx, matchedTo(second, "pilot-1"), stale)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.AssignJob(ctx, matchedTo(second, "pilot-1"), pilot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), pilot.Version)

	// A finished pilot is never handed work again.
	pilot.Status = jobdb.PilotDone
	pilot.AssociatedJobID = 0
	ok, err = repo.UpdatePilot(ctx, pilot)
	require.NoError(t, err)
	require.True(t, ok)

	third.Status = jobdb.Matched
	third.PilotReference = "pilot-1"
	pilot.Status = jobdb.PilotRunning
	pilot.AssociatedJobID = third.JobID
	ok, err = repo.AssignJob(ctx, third, pilot)
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, ok)

	storedPilot, err = repo.GetPilot(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, jobdb.PilotDone, storedPilot.Status)
}

func testRescheduleArchives(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	job.Status = jobdb.Running
	job.PilotReference = "pilot-1"
	require.NoError(t, repo.InsertJob(ctx, job))

	for i := 0; i < 3; i++ {
		entry := jobdb.NewAtticEntry(job, baseTime.Add(time.Duration(i)*time.Minute))
		job.RescheduleCounter++
		job.Status = jobdb.Received
		ok, err := repo.RescheduleJob(ctx, job, entry)
		require.NoError(t, err)
		require.True(t, ok)
	}

	stale := job.DeepCopy()
	stale.Version--
	ok, err := repo.RescheduleJob(ctx, stale, jobdb.NewAtticEntry(stale, baseTime))
	require.NoError(t, err)
	assert.False(t, ok)

	attic, err := repo.GetAttic(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, attic, 3)
	for i, entry := range attic {
		assert.Equal(t, i, entry.RescheduleCounter)
		assert.Equal(t, job.JobID, entry.JobID)
	}
	assert.Equal(t, jobdb.Running, attic[0].Status)
	assert.Equal(t, "pilot-1", attic[0].PilotReference)
}

func testDeleteCascades(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	job := NewWaitingJob("SiteX")
	require.NoError(t, repo.InsertJob(ctx, job))
	entry := jobdb.NewAtticEntry(job, baseTime)
	job.RescheduleCounter++
	ok, err := repo.RescheduleJob(ctx, job, entry)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.DeleteJob(ctx, job.JobID))

	_, err = repo.GetJob(ctx, job.JobID)
	assert.Error(t, err)
	attic, err := repo.GetAttic(ctx, job.JobID)
	require.NoError(t, err)
	assert.Empty(t, attic)

	var notFound *wmserrors.ErrNotFound
	assert.ErrorAs(t, repo.DeleteJob(ctx, job.JobID), &notFound)
}

func testPilotLifecycle(t *testing.T, repo jobdb.Repository) {
	ctx := wmscontext.Background()
	pilot := newPilot("pilot-1", 0)
	pilot.Status = jobdb.PilotSubmitted
	require.NoError(t, repo.UpsertPilot(ctx, pilot))
	assert.Equal(t, int64(1), pilot.Version)

	stale := pilot.DeepCopy()
	pilot.Status = jobdb.PilotRunning
	ok, err := repo.UpdatePilot(ctx, pilot)
	require.NoError(t, err)
	assert.True(t, ok)

	stale.Status = jobdb.PilotAborted
	ok, err = repo.UpdatePilot(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	running, err := repo.GetPilotsByStatus(ctx, jobdb.PilotRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "pilot-1", running[0].PilotReference)

	require.NoError(t, repo.DeletePilot(ctx, "pilot-1"))
	_, err = repo.GetPilot(ctx, "pilot-1")
	var notFound *wmserrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}
