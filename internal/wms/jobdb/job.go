package jobdb

import (
	"time"

	"github.com/gridwms/wms/internal/wms/matching"
)

// Minor statuses set by the server.
const (
	MinorJobAccepted          = "Job accepted"
	MinorVerificationFailed   = "Verification Failed"
	MinorPilotAgentSubmission = "Pilot Agent Submission"
	MinorAssigned             = "Assigned"
	MinorJobInitialization    = "Job Initialization"
	MinorApplication          = "Application"
	MinorExecutionComplete    = "Execution Complete"
	MinorRescheduled          = "Job Rescheduled"
	MinorMaxReschedulings     = "Maximum number of reschedulings reached"
	MinorStalled              = "Job stalled: pilot not running"
	MinorMatchedTimeout       = "Matched job not started in time"
	MinorCanceled             = "Canceled by user"
)

// Payload is what the agent needs in order to run the job.
type Payload struct {
	Executable       string
	Arguments        string
	SoftwarePackages []string
	// CPUTimeLimit is the declared CPU requirement in seconds, enforced by the watchdog.
	CPUTimeLimit int64
}

// ResourceUsage is the last consumption snapshot reported by the pilot.
type ResourceUsage struct {
	CPUTime     time.Duration
	WallClock   time.Duration
	MemoryMB    int64
	DiskSpaceMB int64
	LoadAverage float64
}

// Job is a unit of submitted work.
type Job struct {
	JobID             int64
	Status            JobStatus
	MinorStatus       string
	ApplicationStatus string
	Owner             string
	OwnerGroup        string
	VO                string
	JobType           string
	Priority          int32
	Requirements      matching.Requirements
	Payload           Payload
	Usage             ResourceUsage
	SubmissionTime    time.Time
	LastUpdateTime    time.Time
	HeartbeatTime     time.Time
	RescheduleTime    time.Time
	RescheduleCounter int
	JDL               string
	OriginalJDL       string
	PilotReference    string
	Site              string
	// Version increases on every write and is used for compare-and-swap updates.
	Version int64
}

func (job *Job) Identity() matching.Identity {
	return matching.Identity{
		Owner:      job.Owner,
		OwnerGroup: job.OwnerGroup,
		VO:         job.VO,
	}
}

// InTerminalState returns true if the job is in a terminal state
func (job *Job) InTerminalState() bool {
	return job.Status.IsTerminal()
}

// LastSignOfLife is the latest of the last heartbeat and the last state change.
func (job *Job) LastSignOfLife() time.Time {
	if job.HeartbeatTime.After(job.LastUpdateTime) {
		return job.HeartbeatTime
	}
	return job.LastUpdateTime
}

// DeepCopy returns a copy that shares no memory with job.
// Jobs handed out by a Repository are copies, so callers may modify them freely.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	out := *job
	out.Requirements = job.Requirements.DeepCopy()
	out.Payload.SoftwarePackages = append([]string(nil), job.Payload.SoftwarePackages...)
	return &out
}

// AtticEntry is the archived state of a job at the moment it was rescheduled.
type AtticEntry struct {
	JobID             int64
	RescheduleCounter int
	Status            JobStatus
	MinorStatus       string
	JDL               string
	Site              string
	PilotReference    string
	ArchivedAt        time.Time
}

// NewAtticEntry snapshots job.
func NewAtticEntry(job *Job, now time.Time) AtticEntry {
	return AtticEntry{
		JobID:             job.JobID,
		RescheduleCounter: job.RescheduleCounter,
		Status:            job.Status,
		MinorStatus:       job.MinorStatus,
		JDL:               job.JDL,
		Site:              job.Site,
		PilotReference:    job.PilotReference,
		ArchivedAt:        now,
	}
}

// Pilot is the resource side process that requests and runs jobs.
type Pilot struct {
	PilotReference  string
	SiteName        string
	Status          PilotStatus
	LastHeartbeat   time.Time
	AssociatedJobID int64
	SubmissionTime  time.Time
	LastUpdateTime  time.Time
	Version         int64
}

func (p *Pilot) DeepCopy() *Pilot {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
