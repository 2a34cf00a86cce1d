package jobmanager

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

type Config struct {
	// A job rescheduled this many times is failed on the next reschedule request.
	MaxReschedulings int `validate:"gte=0"`
	// Number of read-modify-write attempts before a write gives up with ErrContention.
	UpdateRetries uint `validate:"gte=1"`
}

// ControlInstruction is returned to a pilot in answer to a heartbeat.
type ControlInstruction int

const (
	InstructionNone ControlInstruction = iota
	InstructionKill
)

func (i ControlInstruction) String() string {
	if i == InstructionKill {
		return "Kill"
	}
	return "None"
}

// HeartbeatReport is the periodic progress report of a running job.
type HeartbeatReport struct {
	PilotReference    string
	ApplicationStatus string
	Usage             jobdb.ResourceUsage
	// Time the report was generated. Reports older than the last one applied are ignored.
	Time time.Time
}

// Outcome is the final report of a payload.
type Outcome struct {
	ExitCode          int
	MinorStatus       string
	ApplicationStatus string
	Usage             jobdb.ResourceUsage
}

// errUnchanged aborts an update without writing.
var errUnchanged = errors.New("unchanged")

// JobManager applies every server side state change to jobs and pilots.
// Each change is a compare-and-swap against the repository, retried after re-reading on contention.
type JobManager struct {
	config  Config
	repo    jobdb.Repository
	queues  *taskqueue.TaskQueues
	parser  *jdl.CachingParser
	builder *jdl.RequirementsBuilder
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func New(
	config Config,
	repo jobdb.Repository,
	queues *taskqueue.TaskQueues,
	parser *jdl.CachingParser,
	builder *jdl.RequirementsBuilder,
	clock clock.PassiveClock,
	metrics *metrics.Metrics,
) *JobManager {
	return &JobManager{
		config:  config,
		repo:    repo,
		queues:  queues,
		parser:  parser,
		builder: builder,
		clock:   clock,
		metrics: metrics,
	}
}

// Submit stores a new job for identity and optimizes it. JDL that does not parse is rejected without creating a job;
// JDL that parses but does not verify produces a Failed job.
func (m *JobManager) Submit(ctx *wmscontext.Context, identity matching.Identity, jdlText string) (*jobdb.Job, error) {
	if identity.Owner == "" {
		return nil, &wmserrors.ErrInvalidArgument{Name: "Owner", Value: identity.Owner, Message: "owner is required"}
	}
	if _, err := m.parser.Parse(jdlText); err != nil {
		return nil, &wmserrors.ErrInvalidArgument{Name: "JDL", Value: jdlText, Message: err.Error()}
	}
	now := m.clock.Now()
	job := &jobdb.Job{
		Status:         jobdb.Received,
		MinorStatus:    jobdb.MinorJobAccepted,
		Owner:          identity.Owner,
		OwnerGroup:     identity.OwnerGroup,
		VO:             identity.VO,
		SubmissionTime: now,
		LastUpdateTime: now,
		JDL:            jdlText,
		OriginalJDL:    jdlText,
	}
	if err := m.repo.InsertJob(ctx, job); err != nil {
		return nil, wmserrors.WrapPersistence("insert job", err)
	}
	ctx.Log.Infof("job %d received from %s", job.JobID, identity.Owner)
	return m.Optimize(ctx, job.JobID)
}

// Optimize derives the requirements of a Received job from its JDL and queues it as Waiting.
// A job whose JDL fails verification is failed with a verification minor status.
func (m *JobManager) Optimize(ctx *wmscontext.Context, jobID int64) (*jobdb.Job, error) {
	job, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
		if job.Status != jobdb.Received {
			return &wmserrors.ErrInvalidTransition{JobId: jobID, From: string(job.Status), To: string(jobdb.Waiting)}
		}
		now := m.clock.Now()
		job.LastUpdateTime = now

		description, ad, err := m.describe(job)
		if err != nil {
			var verificationErr *jdl.VerificationError
			var parseErr *jdl.ParseError
			if !errors.As(err, &verificationErr) && !errors.As(err, &parseErr) {
				return err
			}
			job.Status = jobdb.Failed
			job.MinorStatus = jobdb.MinorVerificationFailed
			job.ApplicationStatus = err.Error()
			return nil
		}

		jdl.Stamp(ad, job.JobID, job.Identity(), job.RescheduleCounter)
		job.JDL = ad.String()
		job.Requirements = description.Requirements
		job.Priority = description.Requirements.Priority
		job.JobType = description.JobType
		job.Payload = jobdb.Payload{
			Executable:       description.Executable,
			Arguments:        description.Arguments,
			SoftwarePackages: description.SoftwarePackages,
			CPUTimeLimit:     description.Requirements.CPUTime,
		}
		job.Status = jobdb.Waiting
		job.MinorStatus = jobdb.MinorPilotAgentSubmission
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.Status == jobdb.Waiting {
		m.queues.Enqueue(job.JobID, job.Requirements)
		ctx.Log.Debugf("job %d queued", job.JobID)
	} else {
		ctx.Log.Infof("job %d failed verification: %s", job.JobID, job.ApplicationStatus)
	}
	return job, nil
}

func (m *JobManager) describe(job *jobdb.Job) (*jdl.Description, *jdl.ClassAd, error) {
	ad, err := m.parser.Parse(job.JDL)
	if err != nil {
		return nil, nil, err
	}
	description, err := m.builder.Build(ad, job.Identity())
	if err != nil {
		return nil, nil, err
	}
	return description, ad, nil
}

// Heartbeat applies a progress report from the pilot running a job and tells the pilot whether to carry on.
// Kill is returned when the job no longer exists, has ended, or is not assigned to the reporting pilot.
func (m *JobManager) Heartbeat(ctx *wmscontext.Context, jobID int64, report HeartbeatReport) (ControlInstruction, error) {
	ctx = wmscontext.WithLogFields(ctx, logrus.Fields{"job": jobID, "pilot": report.PilotReference})
	instruction := InstructionNone
	_, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
		if job.InTerminalState() || job.PilotReference != report.PilotReference {
			instruction = InstructionKill
			return errUnchanged
		}
		instruction = InstructionNone
		reportTime := report.Time
		if reportTime.IsZero() {
			reportTime = m.clock.Now()
		}
		if reportTime.Before(job.HeartbeatTime) {
			ctx.Log.Debugf("ignoring heartbeat from %s older than %s", reportTime, job.HeartbeatTime)
			return errUnchanged
		}
		switch job.Status {
		case jobdb.Matched, jobdb.Stalled:
			job.Status = jobdb.Running
			job.MinorStatus = jobdb.MinorApplication
		case jobdb.Running:
		default:
			return errUnchanged
		}
		job.HeartbeatTime = reportTime
		job.LastUpdateTime = m.clock.Now()
		job.Usage = report.Usage
		if report.ApplicationStatus != "" {
			job.ApplicationStatus = report.ApplicationStatus
		}
		return nil
	})
	var notFound *wmserrors.ErrNotFound
	if errors.As(err, &notFound) {
		return InstructionKill, nil
	}
	if err != nil {
		return InstructionNone, err
	}
	if instruction == InstructionNone {
		m.touchPilot(ctx, report.PilotReference)
	} else {
		ctx.Log.Infof("telling pilot to kill job %d", jobID)
	}
	return instruction, nil
}

// ReportOutcome records the end of a payload. Exit code zero walks the job through Completing to Done; anything
// else fails it with the reported minor status. Repeating a report that has already been applied is a no-op.
func (m *JobManager) ReportOutcome(ctx *wmscontext.Context, jobID int64, pilotReference string, outcome Outcome) (*jobdb.Job, error) {
	ctx = wmscontext.WithLogFields(ctx, logrus.Fields{"job": jobID, "pilot": pilotReference})
	final := jobdb.Failed
	if outcome.ExitCode == 0 {
		final = jobdb.Done
	}

	var job *jobdb.Job
	for job == nil || job.Status != final {
		updated, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
			if job.PilotReference != pilotReference {
				return &wmserrors.ErrInvalidArgument{
					Name:    "PilotReference",
					Value:   pilotReference,
					Message: fmt.Sprintf("job %d is not assigned to this pilot", jobID),
				}
			}
			next, ok := nextOutcomeStatus(job.Status, final)
			if !ok {
				return errUnchanged
			}
			job.Status = next
			job.LastUpdateTime = m.clock.Now()
			job.Usage = outcome.Usage
			if outcome.ApplicationStatus != "" {
				job.ApplicationStatus = outcome.ApplicationStatus
			}
			switch next {
			case jobdb.Running:
				job.MinorStatus = jobdb.MinorApplication
			case jobdb.Completing, jobdb.Done:
				job.MinorStatus = jobdb.MinorExecutionComplete
			case jobdb.Failed:
				job.MinorStatus = outcome.MinorStatus
				if job.MinorStatus == "" {
					job.MinorStatus = fmt.Sprintf("Payload exited with code %d", outcome.ExitCode)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if updated.InTerminalState() && updated.Status != final {
			return nil, &wmserrors.ErrInvalidTransition{JobId: jobID, From: string(updated.Status), To: string(final)}
		}
		job = updated
	}
	ctx.Log.Infof("job %d finished with exit code %d: %s", jobID, outcome.ExitCode, job.Status)
	m.releasePilot(ctx, pilotReference, jobID)
	return job, nil
}

// nextOutcomeStatus is the next step from current towards final, or false if the job is already there.
func nextOutcomeStatus(current, final jobdb.JobStatus) (jobdb.JobStatus, bool) {
	if current == final {
		return "", false
	}
	if final == jobdb.Failed {
		return jobdb.Failed, true
	}
	switch current {
	case jobdb.Matched, jobdb.Stalled:
		return jobdb.Running, true
	case jobdb.Running:
		return jobdb.Completing, true
	default:
		return jobdb.Done, true
	}
}

// Reschedule returns a job to the pending pool, archiving its current parameters in the attic.
// Once the job has been rescheduled MaxReschedulings times it is failed instead and ErrRescheduleLimitExceeded is
// returned alongside the failed job.
func (m *JobManager) Reschedule(ctx *wmscontext.Context, jobID int64, reason string) (*jobdb.Job, error) {
	ctx = wmscontext.WithLogField(ctx, "job", jobID)
	var previousPilot string
	var limitExceeded bool

	job, err := m.updateWith(ctx, jobID, func(job *jobdb.Job) error {
		previousPilot = job.PilotReference
		now := m.clock.Now()
		limitExceeded = job.RescheduleCounter >= m.config.MaxReschedulings
		if limitExceeded {
			job.Status = jobdb.Failed
			job.MinorStatus = jobdb.MinorMaxReschedulings
		} else {
			job.Status = jobdb.Rescheduled
			job.MinorStatus = jobdb.MinorRescheduled
			job.RescheduleCounter++
			job.RescheduleTime = now
		}
		if reason != "" {
			job.ApplicationStatus = reason
		}
		job.LastUpdateTime = now
		return nil
	}, func(original, updated *jobdb.Job) (bool, error) {
		if updated.Status == jobdb.Rescheduled {
			return m.repo.RescheduleJob(ctx, updated, jobdb.NewAtticEntry(original, updated.RescheduleTime))
		}
		return m.repo.UpdateJob(ctx, updated)
	})
	if err != nil {
		return nil, err
	}
	m.queues.Remove(jobID)
	if previousPilot != "" {
		m.releasePilot(ctx, previousPilot, jobID)
	}
	if limitExceeded {
		ctx.Log.Infof("job %d reached %d reschedulings and has been failed", jobID, job.RescheduleCounter)
		return job, &wmserrors.ErrRescheduleLimitExceeded{JobId: jobID, Limit: m.config.MaxReschedulings}
	}
	m.metrics.RecordReschedule()
	ctx.Log.Infof("job %d rescheduled (%d): %s", jobID, job.RescheduleCounter, reason)
	return m.Resubmit(ctx, jobID)
}

// Resubmit moves a Rescheduled job back to Received with its original JDL and optimizes it again.
func (m *JobManager) Resubmit(ctx *wmscontext.Context, jobID int64) (*jobdb.Job, error) {
	_, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
		job.Status = jobdb.Received
		job.JDL = job.OriginalJDL
		job.PilotReference = ""
		job.Site = ""
		job.HeartbeatTime = time.Time{}
		job.Usage = jobdb.ResourceUsage{}
		job.LastUpdateTime = m.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.Optimize(ctx, jobID)
}

// MarkStalled moves a Matched or Running job whose pilot has gone quiet to Stalled. A job that has shown a sign
// of life at or after quietSince is left as it is and returned unchanged.
func (m *JobManager) MarkStalled(ctx *wmscontext.Context, jobID int64, minorStatus string, quietSince time.Time) (*jobdb.Job, error) {
	stalled := false
	job, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
		stalled = false
		if job.Status != jobdb.Matched && job.Status != jobdb.Running {
			return errUnchanged
		}
		if !job.LastSignOfLife().Before(quietSince) {
			return errUnchanged
		}
		job.Status = jobdb.Stalled
		job.MinorStatus = minorStatus
		job.LastUpdateTime = m.clock.Now()
		stalled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !stalled {
		ctx.Log.Debugf("job %d showed a sign of life, not stalled", jobID)
		return job, nil
	}
	m.metrics.RecordStalledJob()
	ctx.Log.Infof("job %d stalled: %s", jobID, minorStatus)
	return job, nil
}

// Cancel moves any non terminal job to Canceled and takes it out of the task queues.
func (m *JobManager) Cancel(ctx *wmscontext.Context, jobID int64) (*jobdb.Job, error) {
	var pilot string
	job, err := m.update(ctx, jobID, func(job *jobdb.Job) error {
		pilot = job.PilotReference
		job.Status = jobdb.Canceled
		job.MinorStatus = jobdb.MinorCanceled
		job.LastUpdateTime = m.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.queues.Remove(jobID)
	if pilot != "" {
		m.releasePilot(ctx, pilot, jobID)
	}
	ctx.Log.Infof("job %d canceled", jobID)
	return job, nil
}

// Delete removes a job, its attic and its task queue membership.
func (m *JobManager) Delete(ctx *wmscontext.Context, jobID int64) error {
	job, err := m.repo.GetJob(ctx, jobID)
	if err != nil {
		return wmserrors.WrapPersistence("read job", err)
	}
	m.queues.Remove(jobID)
	if err := m.repo.DeleteJob(ctx, jobID); err != nil {
		return wmserrors.WrapPersistence("delete job", err)
	}
	if job.PilotReference != "" {
		m.releasePilot(ctx, job.PilotReference, jobID)
	}
	ctx.Log.Infof("job %d deleted", jobID)
	return nil
}

func (m *JobManager) GetJob(ctx *wmscontext.Context, jobID int64) (*jobdb.Job, error) {
	job, err := m.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, wmserrors.WrapPersistence("read job", err)
	}
	return job, nil
}

func (m *JobManager) GetJobsByStatus(ctx *wmscontext.Context, statuses ...jobdb.JobStatus) ([]*jobdb.Job, error) {
	jobs, err := m.repo.GetJobsByStatus(ctx, statuses...)
	if err != nil {
		return nil, wmserrors.WrapPersistence("list jobs", err)
	}
	return jobs, nil
}

// GetAttic returns the archived parameters of every reschedule of a job, oldest first.
func (m *JobManager) GetAttic(ctx *wmscontext.Context, jobID int64) ([]jobdb.AtticEntry, error) {
	if _, err := m.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	entries, err := m.repo.GetAttic(ctx, jobID)
	if err != nil {
		return nil, wmserrors.WrapPersistence("read attic", err)
	}
	return entries, nil
}

// update is updateWith using a plain compare-and-swap write.
func (m *JobManager) update(ctx *wmscontext.Context, jobID int64, mutate func(job *jobdb.Job) error) (*jobdb.Job, error) {
	return m.updateWith(ctx, jobID, mutate, func(_, updated *jobdb.Job) (bool, error) {
		return m.repo.UpdateJob(ctx, updated)
	})
}

// updateWith reads a job, applies mutate to a copy, checks the resulting state transition and writes the copy
// with write. A lost write is retried from a fresh read up to UpdateRetries times. mutate may return errUnchanged
// to finish without writing, in which case the stored job is returned.
func (m *JobManager) updateWith(
	ctx *wmscontext.Context,
	jobID int64,
	mutate func(job *jobdb.Job) error,
	write func(original, updated *jobdb.Job) (bool, error),
) (*jobdb.Job, error) {
	attempts := m.config.UpdateRetries
	if attempts == 0 {
		attempts = 1
	}
	var result *jobdb.Job
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			original, err := m.repo.GetJob(ctx, jobID)
			if err != nil {
				return wmserrors.WrapPersistence("read job", err)
			}
			updated := original.DeepCopy()
			if err := mutate(updated); err != nil {
				if errors.Is(err, errUnchanged) {
					result = original
					return nil
				}
				return err
			}
			if updated.Status != original.Status || updated.Status == jobdb.Running {
				if err := jobdb.ValidateTransition(jobID, original.Status, updated.Status); err != nil {
					return err
				}
			}
			ok, err := write(original, updated)
			if err != nil {
				return wmserrors.WrapPersistence("update job", err)
			}
			if !ok {
				return &wmserrors.ErrContention{Type: "job", Value: fmt.Sprint(jobID)}
			}
			if updated.Status != original.Status {
				m.metrics.RecordTransition(string(original.Status), string(updated.Status))
			}
			result = updated
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isContention),
	)
	if err != nil {
		if isContention(err) {
			m.metrics.RecordContention()
		}
		logging.WithStacktrace(ctx.Log, err).Debugf("update of job %d not applied", jobID)
		return nil, err
	}
	return result, nil
}

func isContention(err error) bool {
	var contention *wmserrors.ErrContention
	return errors.As(err, &contention)
}
