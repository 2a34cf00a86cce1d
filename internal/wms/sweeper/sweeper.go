package sweeper

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/task"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

type Config struct {
	// How often stalled jobs and pilots are looked for.
	SweepInterval time.Duration `validate:"required"`
	// A Matched job whose pilot has not started it within this time is stalled.
	MatchedJobTimeout time.Duration `validate:"required"`
	// A Running job without a heartbeat for this long is stalled.
	StalledJobTimeout time.Duration `validate:"required"`
	// Reschedule stalled jobs automatically instead of leaving them for an operator.
	RescheduleStalledJobs bool
	// A Running pilot without a heartbeat for this long is stalled.
	StalledPilotTimeout time.Duration `validate:"required"`
	// Pilots in a terminal state are removed this long after their last update.
	PilotRetention time.Duration `validate:"required"`
	// Received and Rescheduled jobs untouched for this long are pushed through the optimizer again.
	OptimizerGrace time.Duration `validate:"required"`
	// How often the task queues are rebuilt from the store.
	QueueResyncInterval time.Duration `validate:"required"`
	// How often the cached site mask is reloaded.
	SiteMaskRefreshInterval time.Duration `validate:"required"`
}

// SiteMaskRefresher reloads a cached site mask.
type SiteMaskRefresher interface {
	Refresh(ctx *wmscontext.Context) error
}

// Sweeper reconciles the store with the passage of time: it detects jobs and pilots that went quiet,
// restarts jobs stuck before the queue, keeps the task queues in line with the store and refreshes the site mask.
type Sweeper struct {
	config   Config
	jobs     *jobmanager.JobManager
	queues   *taskqueue.TaskQueues
	siteMask SiteMaskRefresher
	clock    clock.PassiveClock
}

func New(
	config Config,
	jobs *jobmanager.JobManager,
	queues *taskqueue.TaskQueues,
	siteMask SiteMaskRefresher,
	clock clock.PassiveClock,
) *Sweeper {
	return &Sweeper{
		config:   config,
		jobs:     jobs,
		queues:   queues,
		siteMask: siteMask,
		clock:    clock,
	}
}

// Register schedules every sweep on taskManager.
func (s *Sweeper) Register(ctx *wmscontext.Context, taskManager *task.BackgroundTaskManager) {
	taskManager.Register(s.logErrors(ctx, "sweep stalled jobs", s.SweepStalledJobs), s.config.SweepInterval, "sweep_stalled_jobs")
	taskManager.Register(s.logErrors(ctx, "sweep stalled pilots", s.SweepStalledPilots), s.config.SweepInterval, "sweep_stalled_pilots")
	taskManager.Register(s.logErrors(ctx, "archive pilots", s.ArchivePilots), s.config.SweepInterval, "archive_pilots")
	taskManager.Register(s.logErrors(ctx, "optimize lingering jobs", s.OptimizeLingeringJobs), s.config.SweepInterval, "optimize_lingering_jobs")
	taskManager.Register(s.logErrors(ctx, "resync task queues", s.ResyncTaskQueues), s.config.QueueResyncInterval, "resync_task_queues")
	if s.siteMask != nil {
		taskManager.Register(s.logErrors(ctx, "refresh site mask", s.siteMask.Refresh), s.config.SiteMaskRefreshInterval, "refresh_site_mask")
	}
}

func (s *Sweeper) logErrors(ctx *wmscontext.Context, name string, sweep func(*wmscontext.Context) error) func() {
	return func() {
		if err := sweep(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("%s failed", name)
		}
	}
}

// SweepStalledJobs moves Matched and Running jobs whose pilot has gone quiet to Stalled and, if configured,
// reschedules every Stalled job that has been stalled for longer than the stalled job timeout.
func (s *Sweeper) SweepStalledJobs(ctx *wmscontext.Context) error {
	now := s.clock.Now()
	jobs, err := s.jobs.GetJobsByStatus(ctx, jobdb.Matched, jobdb.Running, jobdb.Stalled)
	if err != nil {
		return err
	}

	var result *multierror.Error
	stalled := 0
	for _, job := range jobs {
		switch job.Status {
		case jobdb.Matched:
			quietSince := now.Add(-s.config.MatchedJobTimeout)
			if job.LastUpdateTime.Before(quietSince) {
				ok, err := s.stall(ctx, job, jobdb.MinorMatchedTimeout, quietSince)
				result = multierror.Append(result, err)
				if ok {
					stalled++
				}
			}
		case jobdb.Running:
			quietSince := now.Add(-s.config.StalledJobTimeout)
			if job.LastSignOfLife().Before(quietSince) {
				ok, err := s.stall(ctx, job, jobdb.MinorStalled, quietSince)
				result = multierror.Append(result, err)
				if ok {
					stalled++
				}
			}
		case jobdb.Stalled:
			if s.config.RescheduleStalledJobs && now.Sub(job.LastUpdateTime) > s.config.StalledJobTimeout {
				result = multierror.Append(result, s.reschedule(ctx, job.JobID))
			}
		}
	}
	if stalled > 0 {
		ctx.Log.Infof("marked %d jobs as stalled", stalled)
	}
	return result.ErrorOrNil()
}

// stall marks job as Stalled unless it showed a sign of life since quietSince in the meantime, and reports
// whether it did.
func (s *Sweeper) stall(ctx *wmscontext.Context, job *jobdb.Job, minorStatus string, quietSince time.Time) (bool, error) {
	updated, err := s.jobs.MarkStalled(ctx, job.JobID, minorStatus, quietSince)
	if ignorable(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if updated.Status != jobdb.Stalled {
		return false, nil
	}
	if s.config.RescheduleStalledJobs {
		return true, s.reschedule(ctx, job.JobID)
	}
	return true, nil
}

func (s *Sweeper) reschedule(ctx *wmscontext.Context, jobID int64) error {
	_, err := s.jobs.Reschedule(ctx, jobID, jobdb.MinorStalled)
	var limitExceeded *wmserrors.ErrRescheduleLimitExceeded
	if errors.As(err, &limitExceeded) || ignorable(err) {
		return nil
	}
	return err
}

// ignorable is true for errors caused by the job changing under the sweeper, which the next sweep re-evaluates.
func ignorable(err error) bool {
	switch wmserrors.KindOf(err) {
	case wmserrors.KindInvalidTransition, wmserrors.KindContention, wmserrors.KindNotFound:
		return true
	default:
		return false
	}
}

// SweepStalledPilots marks Running pilots that stopped sending heartbeats as Stalled.
func (s *Sweeper) SweepStalledPilots(ctx *wmscontext.Context) error {
	now := s.clock.Now()
	pilots, err := s.jobs.GetPilotsByStatus(ctx, jobdb.PilotRunning)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, pilot := range pilots {
		if now.Sub(pilot.LastHeartbeat) <= s.config.StalledPilotTimeout {
			continue
		}
		_, err := s.jobs.ReportPilotStatus(ctx, pilot.PilotReference, jobdb.PilotStalled)
		if !ignorable(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ArchivePilots removes pilots that ended longer ago than the retention period.
func (s *Sweeper) ArchivePilots(ctx *wmscontext.Context) error {
	now := s.clock.Now()
	pilots, err := s.jobs.GetPilotsByStatus(ctx, jobdb.PilotDone, jobdb.PilotFailed, jobdb.PilotAborted)
	if err != nil {
		return err
	}
	var result *multierror.Error
	archived := 0
	for _, pilot := range pilots {
		if now.Sub(pilot.LastUpdateTime) <= s.config.PilotRetention {
			continue
		}
		err := s.jobs.DeletePilot(ctx, pilot.PilotReference)
		if err == nil {
			archived++
		} else if !ignorable(err) {
			result = multierror.Append(result, err)
		}
	}
	if archived > 0 {
		ctx.Log.Infof("archived %d pilots", archived)
	}
	return result.ErrorOrNil()
}

// OptimizeLingeringJobs retries jobs left in Received or Rescheduled, for example because the server stopped
// between two steps of a submission or a reschedule.
func (s *Sweeper) OptimizeLingeringJobs(ctx *wmscontext.Context) error {
	now := s.clock.Now()
	jobs, err := s.jobs.GetJobsByStatus(ctx, jobdb.Received, jobdb.Rescheduled)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, job := range jobs {
		if now.Sub(job.LastUpdateTime) <= s.config.OptimizerGrace {
			continue
		}
		if job.Status == jobdb.Rescheduled {
			_, err = s.jobs.Resubmit(ctx, job.JobID)
		} else {
			_, err = s.jobs.Optimize(ctx, job.JobID)
		}
		if !ignorable(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ResyncTaskQueues makes the task queues hold exactly the Waiting jobs of the store.
func (s *Sweeper) ResyncTaskQueues(ctx *wmscontext.Context) error {
	jobs, err := s.jobs.GetJobsByStatus(ctx, jobdb.Waiting)
	if err != nil {
		return err
	}
	waiting := make(map[int64]matching.Requirements, len(jobs))
	for _, job := range jobs {
		waiting[job.JobID] = job.Requirements
	}
	added, removed := s.queues.Sync(waiting)
	if added > 0 || removed > 0 {
		ctx.Log.Infof("task queues resynchronised: %d jobs added, %d removed", added, removed)
	}
	return nil
}
