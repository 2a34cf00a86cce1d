package matcher

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

type Config struct {
	// Protocol versions accepted from pilots. Empty accepts any.
	SupportedVersions []string
	// Number of times a lost assignment is retried against a fresh candidate before answering NoMatch.
	MatchRetries int `validate:"gte=0"`
}

type Outcome int

const (
	NoMatch Outcome = iota
	Matched
)

func (o Outcome) String() string {
	if o == Matched {
		return "Matched"
	}
	return "NoMatch"
}

// Result is the answer to a job request. Job is set only when Outcome is Matched.
type Result struct {
	Outcome Outcome
	Job     *jobdb.Job
	// Reason explains a NoMatch for diagnostics.
	Reason string
}

// Matcher hands waiting jobs to pilots, guaranteeing that a job is assigned to at most one pilot.
type Matcher struct {
	config  Config
	repo    jobdb.Repository
	queues  *taskqueue.TaskQueues
	filter  taskqueue.Eligibility
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func New(
	config Config,
	repo jobdb.Repository,
	queues *taskqueue.TaskQueues,
	filter taskqueue.Eligibility,
	clock clock.PassiveClock,
	metrics *metrics.Metrics,
) *Matcher {
	return &Matcher{
		config:  config,
		repo:    repo,
		queues:  queues,
		filter:  filter,
		clock:   clock,
		metrics: metrics,
	}
}

// RequestJob selects at most one eligible waiting job for capability and assigns it to the requesting pilot.
//
// The assignment is a compare-and-swap in the store: the job moves Waiting -> Matched only if nobody changed it
// since it was read. When the swap loses, the candidate is refreshed and another one selected, up to
// MatchRetries times, after which NoMatch is returned. Storage failures are returned as ErrPersistence and are
// not retried here.
func (m *Matcher) RequestJob(ctx *wmscontext.Context, capability matching.Capability) (Result, error) {
	start := m.clock.Now()
	result, err := m.requestJob(ctx, capability)
	outcome := metrics.OutcomeNoMatch
	if err != nil {
		outcome = metrics.OutcomeError
	} else if result.Outcome == Matched {
		outcome = metrics.OutcomeMatched
	}
	m.metrics.RecordMatch(outcome, m.clock.Since(start))
	return result, err
}

func (m *Matcher) requestJob(ctx *wmscontext.Context, capability matching.Capability) (Result, error) {
	if err := capability.Validate(m.config.SupportedVersions); err != nil {
		return Result{}, err
	}
	ctx = wmscontext.WithLogFields(ctx, logrus.Fields{
		"pilot": capability.PilotReference,
		"site":  capability.Site,
	})

	for attempt := 0; attempt <= m.config.MatchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, errors.WithStack(err)
		}
		candidate, found := m.queues.SelectCandidate(capability, m.filter)
		if !found {
			ctx.Log.Debug("no eligible job")
			return Result{Outcome: NoMatch, Reason: "no eligible job"}, nil
		}

		job, assigned, err := m.tryAssign(ctx, candidate.JobID, capability)
		var unavailable *jobdb.ErrPilotUnavailable
		if errors.As(err, &unavailable) {
			ctx.Log.Infof("not matching: %s", unavailable.Reason)
			return Result{Outcome: NoMatch, Reason: unavailable.Reason}, nil
		}
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("failed to assign job %d", candidate.JobID)
			return Result{}, err
		}
		if assigned {
			m.queues.Remove(job.JobID)
			m.metrics.RecordTransition(string(jobdb.Waiting), string(jobdb.Matched))
			ctx.Log.Infof("job %d matched to pilot %s at %s", job.JobID, capability.PilotReference, capability.Site)
			return Result{Outcome: Matched, Job: job}, nil
		}
		m.metrics.RecordContention()
		ctx.Log.Debugf("lost assignment of job %d, attempt %d", candidate.JobID, attempt+1)
	}
	ctx.Log.Debugf("no assignment after %d attempts", m.config.MatchRetries+1)
	return Result{Outcome: NoMatch, Reason: "contention"}, nil
}

// tryAssign attempts the Waiting -> Matched swap for one job. A false result with no error means the job or the
// pilot was changed concurrently; the task queue has been brought up to date with the store in that case.
// ErrPilotUnavailable is returned when the pilot has finished or still runs another job.
func (m *Matcher) tryAssign(ctx *wmscontext.Context, jobID int64, capability matching.Capability) (*jobdb.Job, bool, error) {
	job, err := m.repo.GetJob(ctx, jobID)
	if err != nil {
		var notFound *wmserrors.ErrNotFound
		if errors.As(err, &notFound) {
			m.queues.Remove(jobID)
			return nil, false, nil
		}
		return nil, false, wmserrors.WrapPersistence("read job", err)
	}
	if job.Status != jobdb.Waiting {
		m.queues.Remove(jobID)
		return nil, false, nil
	}
	if err := jobdb.ValidateTransition(job.JobID, job.Status, jobdb.Matched); err != nil {
		return nil, false, err
	}

	now := m.clock.Now()
	matched := job.DeepCopy()
	matched.Status = jobdb.Matched
	matched.MinorStatus = jobdb.MinorAssigned
	matched.PilotReference = capability.PilotReference
	matched.Site = capability.Site
	matched.LastUpdateTime = now

	pilot, err := m.pilotFor(ctx, capability, now)
	if err != nil {
		return nil, false, err
	}
	pilot.AssociatedJobID = job.JobID

	ok, err := m.repo.AssignJob(ctx, matched, pilot)
	var unavailable *jobdb.ErrPilotUnavailable
	var notFound *wmserrors.ErrNotFound
	switch {
	case errors.As(err, &unavailable):
		return nil, false, unavailable
	case errors.As(err, &notFound):
		// Deleted since it was read.
		m.queues.Remove(jobID)
		return nil, false, nil
	case err != nil:
		return nil, false, wmserrors.WrapPersistence("assign job", err)
	}
	if !ok {
		m.refresh(ctx, jobID)
		return nil, false, nil
	}
	return matched, true, nil
}

// pilotFor returns the pilot record to write with the assignment, carrying the Version it was read at.
func (m *Matcher) pilotFor(ctx *wmscontext.Context, capability matching.Capability, now time.Time) (*jobdb.Pilot, error) {
	pilot, err := m.repo.GetPilot(ctx, capability.PilotReference)
	if err != nil {
		var notFound *wmserrors.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, wmserrors.WrapPersistence("read pilot", err)
		}
		pilot = &jobdb.Pilot{
			PilotReference: capability.PilotReference,
			SiteName:       capability.Site,
			SubmissionTime: now,
		}
	}
	pilot.Status = jobdb.PilotRunning
	pilot.LastHeartbeat = now
	pilot.LastUpdateTime = now
	return pilot, nil
}

// refresh re-reads a job after a lost swap and requeues it if it is still waiting.
func (m *Matcher) refresh(ctx *wmscontext.Context, jobID int64) {
	job, err := m.repo.GetJob(ctx, jobID)
	if err != nil {
		m.queues.Remove(jobID)
		return
	}
	if job.Status == jobdb.Waiting {
		m.queues.Enqueue(job.JobID, job.Requirements)
	} else {
		m.queues.Remove(jobID)
	}
}
