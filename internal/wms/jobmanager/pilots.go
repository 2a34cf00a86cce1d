package jobmanager

import (
	"fmt"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/internal/wms/jobdb"
)

// RegisterPilot records a pilot that has been submitted to a site but has not asked for work yet.
func (m *JobManager) RegisterPilot(ctx *wmscontext.Context, pilotReference string, site string) (*jobdb.Pilot, error) {
	if pilotReference == "" {
		return nil, &wmserrors.ErrInvalidArgument{Name: "PilotReference", Value: pilotReference, Message: "must not be empty"}
	}
	if site == "" {
		return nil, &wmserrors.ErrInvalidArgument{Name: "Site", Value: site, Message: "must not be empty"}
	}
	_, err := m.repo.GetPilot(ctx, pilotReference)
	if err == nil {
		return nil, &wmserrors.ErrAlreadyExists{Type: "pilot", Value: pilotReference}
	}
	var notFound *wmserrors.ErrNotFound
	if !errors.As(err, &notFound) {
		return nil, wmserrors.WrapPersistence("read pilot", err)
	}
	now := m.clock.Now()
	pilot := &jobdb.Pilot{
		PilotReference: pilotReference,
		SiteName:       site,
		Status:         jobdb.PilotSubmitted,
		SubmissionTime: now,
		LastUpdateTime: now,
	}
	if err := m.repo.UpsertPilot(ctx, pilot); err != nil {
		return nil, wmserrors.WrapPersistence("insert pilot", err)
	}
	ctx.Log.Infof("pilot %s registered at %s", pilotReference, site)
	return pilot, nil
}

// ReportPilotStatus records a status change reported by or about a pilot. Terminal pilots cannot change status.
func (m *JobManager) ReportPilotStatus(ctx *wmscontext.Context, pilotReference string, status jobdb.PilotStatus) (*jobdb.Pilot, error) {
	if !status.IsValid() {
		return nil, &wmserrors.ErrInvalidArgument{Name: "Status", Value: status, Message: "unknown pilot status"}
	}
	pilot, err := m.updatePilot(ctx, pilotReference, func(pilot *jobdb.Pilot) error {
		if pilot.Status == status {
			return errUnchanged
		}
		if pilot.Status.IsTerminal() {
			return &wmserrors.ErrInvalidArgument{
				Name:    "Status",
				Value:   status,
				Message: fmt.Sprintf("pilot %s is already %s", pilotReference, pilot.Status),
			}
		}
		now := m.clock.Now()
		pilot.Status = status
		pilot.LastUpdateTime = now
		if status == jobdb.PilotRunning {
			pilot.LastHeartbeat = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status == jobdb.PilotStalled {
		m.metrics.RecordStalledPilot()
	}
	ctx.Log.Infof("pilot %s is %s", pilotReference, pilot.Status)
	return pilot, nil
}

func (m *JobManager) GetPilot(ctx *wmscontext.Context, pilotReference string) (*jobdb.Pilot, error) {
	pilot, err := m.repo.GetPilot(ctx, pilotReference)
	if err != nil {
		return nil, wmserrors.WrapPersistence("read pilot", err)
	}
	return pilot, nil
}

func (m *JobManager) GetPilotsByStatus(ctx *wmscontext.Context, statuses ...jobdb.PilotStatus) ([]*jobdb.Pilot, error) {
	pilots, err := m.repo.GetPilotsByStatus(ctx, statuses...)
	if err != nil {
		return nil, wmserrors.WrapPersistence("list pilots", err)
	}
	return pilots, nil
}

// DeletePilot archives a pilot by removing it from the store.
func (m *JobManager) DeletePilot(ctx *wmscontext.Context, pilotReference string) error {
	if err := m.repo.DeletePilot(ctx, pilotReference); err != nil {
		return wmserrors.WrapPersistence("delete pilot", err)
	}
	ctx.Log.Debugf("pilot %s archived", pilotReference)
	return nil
}

// releasePilot clears the pilot's association with jobID, leaving any newer association alone.
// Failures are logged only: a stale association is harmless once the job has left Matched and Running.
func (m *JobManager) releasePilot(ctx *wmscontext.Context, pilotReference string, jobID int64) {
	_, err := m.updatePilot(ctx, pilotReference, func(pilot *jobdb.Pilot) error {
		if pilot.AssociatedJobID != jobID {
			return errUnchanged
		}
		pilot.AssociatedJobID = 0
		pilot.LastUpdateTime = m.clock.Now()
		return nil
	})
	var notFound *wmserrors.ErrNotFound
	if err != nil && !errors.As(err, &notFound) {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to release pilot %s from job %d", pilotReference, jobID)
	}
}

// touchPilot records a sign of life from a pilot.
func (m *JobManager) touchPilot(ctx *wmscontext.Context, pilotReference string) {
	_, err := m.updatePilot(ctx, pilotReference, func(pilot *jobdb.Pilot) error {
		if pilot.Status.IsTerminal() {
			return errUnchanged
		}
		now := m.clock.Now()
		pilot.Status = jobdb.PilotRunning
		pilot.LastHeartbeat = now
		pilot.LastUpdateTime = now
		return nil
	})
	var notFound *wmserrors.ErrNotFound
	if err != nil && !errors.As(err, &notFound) {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to record heartbeat of pilot %s", pilotReference)
	}
}

func (m *JobManager) updatePilot(
	ctx *wmscontext.Context,
	pilotReference string,
	mutate func(pilot *jobdb.Pilot) error,
) (*jobdb.Pilot, error) {
	attempts := m.config.UpdateRetries
	if attempts == 0 {
		attempts = 1
	}
	var result *jobdb.Pilot
	err := retry.Do(
		func() error {
			pilot, err := m.repo.GetPilot(ctx, pilotReference)
			if err != nil {
				return wmserrors.WrapPersistence("read pilot", err)
			}
			if err := mutate(pilot); err != nil {
				if errors.Is(err, errUnchanged) {
					result = pilot
					return nil
				}
				return err
			}
			ok, err := m.repo.UpdatePilot(ctx, pilot)
			if err != nil {
				return wmserrors.WrapPersistence("update pilot", err)
			}
			if !ok {
				return &wmserrors.ErrContention{Type: "pilot", Value: pilotReference}
			}
			result = pilot
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isContention),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
