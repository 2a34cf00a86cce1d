package jobdb

import (
	"fmt"

	"github.com/gridwms/wms/internal/common/wmscontext"
)

// Repository is the transactional store behind the job state machine.
//
// Writes are compare-and-swap operations guarded by Version: a write succeeds only if the stored version equals
// the version of the object passed in, in which case the stored version is incremented and the passed object's
// Version is updated to match. A false result with a nil error means another writer got there first.
type Repository interface {
	// InsertJob stores a new job, assigning its JobID and initial Version.
	InsertJob(ctx *wmscontext.Context, job *Job) error
	GetJob(ctx *wmscontext.Context, jobID int64) (*Job, error)
	GetJobsByStatus(ctx *wmscontext.Context, statuses ...JobStatus) ([]*Job, error)
	UpdateJob(ctx *wmscontext.Context, job *Job) (bool, error)
	// AssignJob writes job, which must currently be Waiting in the store, and writes pilot in the same transaction.
	// The pilot is swapped on its Version like a job; a pilot with Version 0 must not be stored yet.
	// ErrPilotUnavailable is returned, and nothing is written, when the stored pilot may not take the job.
	AssignJob(ctx *wmscontext.Context, job *Job, pilot *Pilot) (bool, error)
	// RescheduleJob writes job and appends entry to the job's attic in the same transaction.
	RescheduleJob(ctx *wmscontext.Context, job *Job, entry AtticEntry) (bool, error)
	DeleteJob(ctx *wmscontext.Context, jobID int64) error
	GetAttic(ctx *wmscontext.Context, jobID int64) ([]AtticEntry, error)

	UpsertPilot(ctx *wmscontext.Context, pilot *Pilot) error
	UpdatePilot(ctx *wmscontext.Context, pilot *Pilot) (bool, error)
	GetPilot(ctx *wmscontext.Context, pilotReference string) (*Pilot, error)
	GetPilotsByStatus(ctx *wmscontext.Context, statuses ...PilotStatus) ([]*Pilot, error)
	DeletePilot(ctx *wmscontext.Context, pilotReference string) error
}

// ErrPilotUnavailable is returned by AssignJob when the pilot has finished or is still running another job.
type ErrPilotUnavailable struct {
	PilotReference string
	Reason         string
}

func (err *ErrPilotUnavailable) Error() string {
	return fmt.Sprintf("pilot %s cannot take a job: %s", err.PilotReference, err.Reason)
}

// CheckPilotAvailable decides whether the stored pilot may be assigned jobID. associated is the stored job the
// pilot is associated with, nil if there is none. A pilot runs at most one job at a time.
func CheckPilotAvailable(stored *Pilot, associated *Job, jobID int64) error {
	if stored == nil {
		return nil
	}
	if stored.Status.IsTerminal() {
		return &ErrPilotUnavailable{PilotReference: stored.PilotReference, Reason: "pilot is " + string(stored.Status)}
	}
	if associated == nil || associated.JobID == jobID {
		return nil
	}
	if associated.Status.IsActive() && associated.PilotReference == stored.PilotReference {
		return &ErrPilotUnavailable{
			PilotReference: stored.PilotReference,
			Reason:         fmt.Sprintf("job %d is still %s", associated.JobID, associated.Status),
		}
	}
	return nil
}
