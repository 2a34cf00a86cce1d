package jobdb

import (
	"github.com/gridwms/wms/internal/common/wmserrors"
)

type JobStatus string

const (
	Received    JobStatus = "Received"
	Waiting     JobStatus = "Waiting"
	Matched     JobStatus = "Matched"
	Running     JobStatus = "Running"
	Completing  JobStatus = "Completing"
	Done        JobStatus = "Done"
	Failed      JobStatus = "Failed"
	Stalled     JobStatus = "Stalled"
	Rescheduled JobStatus = "Rescheduled"
	Canceled    JobStatus = "Canceled"
)

// DefaultMaxReschedulings is the number of times a job may be rescheduled before it is failed instead.
const DefaultMaxReschedulings = 30

var AllJobStatuses = []JobStatus{
	Received, Waiting, Matched, Running, Completing, Done, Failed, Stalled, Rescheduled, Canceled,
}

// transitions lists every allowed edge of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	Received:    {Waiting, Failed, Canceled},
	Waiting:     {Matched, Canceled},
	Matched:     {Running, Stalled, Rescheduled, Failed, Canceled},
	Running:     {Running, Completing, Failed, Stalled, Rescheduled, Canceled},
	Completing:  {Done, Failed, Canceled},
	Stalled:     {Running, Rescheduled, Failed, Canceled},
	Rescheduled: {Received, Canceled},
	Done:        {},
	Failed:      {},
	Canceled:    {},
}

func (s JobStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true for states a job never leaves.
func (s JobStatus) IsTerminal() bool {
	return s == Done || s == Failed || s == Canceled
}

// IsActive returns true while a pilot owns the job.
func (s JobStatus) IsActive() bool {
	return s == Matched || s == Running || s == Completing
}

func CanTransition(from, to JobStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is an edge of the state machine.
func ValidateTransition(jobID int64, from, to JobStatus) error {
	if !CanTransition(from, to) {
		return &wmserrors.ErrInvalidTransition{
			JobId: jobID,
			From:  string(from),
			To:    string(to),
		}
	}
	return nil
}

// ValidateWalk checks that every consecutive pair of statuses is an allowed edge.
func ValidateWalk(jobID int64, walk []JobStatus) error {
	for i := 1; i < len(walk); i++ {
		if err := ValidateTransition(jobID, walk[i-1], walk[i]); err != nil {
			return err
		}
	}
	return nil
}

type PilotStatus string

const (
	PilotSubmitted PilotStatus = "Submitted"
	PilotRunning   PilotStatus = "Running"
	PilotDone      PilotStatus = "Done"
	PilotFailed    PilotStatus = "Failed"
	PilotStalled   PilotStatus = "Stalled"
	PilotAborted   PilotStatus = "Aborted"
)

func (s PilotStatus) IsValid() bool {
	switch s {
	case PilotSubmitted, PilotRunning, PilotDone, PilotFailed, PilotStalled, PilotAborted:
		return true
	}
	return false
}

func (s PilotStatus) IsTerminal() bool {
	return s == PilotDone || s == PilotFailed || s == PilotAborted
}
