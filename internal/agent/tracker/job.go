package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridwms/wms/internal/agent/executor"
	"github.com/gridwms/wms/internal/agent/failover"
	"github.com/gridwms/wms/internal/agent/watchdog"
	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/pkg/api"
)

const (
	reasonSubmissionFailed = "Job submission failed"
	reasonPilotStopped     = "Pilot stopped"
	minorKilledByServer    = "Killed on request of the server"
)

// startJob prepares and starts a job matched to slot. Any failure returns the job to the server before the error
// is returned, so a job never stays assigned to a pilot that is not running it. The slot is released once the
// payload has been reported on.
func (t *Tracker) startJob(ctx *wmscontext.Context, slot string, job api.Job) error {
	ctx = wmscontext.WithLogFields(ctx, logrus.Fields{"job": job.JobID, "slot": slot})
	ctx.Log.Infof("matched job %d", job.JobID)

	workDir := filepath.Join(t.pilot.WorkDir, strconv.FormatInt(job.JobID, 10))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return t.submissionFailed(ctx, slot, job.JobID, errors.WithStack(err))
	}
	if err := t.installer.Install(ctx, workDir, job.Payload.SoftwarePackages); err != nil {
		return t.submissionFailed(ctx, slot, job.JobID, err)
	}
	process, err := t.executor.Submit(ctx, executor.Spec{
		JobID:   job.JobID,
		Command: command(job.Payload),
		WorkDir: workDir,
		Env: []string{
			fmt.Sprintf("WMS_JOB_ID=%d", job.JobID),
			"WMS_PILOT_REFERENCE=" + slot,
			"WMS_SITE=" + t.pilot.Site,
		},
	})
	if err != nil {
		return t.submissionFailed(ctx, slot, job.JobID, err)
	}

	t.running.Add(1)
	go func() {
		defer t.running.Done()
		t.monitor(ctx, slot, job, process, workDir)
		t.slots.put(slot)
		select {
		case t.finished <- struct{}{}:
		default:
		}
	}()
	return nil
}

func command(payload api.Payload) string {
	if payload.Arguments == "" {
		return payload.Executable
	}
	return strings.Join([]string{payload.Executable, payload.Arguments}, " ")
}

func (t *Tracker) submissionFailed(ctx *wmscontext.Context, slot string, jobID int64, cause error) error {
	err := &wmserrors.ErrSubmission{JobId: jobID, Err: cause}
	var submission *wmserrors.ErrSubmission
	if errors.As(cause, &submission) {
		err = submission
	}
	t.reschedule(ctx, slot, jobID, reasonSubmissionFailed)
	return err
}

func (t *Tracker) reschedule(ctx *wmscontext.Context, slot string, jobID int64, reason string) {
	_, err := t.server.Reschedule(ctx, jobID, reason)
	switch {
	case err == nil:
		ctx.Log.Infof("job %d rescheduled: %s", jobID, reason)
	case wmserrors.KindOf(err) == wmserrors.KindRescheduleLimitExceeded:
		ctx.Log.Infof("job %d reached its reschedule limit and has been failed", jobID)
	default:
		t.storeFailover(ctx, failover.KindReschedule, slot, jobID, api.RescheduleRequest{Reason: reason}, err)
	}
}

// monitor supervises a running payload until it exits and then reports how it ended.
func (t *Tracker) monitor(ctx *wmscontext.Context, slot string, job api.Job, process executor.Process, workDir string) {
	// Stopping the payload and reporting on it must outlive ctx.
	cleanup := wmscontext.New(context.Background(), ctx.Log)

	supervisor := t.newWatchdog(workDir)
	limits := watchdog.Limits{
		CPUTime:            time.Duration(job.Payload.CPUTimeLimit) * time.Second,
		PreviouslyConsumed: t.consumedCPU(),
	}
	violations := make(chan *wmserrors.ErrWatchdogViolation, 1)
	go func() {
		violations <- supervisor.Run(cleanup, process, limits)
	}()

	ticker := t.clock.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()
	killed := t.heartbeat(ctx, slot, job.JobID, supervisor.Latest())
	canceled := false
	exited := false
	for !exited && !killed && !canceled {
		select {
		case <-process.Done():
			exited = true
		case <-ticker.C():
			killed = t.heartbeat(ctx, slot, job.JobID, supervisor.Latest())
		case <-ctx.Done():
			canceled = true
		}
	}
	if !exited {
		if err := process.Terminate(cleanup, t.config.KillGrace); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to terminate job %d", job.JobID)
		}
		<-process.Done()
	}

	violation := <-violations
	usage := usageOf(supervisor.Latest())
	t.addConsumedCPU(supervisor.Latest().CPUTime)
	exitCode := process.ExitCode()
	ctx.Log.Infof("job %d exited with code %d", job.JobID, exitCode)

	switch {
	case canceled:
		t.reschedule(cleanup, slot, job.JobID, reasonPilotStopped)
	case violation != nil:
		if exitCode == 0 {
			exitCode = 1
		}
		t.reportOutcome(cleanup, slot, job.JobID, api.OutcomeRequest{ExitCode: exitCode, MinorStatus: violation.MinorStatus, Usage: usage})
	case killed:
		if exitCode == 0 {
			exitCode = 1
		}
		t.reportOutcome(cleanup, slot, job.JobID, api.OutcomeRequest{ExitCode: exitCode, MinorStatus: minorKilledByServer, Usage: usage})
	default:
		t.reportOutcome(cleanup, slot, job.JobID, api.OutcomeRequest{ExitCode: exitCode, Usage: usage})
	}
}

// heartbeat reports progress and returns true if the server wants the payload killed.
func (t *Tracker) heartbeat(ctx *wmscontext.Context, slot string, jobID int64, sample watchdog.Sample) bool {
	response, err := t.server.Heartbeat(ctx, jobID, api.HeartbeatRequest{
		PilotReference: slot,
		Usage:          usageOf(sample),
		Time:           t.clock.Now(),
	})
	if err != nil {
		// Missed heartbeats are caught up by the next one.
		logging.WithStacktrace(ctx.Log, err).Warnf("heartbeat for job %d failed", jobID)
		return false
	}
	if response.Instruction == api.InstructionKill {
		ctx.Log.Infof("server asked to kill job %d", jobID)
		return true
	}
	return false
}

func (t *Tracker) reportOutcome(ctx *wmscontext.Context, slot string, jobID int64, outcome api.OutcomeRequest) {
	outcome.PilotReference = slot
	job, err := t.server.ReportOutcome(ctx, jobID, outcome)
	if err != nil {
		t.storeFailover(ctx, failover.KindOutcome, slot, jobID, outcome, err)
		return
	}
	ctx.Log.Infof("job %d is %s: %s", jobID, job.Status, job.MinorStatus)
}

func usageOf(sample watchdog.Sample) api.ResourceUsage {
	return api.ResourceUsage{
		CPUTimeSeconds:   sample.CPUTime.Seconds(),
		WallClockSeconds: sample.WallClock.Seconds(),
		MemoryMB:         sample.MemoryMB,
		DiskSpaceMB:      sample.DiskSpaceMB,
		LoadAverage:      sample.LoadAverage,
	}
}
