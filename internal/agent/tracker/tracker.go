// Package tracker runs the pilot's execution cycle: ask for work, run it, report on it, and stop when the
// pilot can no longer make progress.
package tracker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/agent/executor"
	"github.com/gridwms/wms/internal/agent/failover"
	"github.com/gridwms/wms/internal/agent/installer"
	"github.com/gridwms/wms/internal/agent/watchdog"
	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
	"github.com/gridwms/wms/pkg/api"
)

// StopReason says why the execution cycle ended.
type StopReason string

const (
	StopNoFreeSlots   StopReason = "NoFreeSlots"
	StopNoTimeLeft    StopReason = "NoTimeLeft"
	StopFailedMatches StopReason = "FailedMatches"
	StopHostFailures  StopReason = "HostFailures"
	StopDrained       StopReason = "Drained"
	StopFatal         StopReason = "Fatal"
	StopCanceled      StopReason = "Canceled"
)

// PilotStatus is the status reported to the server once the tracker stops.
func (r StopReason) PilotStatus() string {
	switch r {
	case StopHostFailures, StopFatal:
		return "Failed"
	default:
		return "Done"
	}
}

type Config struct {
	StopAfterFailedMatches int           `validate:"gte=1"`
	StopAfterHostFailures  int           `validate:"gte=1"`
	BaseBackoff            time.Duration `validate:"required"`
	MaxBackoff             time.Duration `validate:"required,gtefield=BaseBackoff"`
	HeartbeatInterval      time.Duration `validate:"required"`
	// The cycle stops once less normalized CPU time than this is left in the batch slot.
	MinimumTimeLeft time.Duration
	// Grace given to a payload the server asked to kill or that is stopped with the pilot.
	KillGrace time.Duration
	// The cycle stops when this file exists.
	DrainFile string
}

// Pilot describes the resource this agent offers.
type Pilot struct {
	Reference string
	// Number of payloads run at once. Each slot asks for work under its own reference.
	Slots              int
	Site               string
	Platform           string
	Tags               []string
	MemoryMB           int64
	NumberOfProcessors int
	WorkDir            string
}

// Server is the part of the wms API the tracker uses.
type Server interface {
	RequestJob(ctx *wmscontext.Context, request api.MatchRequest) (*api.MatchResponse, error)
	Heartbeat(ctx *wmscontext.Context, jobID int64, request api.HeartbeatRequest) (*api.HeartbeatResponse, error)
	ReportOutcome(ctx *wmscontext.Context, jobID int64, request api.OutcomeRequest) (*api.Job, error)
	Reschedule(ctx *wmscontext.Context, jobID int64, reason string) (*api.Job, error)
	RegisterPilot(ctx *wmscontext.Context, request api.RegisterPilotRequest) (*api.Pilot, error)
	ReportPilotStatus(ctx *wmscontext.Context, pilotReference string, status string) (*api.Pilot, error)
	failover.Sender
}

// TimeLeft estimates the normalized CPU time left in the batch slot.
type TimeLeft interface {
	TimeLeft(ctx *wmscontext.Context, consumed time.Duration) time.Duration
}

// WatchdogFactory creates the watchdog supervising a payload running in workDir.
type WatchdogFactory func(workDir string) *watchdog.Watchdog

type Tracker struct {
	config      Config
	pilot       Pilot
	server      Server
	executor    executor.Executor
	installer   installer.Installer
	timeLeft    TimeLeft
	failover    failover.Queue
	newWatchdog WatchdogFactory
	clock       clock.WithTicker
	slots       *slotPool

	running  sync.WaitGroup
	finished chan struct{}
	drained  atomic.Bool

	mu       sync.Mutex
	consumed time.Duration
}

func New(
	config Config,
	pilot Pilot,
	server Server,
	executor executor.Executor,
	installer installer.Installer,
	timeLeft TimeLeft,
	failover failover.Queue,
	newWatchdog WatchdogFactory,
	clock clock.WithTicker,
) *Tracker {
	return &Tracker{
		config:      config,
		pilot:       pilot,
		server:      server,
		executor:    executor,
		installer:   installer,
		timeLeft:    timeLeft,
		failover:    failover,
		newWatchdog: newWatchdog,
		clock:       clock,
		slots:       newSlotPool(pilot.Reference, pilot.Slots),
		finished:    make(chan struct{}, 1),
	}
}

// Drain stops the cycle before the next request for work. Running payloads are left to finish.
func (t *Tracker) Drain() {
	t.drained.Store(true)
}

// Run executes the cycle until a stop condition is met, then waits for running payloads, delivers what is left
// in the failover queue and reports the final pilot status. Cancelling ctx terminates running payloads and
// returns their jobs to the server.
func (t *Tracker) Run(ctx *wmscontext.Context) StopReason {
	ctx = wmscontext.WithLogField(ctx, "pilot", t.pilot.Reference)
	t.start(ctx)
	reason := t.cycle(ctx)
	ctx.Log.Infof("stopping: %s", reason)
	t.finish(ctx, reason)
	return reason
}

func (t *Tracker) start(ctx *wmscontext.Context) {
	for _, reference := range t.slots.all() {
		_, err := t.server.RegisterPilot(ctx, api.RegisterPilotRequest{PilotReference: reference, Site: t.pilot.Site})
		if err != nil && wmserrors.KindOf(err) != wmserrors.KindAlreadyExists {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to register pilot %s", reference)
		}
		if _, err := t.server.ReportPilotStatus(ctx, reference, "Running"); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to report status of pilot %s", reference)
		}
	}
}

func (t *Tracker) cycle(ctx *wmscontext.Context) StopReason {
	failedMatches := 0
	hostFailures := 0
	for {
		t.flushFailover(ctx)
		if ctx.Err() != nil {
			return StopCanceled
		}
		if t.isDrained() {
			return StopDrained
		}

		if t.executor.FreeSlots() <= 0 && t.executor.Running() == 0 {
			return StopNoFreeSlots
		}
		slot, free := "", false
		if t.executor.FreeSlots() > 0 {
			slot, free = t.slots.take()
		}
		if !free {
			select {
			case <-t.finished:
			case <-ctx.Done():
			}
			continue
		}

		left := t.timeLeft.TimeLeft(ctx, t.consumedCPU())
		if left < t.config.MinimumTimeLeft {
			t.slots.put(slot)
			ctx.Log.Infof("%s left in the batch slot, below the minimum %s", left, t.config.MinimumTimeLeft)
			return StopNoTimeLeft
		}

		response, err := t.server.RequestJob(ctx, t.capability(slot, left))
		if err != nil {
			switch wmserrors.KindOf(err) {
			case wmserrors.KindInvalidCapability, wmserrors.KindVersionMismatch:
				t.slots.put(slot)
				logging.WithStacktrace(ctx.Log, err).Error("server rejected the pilot")
				return StopFatal
			}
			logging.WithStacktrace(ctx.Log, err).Warn("failed to request a job")
		}
		if err != nil || !response.Matched || response.Job == nil {
			t.slots.put(slot)
			failedMatches++
			if response != nil {
				ctx.Log.Debugf("no match (%d in a row): %s", failedMatches, response.Reason)
			}
			if failedMatches >= t.config.StopAfterFailedMatches {
				return StopFailedMatches
			}
			t.backoff(ctx, failedMatches)
			continue
		}
		failedMatches = 0

		if err := t.startJob(ctx, slot, *response.Job); err != nil {
			t.slots.put(slot)
			hostFailures++
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to start job %d (%d in a row)", response.Job.JobID, hostFailures)
			if hostFailures >= t.config.StopAfterHostFailures {
				return StopHostFailures
			}
			continue
		}
		hostFailures = 0
	}
}

func (t *Tracker) finish(ctx *wmscontext.Context, reason StopReason) {
	t.running.Wait()
	// Reports are delivered even when the pilot itself is being stopped.
	cleanup := wmscontext.New(context.Background(), ctx.Log)
	t.flushFailover(cleanup)
	status := reason.PilotStatus()
	for _, reference := range t.slots.all() {
		if _, err := t.server.ReportPilotStatus(cleanup, reference, status); err != nil {
			t.storeFailover(cleanup, failover.KindPilotStatus, reference, 0, api.PilotStatusRequest{Status: status}, err)
		}
	}
}

// Backoff is the wait after the given number of consecutive failed match attempts.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	if d := base * time.Duration(failures); d < max && d/time.Duration(failures) == base {
		return d
	}
	return max
}

func (t *Tracker) backoff(ctx *wmscontext.Context, failures int) {
	select {
	case <-t.clock.After(Backoff(t.config.BaseBackoff, t.config.MaxBackoff, failures)):
	case <-ctx.Done():
	}
}

func (t *Tracker) isDrained() bool {
	if t.drained.Load() {
		return true
	}
	if t.config.DrainFile == "" {
		return false
	}
	_, err := os.Stat(t.config.DrainFile)
	return err == nil
}

// capability offers the share of the pilot's processors and memory that belongs to its free slots.
func (t *Tracker) capability(slot string, left time.Duration) api.MatchRequest {
	free, total := t.executor.FreeSlots(), t.slots.size()
	return api.MatchRequest{
		ProtocolVersion:    api.ProtocolVersion,
		PilotReference:     slot,
		Site:               t.pilot.Site,
		Platform:           t.pilot.Platform,
		CPUTimeAvailable:   int64(left / time.Second),
		MemoryMB:           freeShare(t.pilot.MemoryMB, free, total),
		NumberOfProcessors: int(freeShare(int64(t.pilot.NumberOfProcessors), free, total)),
		Tags:               t.pilot.Tags,
	}
}

// freeShare scales amount, offered by all total slots together, down to the free ones. A free slot never gets
// less than one unit.
func freeShare(amount int64, free, total int) int64 {
	if amount <= 0 || total <= 1 || free >= total {
		return amount
	}
	if free <= 0 {
		return 0
	}
	share := amount * int64(free) / int64(total)
	if share < 1 {
		return 1
	}
	return share
}

func (t *Tracker) consumedCPU() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

func (t *Tracker) addConsumedCPU(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed += d
}

func (t *Tracker) flushFailover(ctx *wmscontext.Context) {
	delivered, err := failover.Flush(ctx, t.failover, t.server)
	if delivered > 0 {
		ctx.Log.Infof("delivered %d stored reports", delivered)
	}
	if err != nil {
		ctx.Log.Warnf("stored reports not delivered yet: %s", err)
	}
}

// storeFailover keeps a report the server could not take now. Reports the server refused for good are dropped.
func (t *Tracker) storeFailover(ctx *wmscontext.Context, kind failover.Kind, pilotReference string, jobID int64, body interface{}, cause error) {
	if !wmserrors.IsRetryable(cause) {
		logging.WithStacktrace(ctx.Log, cause).Warnf("server refused %s report for job %d", kind, jobID)
		return
	}
	request, err := failover.NewRequest(kind, jobID, pilotReference, body, t.clock.Now())
	if err == nil {
		err = t.failover.Push(ctx, request)
	}
	if err != nil {
		logging.WithStacktrace(ctx.Log, errors.WithMessage(err, cause.Error())).
			Errorf("lost %s report for job %d", kind, jobID)
	}
}
