// Package watchdog supervises a running payload and terminates it when it breaks a resource policy.
package watchdog

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/agent/executor"
	"github.com/gridwms/wms/internal/common/logging"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/common/wmserrors"
)

var violationsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wms_agent_watchdog_violations_total",
		Help: "Payloads terminated by the watchdog, by violated check",
	},
	[]string{"check"},
)

type Config struct {
	// Usage is sampled every PollInterval and the limits are evaluated every CheckingPolls samples.
	PollInterval     time.Duration `validate:"required"`
	CheckingPolls    int           `validate:"gte=1"`
	TerminationGrace time.Duration

	CheckWallClock bool
	MaxWallClock   time.Duration

	CheckDiskSpace bool
	MinDiskSpaceMB int64

	CheckLoadAverage bool
	MaxLoadAverage   float64

	CheckCPUTime     bool
	CPUMarginPercent float64

	CheckMemory bool
	MaxMemoryMB int64

	CheckStall           bool
	StallWindow          time.Duration
	MinCPUWallClockRatio float64

	// Below GrossTimeLeft the time left is checked on every poll; below FineTimeLeft the payload is stopped.
	CheckTimeLeft bool
	GrossTimeLeft time.Duration
	FineTimeLeft  time.Duration
}

// TimeLeft reports the normalized CPU time left in the batch slot after consumed raw CPU time.
type TimeLeft interface {
	TimeLeft(ctx *wmscontext.Context, consumed time.Duration) time.Duration
}

// Limits are the job specific inputs of the checks.
type Limits struct {
	// Declared CPU time of the job; zero disables the CPU check for it.
	CPUTime time.Duration
	// CPU time the pilot consumed on earlier payloads, counted against the batch slot.
	PreviouslyConsumed time.Duration
}

// Watchdog supervises a single payload.
type Watchdog struct {
	config   Config
	sampler  Sampler
	timeLeft TimeLeft
	clock    clock.WithTicker

	mu      sync.Mutex
	latest  Sample
	history []Sample
	little  bool
}

func New(config Config, sampler Sampler, timeLeft TimeLeft, clock clock.WithTicker) *Watchdog {
	return &Watchdog{config: config, sampler: sampler, timeLeft: timeLeft, clock: clock}
}

// Latest returns the most recent sample, for heartbeats.
func (w *Watchdog) Latest() Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Run samples the payload until it exits or ctx is cancelled. If a check fails the payload tree is terminated and
// the violation is returned; otherwise the result is nil.
func (w *Watchdog) Run(ctx *wmscontext.Context, process executor.Process, limits Limits) *wmserrors.ErrWatchdogViolation {
	start := w.clock.Now()
	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	checkingPolls := w.config.CheckingPolls
	if checkingPolls < 1 {
		checkingPolls = 1
	}
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-process.Done():
			return nil
		case now := <-ticker.C():
			polls++
			sample, err := w.sampler.Sample(process.PID())
			if err != nil {
				ctx.Log.Debugf("failed to sample process %d: %s", process.PID(), err)
				continue
			}
			sample.Time = now
			sample.WallClock = now.Sub(start)
			history := w.record(sample)

			var f *failure
			if polls%checkingPolls == 0 {
				f = w.check(ctx, sample, history, limits)
			} else if w.isLittleTimeLeft() {
				f = w.checkTimeLeft(ctx, sample, limits)
			}
			if f == nil {
				continue
			}
			return w.terminate(ctx, process, f)
		}
	}
}

func (w *Watchdog) terminate(ctx *wmscontext.Context, process executor.Process, f *failure) *wmserrors.ErrWatchdogViolation {
	ctx.Log.Warnf("watchdog check %s failed for process %d: %s", f.check, process.PID(), f.message)
	violationsCounter.WithLabelValues(f.check).Inc()
	if err := process.Terminate(ctx, w.config.TerminationGrace); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("failed to terminate process %d", process.PID())
	}
	return &wmserrors.ErrWatchdogViolation{Check: f.check, MinorStatus: f.minorStatus, Message: f.message}
}

// record stores sample and returns a copy of the history needed by the stall check.
func (w *Watchdog) record(sample Sample) []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest = sample
	w.history = append(w.history, sample)
	// Keep the newest sample that is at least a full window old.
	for len(w.history) > 2 && sample.WallClock-w.history[1].WallClock >= w.config.StallWindow {
		w.history = w.history[1:]
	}
	return append([]Sample(nil), w.history...)
}

func (w *Watchdog) check(ctx *wmscontext.Context, sample Sample, history []Sample, limits Limits) *failure {
	c := w.config
	if c.CheckWallClock {
		if f := checkWallClock(sample, c.MaxWallClock); f != nil {
			return f
		}
	}
	if c.CheckDiskSpace {
		if f := checkDiskSpace(sample, c.MinDiskSpaceMB); f != nil {
			return f
		}
	}
	if c.CheckLoadAverage {
		if f := checkLoadAverage(sample, c.MaxLoadAverage); f != nil {
			return f
		}
	}
	if c.CheckCPUTime {
		if f := checkCPUTime(sample, limits.CPUTime, c.CPUMarginPercent); f != nil {
			return f
		}
	}
	if c.CheckMemory && memoryExceeded(sample, c.MaxMemoryMB) {
		ctx.Log.Warnf("payload uses %d MB of memory, above the %d MB limit", sample.MemoryMB, c.MaxMemoryMB)
	}
	if c.CheckStall {
		if f := checkStall(history, c.StallWindow, c.MinCPUWallClockRatio); f != nil {
			return f
		}
	}
	return w.checkTimeLeft(ctx, sample, limits)
}

func (w *Watchdog) checkTimeLeft(ctx *wmscontext.Context, sample Sample, limits Limits) *failure {
	if !w.config.CheckTimeLeft || w.timeLeft == nil {
		return nil
	}
	left := w.timeLeft.TimeLeft(ctx, limits.PreviouslyConsumed+sample.CPUTime)
	little, f := checkTimeLeft(left, w.config.GrossTimeLeft, w.config.FineTimeLeft)
	w.mu.Lock()
	if little && !w.little {
		ctx.Log.Infof("little time left in the batch slot (%s), checking on every poll", left)
	}
	w.little = little
	w.mu.Unlock()
	return f
}

func (w *Watchdog) isLittleTimeLeft() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.little
}
