package agent

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/agent/client"
	"github.com/gridwms/wms/internal/agent/configuration"
	"github.com/gridwms/wms/internal/agent/executor"
	"github.com/gridwms/wms/internal/agent/failover"
	"github.com/gridwms/wms/internal/agent/installer"
	"github.com/gridwms/wms/internal/agent/proc"
	"github.com/gridwms/wms/internal/agent/timeleft"
	"github.com/gridwms/wms/internal/agent/tracker"
	"github.com/gridwms/wms/internal/agent/watchdog"
	"github.com/gridwms/wms/internal/common"
	"github.com/gridwms/wms/internal/common/app"
	"github.com/gridwms/wms/internal/common/health"
	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
)

// Run starts a pilot agent and blocks until its job cycle stops.
// SIGUSR1 drains the agent: running payloads finish but no new job is requested.
func Run(config configuration.AgentConfiguration) error {
	ctx := app.CreateContextWithShutdown()
	clk := clock.RealClock{}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	if err := expandPaths(&config); err != nil {
		return err
	}
	pilot := pilotFromConfig(config)
	ctx = wmscontext.WithLogFields(ctx, log.Fields{"pilot": pilot.Reference, "site": pilot.Site})
	if err := os.MkdirAll(pilot.WorkDir, 0o755); err != nil {
		return errors.Wrapf(err, "error creating work directory %s", pilot.WorkDir)
	}

	server, err := client.New(config.Server)
	if err != nil {
		return err
	}
	queue, closeQueue := createFailoverQueue(config.Failover)
	defer closeQueue()

	procFS := proc.NewFS()
	var utility timeleft.Utility
	if len(config.TimeLeft.UtilityCommand) > 0 {
		utility = timeleft.CommandUtility{Command: config.TimeLeft.UtilityCommand, Timeout: config.TimeLeft.UtilityTimeout}
	}
	estimator := timeleft.NewEstimator(config.TimeLeft, utility)
	newWatchdog := func(workDir string) *watchdog.Watchdog {
		return watchdog.New(config.Watchdog, watchdog.NewProcSampler(procFS, workDir), estimator, clk)
	}

	t := tracker.New(
		config.Tracker,
		pilot,
		server,
		executor.NewLocalExecutor(config.Executor, clk, procFS),
		installer.New(config.Installer),
		estimator,
		queue,
		newWatchdog,
		clk,
	)
	stopDrain := drainOnSignal(ctx, t)
	defer stopDrain()

	startupCompleteCheck.MarkComplete()
	reason := t.Run(ctx)
	ctx.Log.Infof("pilot stopped: %s", reason)
	if reason.PilotStatus() == "Failed" {
		return errors.Errorf("pilot failed: %s", reason)
	}
	return nil
}

// expandPaths resolves a leading ~ in the configured paths, which batch systems often hand over unexpanded.
func expandPaths(config *configuration.AgentConfiguration) error {
	for _, path := range []*string{&config.Pilot.WorkDir, &config.Tracker.DrainFile} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return errors.Wrapf(err, "error expanding %s", *path)
		}
		*path = expanded
	}
	return nil
}

func pilotFromConfig(config configuration.AgentConfiguration) tracker.Pilot {
	reference := config.Pilot.Reference
	if reference == "" {
		reference = util.NewPilotReference(config.Pilot.ReferencePrefix)
	}
	processors := config.Pilot.NumberOfProcessors
	if processors == 0 {
		processors = config.Executor.Slots
	}
	return tracker.Pilot{
		Reference:          reference,
		Slots:              config.Executor.Slots,
		Site:               config.Pilot.Site,
		Platform:           config.Pilot.Platform,
		Tags:               config.Pilot.Tags,
		MemoryMB:           config.Pilot.MemoryMB,
		NumberOfProcessors: processors,
		WorkDir:            config.Pilot.WorkDir,
	}
}

func createFailoverQueue(config configuration.FailoverConfiguration) (failover.Queue, func()) {
	if config.Storage == configuration.FailoverMemory {
		return failover.NewMemoryQueue(), func() {}
	}
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	closeClient := func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}
	return failover.NewRedisQueue(redisClient, config.Key), closeClient
}

func drainOnSignal(ctx *wmscontext.Context, t *tracker.Tracker) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-c:
				ctx.Log.Info("Received SIGUSR1, draining")
				t.Drain()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}
