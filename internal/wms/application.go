package wms

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/gridwms/wms/internal/common"
	"github.com/gridwms/wms/internal/common/app"
	"github.com/gridwms/wms/internal/common/database"
	"github.com/gridwms/wms/internal/common/health"
	"github.com/gridwms/wms/internal/common/task"
	"github.com/gridwms/wms/internal/common/util"
	"github.com/gridwms/wms/internal/common/wmscontext"
	"github.com/gridwms/wms/internal/wms/configuration"
	wmsdb "github.com/gridwms/wms/internal/wms/database"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobdb"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/metrics"
	"github.com/gridwms/wms/internal/wms/server"
	"github.com/gridwms/wms/internal/wms/sitemask"
	"github.com/gridwms/wms/internal/wms/sweeper"
	"github.com/gridwms/wms/internal/wms/taskqueue"
)

// Run starts the wms server and blocks until SIGINT or SIGTERM is received.
func Run(config configuration.Configuration) error {
	ctx := app.CreateContextWithShutdown()
	clk := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	//////////////////////////////////////////////////////////////////////////
	// Job store
	//////////////////////////////////////////////////////////////////////////
	repo, closeRepo, err := createJobRepository(ctx, config, healthChecks)
	if err != nil {
		return err
	}
	defer closeRepo()

	//////////////////////////////////////////////////////////////////////////
	// Site mask
	//////////////////////////////////////////////////////////////////////////
	maskRepo, closeMask, err := createSiteMaskRepository(config.SiteMask, clk)
	if err != nil {
		return err
	}
	defer closeMask()
	if err := seedSiteMask(ctx, maskRepo, config.SiteMask.InitialActiveSites); err != nil {
		return err
	}
	cachedMask := sitemask.NewCachedSiteMask(maskRepo, config.SiteMask.Expiry, clk)
	if err := cachedMask.Refresh(ctx); err != nil {
		return errors.WithMessage(err, "error loading site mask")
	}
	healthChecks.Add(cachedMask)

	//////////////////////////////////////////////////////////////////////////
	// Matching
	//////////////////////////////////////////////////////////////////////////
	weighting, err := taskqueue.WeightingFromName(config.Matching.Weighting)
	if err != nil {
		return err
	}
	queues := taskqueue.New(weighting, util.NewThreadsafeRand(time.Now().UnixNano()))
	var authorizer matching.Authorizer = matching.AllowAll{}
	if len(config.Matching.SitePolicies) > 0 {
		authorizer = matching.NewPolicyAuthorizer(config.Matching.SitePolicies)
	}
	filter := matching.NewFilter(config.Matching.Filter, cachedMask, authorizer)

	parser, err := jdl.NewCachingParser(config.Jdl.ParserCacheSize)
	if err != nil {
		return err
	}
	extensions := []jdl.Extension{jdl.MultiProcessorExtension{}}
	if len(config.Jdl.InputDataSites) > 0 {
		extensions = append(extensions, jdl.InputDataExtension{Resolver: jdl.StaticSiteResolver(config.Jdl.InputDataSites)})
	}
	builder := jdl.NewRequirementsBuilder(config.Jdl.Builder, extensions...)

	serverMetrics := metrics.New().WithQueueStats(queues)
	prometheus.MustRegister(serverMetrics)

	jobs := jobmanager.New(config.Jobs, repo, queues, parser, builder, clk, serverMetrics)
	jobMatcher := matcher.New(config.Matching.Matcher, repo, queues, filter, clk, serverMetrics)

	//////////////////////////////////////////////////////////////////////////
	// Background tasks
	//////////////////////////////////////////////////////////////////////////
	// The task queues live in memory, so they are rebuilt from the store before any pilot is served.
	reconciler := sweeper.New(config.Sweeper, jobs, queues, cachedMask, clk)
	if err := reconciler.ResyncTaskQueues(ctx); err != nil {
		return errors.WithMessage(err, "error loading waiting jobs")
	}
	taskManager := task.NewBackgroundTaskManager("wms_")
	reconciler.Register(wmscontext.WithLogField(ctx, "component", "sweeper"), taskManager)
	defer func() {
		if timedOut := taskManager.StopAll(config.ShutdownTimeout); timedOut {
			log.Warnf("background tasks did not stop within %s", config.ShutdownTimeout)
		}
	}()

	//////////////////////////////////////////////////////////////////////////
	// Http API
	//////////////////////////////////////////////////////////////////////////
	apiServer := server.New(jobs, jobMatcher, queues, maskRepo, cachedMask)
	shutdownApiServer := common.ServeHttp(config.HttpPort, apiServer)
	defer shutdownApiServer()

	startupCompleteCheck.MarkComplete()
	log.Infof("wms server started with %d waiting jobs", queues.JobCount())
	<-ctx.Done()
	return nil
}

func createJobRepository(
	ctx *wmscontext.Context,
	config configuration.Configuration,
	healthChecks *health.MultiChecker,
) (jobdb.Repository, func(), error) {
	if config.Storage == configuration.StorageMemory {
		log.Warn("using the in-memory job store; jobs will not survive a restart")
		repo, err := jobdb.NewJobDb()
		return repo, func() {}, err
	}
	log.Infof("Setting up database connections")
	db, err := database.OpenPgxPool(ctx, *config.Postgres)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "error opening connection to postgres")
	}
	healthChecks.Add(databaseChecker(db))
	return wmsdb.NewPostgresJobRepository(db), db.Close, nil
}

func databaseChecker(db *pgxpool.Pool) health.Checker {
	return health.CheckerFunc(func() error {
		ctx, cancel := wmscontext.WithTimeout(wmscontext.Background(), 2*time.Second)
		defer cancel()
		return errors.WithMessage(db.Ping(ctx), "postgres unreachable")
	})
}

func createSiteMaskRepository(config configuration.SiteMaskConfig, clk clock.PassiveClock) (sitemask.Repository, func(), error) {
	if config.Storage == configuration.StorageMemory {
		return sitemask.NewMemoryRepository(clk), func() {}, nil
	}
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	closeClient := func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}
	return sitemask.NewRedisRepository(redisClient, clk), closeClient, nil
}

// seedSiteMask allows initialSites when the mask has no entries at all.
func seedSiteMask(ctx *wmscontext.Context, repo sitemask.Repository, initialSites []string) error {
	entries, err := repo.All(ctx)
	if err != nil {
		return errors.WithMessage(err, "error reading site mask")
	}
	if len(entries) > 0 {
		return nil
	}
	for _, site := range initialSites {
		if err := repo.Allow(ctx, site, "wms-server", "initial site mask"); err != nil {
			return err
		}
	}
	return nil
}

// Migrate brings the job store schema up to date.
func Migrate(config configuration.Configuration) error {
	if config.Storage != configuration.StoragePostgres {
		return errors.Errorf("storage %q has no schema to migrate", config.Storage)
	}
	ctx := wmscontext.Background()
	start := time.Now()
	log.Info("Beginning wms database migration")
	db, err := database.OpenPgxPool(ctx, *config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	migrations, err := wmsdb.Migrations()
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return errors.WithMessage(err, "failed to migrate wms database")
	}
	log.Infof("wms database migrated in %s", time.Since(start))
	return nil
}
