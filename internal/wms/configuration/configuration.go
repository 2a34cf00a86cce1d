package configuration

import (
	"time"

	commonconfig "github.com/gridwms/wms/internal/common/config"
	"github.com/gridwms/wms/internal/common/database"
	"github.com/gridwms/wms/internal/wms/jdl"
	"github.com/gridwms/wms/internal/wms/jobmanager"
	"github.com/gridwms/wms/internal/wms/matcher"
	"github.com/gridwms/wms/internal/wms/matching"
	"github.com/gridwms/wms/internal/wms/sweeper"
)

const (
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMemory   = "memory"
)

type Configuration struct {
	// Port the job and pilot API listens on.
	HttpPort uint16 `validate:"required"`
	// Port /metrics and /health are served on.
	MetricsPort uint16 `validate:"required"`
	// Job store: postgres or memory. The memory store loses every job on restart.
	Storage  string                   `validate:"oneof=postgres memory"`
	Postgres *database.PostgresConfig `validate:"required_if=Storage postgres"`
	SiteMask SiteMaskConfig
	Matching MatchingConfig
	Jdl      JdlConfig
	Jobs     jobmanager.Config
	Sweeper  sweeper.Config
	// How long background tasks get to finish on shutdown.
	ShutdownTimeout time.Duration `validate:"required"`
}

type SiteMaskConfig struct {
	// Site mask store: redis or memory.
	Storage string                    `validate:"oneof=redis memory"`
	Redis   *commonconfig.RedisConfig `validate:"required_if=Storage redis"`
	// A cached mask entry older than this is treated as banned.
	Expiry time.Duration `validate:"required"`
	// Sites allowed at start up when the mask is empty.
	InitialActiveSites []string
}

type MatchingConfig struct {
	Matcher matcher.Config
	Filter  matching.FilterConfig
	// Task queue selection: linear or strict.
	Weighting string `validate:"oneof=linear strict"`
	// Per site VO and group restrictions. Sites without a policy accept everybody.
	SitePolicies map[string]matching.SitePolicy
}

type JdlConfig struct {
	Builder         jdl.BuilderConfig
	ParserCacheSize int `validate:"gt=0"`
	// Static replica catalogue used to restrict jobs with input data, keyed by logical file name.
	InputDataSites map[string][]string
}
