package configuration

import (
	"github.com/gridwms/wms/internal/agent/client"
	"github.com/gridwms/wms/internal/agent/executor"
	"github.com/gridwms/wms/internal/agent/installer"
	"github.com/gridwms/wms/internal/agent/timeleft"
	"github.com/gridwms/wms/internal/agent/tracker"
	"github.com/gridwms/wms/internal/agent/watchdog"
	commonconfig "github.com/gridwms/wms/internal/common/config"
)

const (
	FailoverRedis  = "redis"
	FailoverMemory = "memory"
)

type AgentConfiguration struct {
	// Port /metrics and /health are served on.
	MetricsPort uint16 `validate:"required"`
	Server      client.Config
	Pilot       PilotConfiguration
	Tracker     tracker.Config
	Watchdog    watchdog.Config
	TimeLeft    timeleft.Config
	Executor    executor.Config
	Installer   installer.Config
	Failover    FailoverConfiguration
}

type PilotConfiguration struct {
	// A reference is generated from ReferencePrefix when none is given.
	Reference       string
	ReferencePrefix string
	Site            string `validate:"required"`
	Platform        string
	Tags            []string
	MemoryMB        int64 `validate:"gte=0"`
	// Zero means one processor per executor slot.
	NumberOfProcessors int    `validate:"gte=0"`
	WorkDir            string `validate:"required"`
}

type FailoverConfiguration struct {
	// Reports the server could not take are kept here until it is reachable again.
	// A memory store loses them if the agent dies.
	Storage string                    `validate:"oneof=redis memory"`
	Redis   *commonconfig.RedisConfig `validate:"required_if=Storage redis"`
	Key     string                    `validate:"required_if=Storage redis"`
}
