// Package config holds the AM's tunable knobs (spec.md §6), populated
// from CLI flags in cmd/am and validated with Adjust before use, in the
// options/complete/run split used throughout pingcap/tiflow's
// engine/pkg/cmd package.
package config

import (
	"time"

	"github.com/pingcap/errors"
)

// Config is the AM's full configuration surface. Every key named in
// spec.md §6 is a field here.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// TaskListenerThreads sizes the RPC server's bounded handler pool
	// (am.task-listener.threads).
	TaskListenerThreads int

	// ProfileContainers is the set of ContainerId.ID values that get
	// the profiling JVM opt string appended to their launch command
	// (am.profile-containers).
	ProfileContainers map[int64]struct{}

	// ProfileJVMOpts is appended to the launch command of profiled
	// containers (am.profile-jvm-opts).
	ProfileJVMOpts string

	// TaskMaxAttempts is the default per-task attempt budget
	// (task.max-attempts).
	TaskMaxAttempts int

	// VertexFailureTolerance is the default fraction of a vertex's
	// tasks allowed to fail without failing the vertex
	// (vertex.failure-tolerance), overridable per vertex.
	VertexFailureTolerance float64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// ListenAddr is the address the task-attempt listener binds to.
	ListenAddr string

	// MetricsAddr is the address the /metrics endpoint binds to.
	MetricsAddr string

	// RMWorkers and NMWorkers bound the resource-manager and
	// node-manager communicator worker pools (§5).
	RMWorkers int
	NMWorkers int
}

// Default returns the AM's default configuration.
func Default() *Config {
	return &Config{
		LogLevel:               "info",
		TaskListenerThreads:    8,
		ProfileContainers:      map[int64]struct{}{},
		ProfileJVMOpts:         "",
		TaskMaxAttempts:        4,
		VertexFailureTolerance: 0,
		HeartbeatInterval:      1 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		ListenAddr:             "127.0.0.1:0",
		MetricsAddr:            "127.0.0.1:9090",
		RMWorkers:              4,
		NMWorkers:              4,
	}
}

// Adjust validates the configuration and fills in anything left zero
// with a default, matching tiflow's Config.Adjust idiom.
func (c *Config) Adjust() error {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.TaskListenerThreads <= 0 {
		c.TaskListenerThreads = def.TaskListenerThreads
	}
	if c.ProfileContainers == nil {
		c.ProfileContainers = def.ProfileContainers
	}
	if c.TaskMaxAttempts <= 0 {
		c.TaskMaxAttempts = def.TaskMaxAttempts
	}
	if c.VertexFailureTolerance < 0 || c.VertexFailureTolerance > 1 {
		return errors.Errorf("vertex.failure-tolerance must be within [0,1], got %f", c.VertexFailureTolerance)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.Errorf("heartbeat-timeout-ms must be greater than heartbeat-interval-ms")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = def.MetricsAddr
	}
	if c.RMWorkers <= 0 {
		c.RMWorkers = def.RMWorkers
	}
	if c.NMWorkers <= 0 {
		c.NMWorkers = def.NMWorkers
	}
	return nil
}
