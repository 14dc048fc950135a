package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjust_FillsZeroFieldsFromDefault(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Adjust())

	def := Default()
	assert.Equal(t, def.LogLevel, cfg.LogLevel)
	assert.Equal(t, def.TaskListenerThreads, cfg.TaskListenerThreads)
	assert.Equal(t, def.TaskMaxAttempts, cfg.TaskMaxAttempts)
	assert.Equal(t, def.HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, def.HeartbeatTimeout, cfg.HeartbeatTimeout)
	assert.Equal(t, def.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, def.MetricsAddr, cfg.MetricsAddr)
	assert.Equal(t, def.RMWorkers, cfg.RMWorkers)
	assert.Equal(t, def.NMWorkers, cfg.NMWorkers)
	assert.NotNil(t, cfg.ProfileContainers)
}

func TestAdjust_RejectsOutOfRangeFailureTolerance(t *testing.T) {
	cfg := Default()
	cfg.VertexFailureTolerance = 1.5
	assert.Error(t, cfg.Adjust())

	cfg2 := Default()
	cfg2.VertexFailureTolerance = -0.1
	assert.Error(t, cfg2.Adjust())
}

func TestAdjust_RejectsTimeoutNotGreaterThanInterval(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatInterval = cfg.HeartbeatTimeout
	assert.Error(t, cfg.Adjust())
}

func TestAdjust_PreservesExplicitNonZeroValues(t *testing.T) {
	cfg := Default()
	cfg.TaskMaxAttempts = 7
	cfg.RMWorkers = 16
	require.NoError(t, cfg.Adjust())
	assert.Equal(t, 7, cfg.TaskMaxAttempts)
	assert.Equal(t, 16, cfg.RMWorkers)
}
