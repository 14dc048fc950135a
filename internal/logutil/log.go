// Package logutil builds the AM's structured loggers, following
// pingcap/tiflow's engine/pkg/logutil convention of deriving
// per-component loggers from one base logger by attaching constant
// fields.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	fieldDagID       = "dag_id"
	fieldVertexID    = "vertex_id"
	fieldTaskID      = "task_id"
	fieldAttemptID   = "attempt_id"
	fieldContainerID = "container_id"
)

// New builds the AM's base logger at the given level ("debug", "info",
// "warn", "error"). An unrecognised level falls back to "info".
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// ForDag returns a logger scoped to one DAG.
func ForDag(base *zap.Logger, dagID string) *zap.Logger {
	return base.With(zap.String(fieldDagID, dagID))
}

// ForVertex returns a logger scoped to one vertex.
func ForVertex(base *zap.Logger, dagID, vertexID string) *zap.Logger {
	return base.With(zap.String(fieldDagID, dagID), zap.String(fieldVertexID, vertexID))
}

// ForTask returns a logger scoped to one task.
func ForTask(base *zap.Logger, dagID, taskID string) *zap.Logger {
	return base.With(zap.String(fieldDagID, dagID), zap.String(fieldTaskID, taskID))
}

// ForAttempt returns a logger scoped to one task attempt.
func ForAttempt(base *zap.Logger, dagID, attemptID string) *zap.Logger {
	return base.With(zap.String(fieldDagID, dagID), zap.String(fieldAttemptID, attemptID))
}

// ForContainer returns a logger scoped to one container.
func ForContainer(base *zap.Logger, containerID string) *zap.Logger {
	return base.With(zap.String(fieldContainerID, containerID))
}
