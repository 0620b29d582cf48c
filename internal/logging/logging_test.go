package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWith_AddsFieldsToChildOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	parent := &Logger{sugar: zap.New(core).Sugar()}

	child := parent.With("instance_id", "inst-1")
	child.Warn("step failed", "step_id", "legal")
	parent.Info("instance started")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"instance_id": "inst-1", "step_id": "legal"}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Empty(t, entries[1].ContextMap())
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger("chatty", false)
	assert.False(t, logger.sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.sugar.Desugar().Core().Enabled(zapcore.InfoLevel))
}
