package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput))
		require.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
	assert.True(t, ShouldLogTrace(3))
	assert.False(t, ShouldLogTrace(2))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJobID(context.Background(), "JB123")
	ctx = WithComponent(ctx, "pulse.executor")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, "JB123", FieldComponent, "pulse.executor"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("Worker pool started", FieldCount, 2)
	AddCalendarSymbol(base).Infow("Slot reserved")
	FromContext(WithJobID(context.Background(), "JB9"), base).Infow("Stage completed")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "꩜", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, int64(2), entries[0].ContextMap()[FieldCount])
	assert.Equal(t, "✦", entries[1].ContextMap()[FieldSymbol])
	assert.Equal(t, "JB9", entries[2].ContextMap()[FieldJobID])
}
