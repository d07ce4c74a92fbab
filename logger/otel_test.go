package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
)

func TestOtelLoggerWithMergesMetadata(t *testing.T) {
	base := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelTrace)

	baseLogger := base.With(map[string]interface{}{
		"base_key": "base_value",
		"shared":   "from_base",
	}).(*otelLogger)

	extendedLogger := baseLogger.With(map[string]interface{}{
		"extra_key": "extra_value",
		"shared":    "from_extended",
	}).(*otelLogger)

	assert.Equal(t, 3, len(extendedLogger.metadata))
	assert.Equal(t, "base_value", extendedLogger.metadata["base_key"].AsString())
	assert.Equal(t, "extra_value", extendedLogger.metadata["extra_key"].AsString())
	assert.Equal(t, "from_extended", extendedLogger.metadata["shared"].AsString())
	assert.Equal(t, "from_base", baseLogger.metadata["shared"].AsString())
}

func TestOtelLoggerContextAndLevel(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	l := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelWarn)

	bound := l.WithContext(ctx).(*otelLogger)
	assert.Equal(t, ctx, bound.ctx)
	assert.False(t, bound.IsLevelEnabled(LevelDebug))
	assert.True(t, bound.IsLevelEnabled(LevelError))

	recorder := NewTestLogger()
	stacked := bound.WithPrefix("[collection]").Stack(recorder)
	stacked.Debug("below level %s", "still forwarded")
	assert.True(t, recorder.Contains("DEBUG", "below level still forwarded"))
}

func TestToLogValue(t *testing.T) {
	assert.Equal(t, log.KindString, toLogValue("s").Kind())
	assert.Equal(t, log.KindInt64, toLogValue(3).Kind())
	assert.Equal(t, log.KindBool, toLogValue(true).Kind())
	assert.Equal(t, log.KindSlice, toLogValue([]string{"a", "b"}).Kind())
	assert.Equal(t, log.KindMap, toLogValue(map[string]interface{}{"a": 1}).Kind())
	assert.Equal(t, log.KindString, toLogValue(struct{ A int }{1}).Kind())
}
