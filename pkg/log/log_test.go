package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("Default", func(t *testing.T) {
		l := Ctx(ctx)
		require.NotNil(t, l)
		assert.Equal(t, defaultLogger, l)
	})

	t.Run("With", func(t *testing.T) {
		custom := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		require.NotEqual(t, defaultLogger, custom)
		assert.Equal(t, custom, Ctx(With(ctx, custom)))
	})

	t.Run("With Attrs", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := With(ctx, NewJSON(&buf))
		ctx = WithAttrs(ctx, slog.String("runID", "plan-1"))
		ctx = WithAttrs(ctx, slog.String("trigger", "api"))
		Ctx(ctx).InfoContext(ctx, "published plan", slog.Float64("cost", 1.25))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "published plan", rec["msg"])
		assert.Equal(t, "plan-1", rec["runID"])
		assert.Equal(t, "api", rec["trigger"])
		assert.Equal(t, 1.25, rec["cost"])
	})

	t.Run("Level", func(t *testing.T) {
		defer SetDefaultLogLevel(slog.LevelInfo)

		var buf bytes.Buffer
		l := NewJSON(&buf)
		l.Debug("hidden")
		assert.Zero(t, buf.Len())

		SetDefaultLogLevel(slog.LevelDebug)
		l.Debug("shown")
		assert.Contains(t, buf.String(), "shown")
	})
}
