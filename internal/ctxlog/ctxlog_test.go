package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	t.Run("fallback", func(t *testing.T) {
		assert.Same(t, slog.Default(), FromContext(context.Background()))
		assert.Same(t, slog.Default(), FromContext(nil))
	})

	t.Run("with attributes", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		ctx := With(WithLogger(context.Background(), logger), "node", "points")

		FromContext(ctx).Info("hello")

		assert.Contains(t, buf.String(), "node=points")
		assert.Contains(t, buf.String(), "msg=hello")
	})
}
