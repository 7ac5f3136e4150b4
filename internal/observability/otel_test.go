package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnabledAndDisabledBuildUsableProviders(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		ctx := context.Background()
		p, shutdown, err := New(ctx, "flowrunner-test", enabled)
		require.NoError(t, err)
		require.NotNil(t, p)

		spanCtx, span := p.StartAttempt(ctx, 1, 1, "nightly")
		assert.NotNil(t, spanCtx)
		span.End()

		p.RecordJob(ctx, "job-a", "SUCCESS", 1.5)

		require.NoError(t, shutdown(ctx))
	}
}
