package monitoring

import (
	"context"
	"testing"
	"time"

	"syncmesh/internal/infrastructure/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newChecker(t *testing.T) *monitoring.HealthChecker {
	t.Helper()
	return monitoring.NewHealthChecker(zaptest.NewLogger(t).Sugar())
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := newChecker(t)
	h.AddCheck("alpha", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Second, time.Second)
	h.AddCheck("beta", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Second, time.Second)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["alpha"])
	assert.Equal(t, "healthy", status.Checks["beta"])
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_FailingCheckMarksUnhealthy(t *testing.T) {
	h := newChecker(t)
	h.AddCheck("good", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Second, time.Second)
	h.AddCheck("bad", func(ctx context.Context) (bool, error) {
		return false, assert.AnError
	}, time.Second, time.Second)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["good"])
	assert.Equal(t, assert.AnError.Error(), status.Checks["bad"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_FailureWithoutError(t *testing.T) {
	h := newChecker(t)
	h.AddCheck("quiet", func(ctx context.Context) (bool, error) {
		return false, nil
	}, time.Second, time.Second)

	status := h.CheckAll(context.Background())

	require.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "check failed", status.Checks["quiet"])
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := newChecker(t)
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, time.Second, 20*time.Millisecond)

	status := h.CheckAll(context.Background())

	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "context deadline exceeded")
}

func TestHealthChecker_StalenessCheck(t *testing.T) {
	t.Run("not started yet passes", func(t *testing.T) {
		h := newChecker(t)
		h.AddStalenessCheck("loop", func() time.Time { return time.Time{} },
			time.Minute, time.Second, time.Second)

		assert.Equal(t, "healthy", h.CheckAll(context.Background()).Status)
	})

	t.Run("recent run passes", func(t *testing.T) {
		h := newChecker(t)
		last := time.Now().Add(-time.Second)
		h.AddStalenessCheck("loop", func() time.Time { return last },
			time.Minute, time.Second, time.Second)

		assert.Equal(t, "healthy", h.CheckAll(context.Background()).Status)
	})

	t.Run("stale run fails", func(t *testing.T) {
		h := newChecker(t)
		last := time.Now().Add(-5 * time.Minute)
		h.AddStalenessCheck("loop", func() time.Time { return last },
			time.Minute, time.Second, time.Second)

		status := h.CheckAll(context.Background())
		require.Equal(t, "unhealthy", status.Status)
		assert.Contains(t, status.Checks["loop"], "exceeds")
	})
}
