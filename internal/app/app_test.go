package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/config"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Service: config.ServiceConfig{Name: "be-pm-approvals"},
		Store:   config.StoreConfig{Driver: "memory"},
		Archive: config.ArchiveConfig{Driver: "fs", Dir: t.TempDir(), BatchSize: 100},
		JWT:     config.JWTConfig{Secret: "s", Issuer: "pm-platform"},
		Workflow: config.WorkflowConfig{
			BigExpenseThreshold: decimal.NewFromInt(1000),
			PropertyEditTTL:     72 * time.Hour,
			MaintenanceDebounce: time.Minute,
			HotRetention:        30 * 24 * time.Hour,
			TotalRetention:      7 * 365 * 24 * time.Hour,
		},
		Jobs: config.JobsConfig{
			SweepInterval:   time.Minute,
			ArchiveInterval: time.Hour,
			SchedulerPoll:   10 * time.Millisecond,
			LockTTL:         time.Minute,
		},
	}
}

func TestNew_InProcessBackends(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &scheduler.Local{}, a.Scheduler)
	require.NoError(t, a.Store.Ping(context.Background()))
	require.NoError(t, a.Runner.RunOnce(context.Background()))
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &scheduler.Redis{}, a.Scheduler)
	require.NoError(t, a.Runner.RunOnce(context.Background()))
}

func TestNew_RejectsUnknownDrivers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	_, err := New(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "STORE_DRIVER")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	cfg = testConfig(t)
	cfg.Archive.Driver = "s3"
	_, err = New(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "ARCHIVE_DRIVER")
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	mr.Close()

	_, err := New(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "ping redis")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
}
