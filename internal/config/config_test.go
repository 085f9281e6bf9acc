package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, cfg.Workflow.PropertyEditTTL)
	assert.Equal(t, 60*time.Second, cfg.Workflow.MaintenanceDebounce)
	assert.True(t, decimal.NewFromInt(1000).Equal(cfg.Workflow.BigExpenseThreshold))
	assert.Equal(t, 30*24*time.Hour, cfg.Workflow.HotRetention)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BIG_EXPENSE_THRESHOLD", "2500.50")
	t.Setenv("MAINTENANCE_DEBOUNCE", "5s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "2500.5", cfg.Workflow.BigExpenseThreshold.String())
	assert.Equal(t, 5*time.Second, cfg.Workflow.MaintenanceDebounce)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("unknown store driver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "x")
		t.Setenv("STORE_DRIVER", "sqlite")
		_, err := Load()
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("gcs without bucket", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "x")
		t.Setenv("ARCHIVE_DRIVER", "gcs")
		_, err := Load()
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})
}
