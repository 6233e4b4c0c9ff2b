package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("unset variables keep loaded values", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("store backend and budget", func(t *testing.T) {
		t.Setenv("TASKLEDGER_STORE_BACKEND", "git")
		t.Setenv("TASKLEDGER_RETRY_BUDGET", "12")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, "git", cfg.Store.Backend)
		assert.Equal(t, 12, cfg.Migration.RetryBudget)
	})

	t.Run("ledger and logging", func(t *testing.T) {
		t.Setenv("TASKLEDGER_LEDGER_PATH", "/tmp/ledger.db")
		t.Setenv("TASKLEDGER_LOG_LEVEL", "debug")
		t.Setenv("TASKLEDGER_GIT_PUSH", "true")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())

		assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.Path)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Store.Push)
	})

	t.Run("malformed number", func(t *testing.T) {
		t.Setenv("TASKLEDGER_RETRY_BUDGET", "many")

		cfg := DefaultConfig()
		assert.Error(t, cfg.applyEnvOverrides())
	})
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := DefaultConfig()
	cfg.Migration.RetryBudget = 3
	require.NoError(t, cfg.Save(path))

	t.Setenv("TASKLEDGER_RETRY_BUDGET", "7")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Migration.RetryBudget)
}
