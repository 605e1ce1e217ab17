package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/config"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/events"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/metrics"
)

func TestNewGuardWithoutBackendIsUnlocked(t *testing.T) {
	guard, closeLock, err := newGuard(config.Config{LockBackend: config.LockBackendNone})
	require.NoError(t, err)
	defer closeLock()

	assert.False(t, guard.LockingEnabled())
}

func TestNewSinksDefaultsToNop(t *testing.T) {
	s, err := newSinks(context.Background(), config.Config{}, "layer-1")
	require.NoError(t, err)
	defer s.close(context.Background())

	assert.Equal(t, history.Nop{}, s.recorder)
	assert.Equal(t, events.Nop{}, s.publisher)
	assert.Equal(t, metrics.Nop{}, s.metrics)
}

func TestNewSinksWithStatsdAndPushgateway(t *testing.T) {
	s, err := newSinks(context.Background(), config.Config{
		StatsdAddr:     "127.0.0.1:8125",
		PushgatewayURL: "http://127.0.0.1:9091",
	}, "layer-1")
	require.NoError(t, err)

	assert.NotNil(t, s.prometheus)
	assert.Len(t, s.closers, 1)
	assert.NotEqual(t, metrics.Nop{}, s.metrics)
}

func TestDeployCommandRequiresFlags(t *testing.T) {
	for _, name := range []string{"stack-id", "layer-id", "app-id"} {
		flag := deployCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
}

func TestEnvFileIsLoaded(t *testing.T) {
	path := t.TempDir() + "/deploy.env"
	require.NoError(t, os.WriteFile(path, []byte("LOCK_NAME=deploy-from-file\n"), 0o600))
	t.Setenv("LOCK_NAME", "")
	require.NoError(t, os.Unsetenv("LOCK_NAME"))

	require.NoError(t, rootCmd.PersistentFlags().Set("env-file", path))
	t.Cleanup(func() {
		_ = rootCmd.PersistentFlags().Set("env-file", "")
	})
	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "deploy-from-file", cfg.LockName)
}
