package meshalloc

import (
	"os"
	"testing"

	"github.com/meshalloc/meshalloc/globalheap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesGlobalHeapDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, globalheap.DefaultConfig(), cfg.toGlobalHeapConfig())
	require.True(t, cfg.MeshEnabled)
	require.Greater(t, cfg.MeshInterval.Seconds(), 0.0)
	require.Greater(t, cfg.SamplePerClass, 0)
	require.Greater(t, cfg.MaxPairsPerPass, 0)
}

func TestLoadConfigHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("MESH_ENABLED", "false")
	t.Setenv("MESH_MAX_PAIRS_PER_PASS", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.False(t, cfg.MeshEnabled)
	require.Equal(t, 7, cfg.MaxPairsPerPass)
}

func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	t.Setenv("MESH_MAX_PAIRS_PER_PASS", "not-a-number")
	defer os.Unsetenv("MESH_MAX_PAIRS_PER_PASS")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSetLoggerOverridesDefault(t *testing.T) {
	orig := defaultLogger
	defer func() { defaultLogger = orig }()

	SetLogger(orig.Level(-1))
	require.Equal(t, zerolog.TraceLevel, defaultLogger.GetLevel())
}
