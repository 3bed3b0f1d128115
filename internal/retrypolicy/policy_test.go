package retrypolicy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaintel/issuesync/internal/retrypolicy"
)

func TestLoadConfig_MissingFileYieldsNoOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := retrypolicy.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Overrides)
}

func TestLoadConfig_InvalidYAMLDegradesGracefully(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))

	cfg, err := retrypolicy.LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Overrides)
}

func TestPolicy_OverridesOnlyNamedKind(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	body := "overrides:\n  - kind: bulk_create\n    max_attempts: 6\n    retry_backoff_ms: 10000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := retrypolicy.LoadConfig(path)
	require.NoError(t, err)

	p := retrypolicy.NewPolicy(cfg)

	assert.Equal(t, 6, p.MaxAttempts("bulk_create", 3))
	assert.Equal(t, 10*time.Second, p.RetryBackoff("bulk_create", 5*time.Second))

	assert.Equal(t, 3, p.MaxAttempts("add_comment", 3))
	assert.Equal(t, 5*time.Second, p.RetryBackoff("add_comment", 5*time.Second))
}

func TestPolicy_NilIsSafeAndTransparent(t *testing.T) {
	t.Parallel()

	var p *retrypolicy.Policy

	assert.Equal(t, 3, p.MaxAttempts("create_issue", 3))
	assert.Equal(t, 5*time.Second, p.RetryBackoff("create_issue", 5*time.Second))
}
