package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/flowrunner/internal/domain"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	workDir := t.TempDir()
	body := `{
		"application_name": "nightly",
		"working_dir": "` + workDir + `",
		"jobs": [
			{"id": "a", "command": "echo hi"}
		]
	}`
	path := writeConfig(t, "flow.json", body)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.ApplicationName)
	assert.Equal(t, 1, cfg.MaxWorkers)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, defaultTimeoutSeconds, cfg.Jobs[0].TimeoutSeconds)
	assert.Equal(t, "full", cfg.BaseEnvPolicy.Mode)
	assert.Equal(t, filepath.Join(workDir, "logs"), cfg.LogDir)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, filepath.Join(workDir, "flowrunner.db"), cfg.StoreDSN)
}

func TestLoadYAML(t *testing.T) {
	workDir := t.TempDir()
	body := "application_name: nightly\n" +
		"working_dir: " + workDir + "\n" +
		"max_workers: 3\n" +
		"jobs:\n" +
		"  - id: a\n" +
		"    command: echo hi\n"
	path := writeConfig(t, "flow.yaml", body)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxWorkers)
}

func TestLoadJobOverridesGlobalRetryDefaults(t *testing.T) {
	workDir := t.TempDir()
	body := `{
		"application_name": "nightly",
		"working_dir": "` + workDir + `",
		"default_max_retries": 3,
		"default_retry_backoff": 2,
		"jobs": [
			{"id": "a", "command": "echo hi", "max_retries": 1}
		]
	}`
	path := writeConfig(t, "flow.json", body)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, 1, cfg.Jobs[0].MaxRetries, "job-level max_retries overrides the default")
	assert.Equal(t, float64(2), cfg.Jobs[0].RetryBackoff, "default_retry_backoff falls through when unset at job level")
	assert.Equal(t, []domain.JobStatus{domain.JobFailed, domain.JobError, domain.JobTimeout}, cfg.Jobs[0].RetryOnStatus)
}

func TestLoadInheritShellEnvVariants(t *testing.T) {
	workDir := t.TempDir()
	cases := []struct {
		raw  string
		mode string
	}{
		{`true`, "full"},
		{`false`, "empty"},
		{`"default"`, "default_whitelist"},
		{`["PATH", "HOME"]`, "whitelist"},
	}
	for _, c := range cases {
		body := `{
			"application_name": "nightly",
			"working_dir": "` + workDir + `",
			"inherit_shell_env": ` + c.raw + `,
			"jobs": [{"id": "a", "command": "echo hi"}]
		}`
		path := writeConfig(t, "flow.json", body)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, c.mode, cfg.BaseEnvPolicy.Mode, "raw value %s", c.raw)
	}
}

func TestLoadMissingApplicationNameFails(t *testing.T) {
	workDir := t.TempDir()
	body := `{"working_dir": "` + workDir + `", "jobs": [{"id": "a", "command": "x"}]}`
	path := writeConfig(t, "flow.json", body)

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "application_name")
}

func TestLoadNonexistentWorkingDirFails(t *testing.T) {
	body := `{"application_name": "a", "working_dir": "/does/not/exist", "jobs": [{"id": "a", "command": "x"}]}`
	path := writeConfig(t, "flow.json", body)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDuplicateJobIDFails(t *testing.T) {
	workDir := t.TempDir()
	body := `{
		"application_name": "a",
		"working_dir": "` + workDir + `",
		"jobs": [{"id": "a", "command": "x"}, {"id": "a", "command": "y"}]
	}`
	path := writeConfig(t, "flow.json", body)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job id")
}

func TestLoadSelfDependencyFails(t *testing.T) {
	workDir := t.TempDir()
	body := `{
		"application_name": "a",
		"working_dir": "` + workDir + `",
		"jobs": [{"id": "a", "command": "x", "dependencies": ["a"]}]
	}`
	path := writeConfig(t, "flow.json", body)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot depend on itself")
}
