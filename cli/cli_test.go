package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/envsync"
)

const manifestFixture = `
[providers.main]
type = "static"
values = { APP_TOKEN = "abc", APP_DESTINATION_ID = "dest-1" }

[[settings]]
name = "ExampleSettings"
provider = "main"
`

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := &App{Registry: vaultenv.NewRegistry(), Stdout: &stdout, Stderr: &stderr}
	code := app.Run(context.Background(), args)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func newProject(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "vaultenv.toml"), []byte(manifestFixture), 0644))
	return root
}

func TestSyncCommand(t *testing.T) {
	t.Run("WritesEnvFile", func(t *testing.T) {
		root := newProject(t)
		res := run(t, "sync", "--project-root", root)
		require.Equal(t, ExitOK, res.code, res.stderr)

		envFile := filepath.Join(root, ".env")
		assert.Equal(t, "Wrote 2 variable(s) from 1 provider(s) across 1 settings model(s) to "+envFile+".\n", res.stdout)
		assert.Empty(t, res.stderr)

		data, err := os.ReadFile(envFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "APP_TOKEN=abc\n")
	})

	t.Run("EnvFileFlag", func(t *testing.T) {
		root := newProject(t)
		res := run(t, "sync", "--project-root", root, "--env-file", "config/dev.env")
		require.Equal(t, ExitOK, res.code, res.stderr)
		assert.FileExists(t, filepath.Join(root, "config", "dev.env"))
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		root := newProject(t)
		t.Setenv("VAULTENV_PROJECT_ROOT", root)
		t.Setenv("VAULTENV_ENV_FILE", "from-env.env")

		res := run(t, "sync")
		require.Equal(t, ExitOK, res.code, res.stderr)
		assert.FileExists(t, filepath.Join(root, "from-env.env"))
	})

	t.Run("FlagBeatsEnvironment", func(t *testing.T) {
		root := newProject(t)
		t.Setenv("VAULTENV_ENV_FILE", "from-env.env")

		res := run(t, "sync", "--project-root", root, "--env-file", "from-flag.env")
		require.Equal(t, ExitOK, res.code, res.stderr)
		assert.FileExists(t, filepath.Join(root, "from-flag.env"))
		assert.NoFileExists(t, filepath.Join(root, "from-env.env"))
	})

	t.Run("ConfigFile", func(t *testing.T) {
		root := newProject(t)
		cfg := filepath.Join(t.TempDir(), "vaultenv-cli.yaml")
		content := "project_root: " + root + "\nenv_file: from-config.env\n"
		require.NoError(t, os.WriteFile(cfg, []byte(content), 0644))

		res := run(t, "sync", "--config", cfg)
		require.Equal(t, ExitOK, res.code, res.stderr)
		assert.FileExists(t, filepath.Join(root, "from-config.env"))
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		res := run(t, "sync", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Equal(t, ExitUsage, res.code)
	})

	t.Run("UnterminatedBlock", func(t *testing.T) {
		root := newProject(t)
		envFile := filepath.Join(root, ".env")
		broken := envsync.StartMarker + "\nAPP_TOKEN=old\n"
		require.NoError(t, os.WriteFile(envFile, []byte(broken), 0600))

		res := run(t, "sync", "--project-root", root)
		assert.Equal(t, ExitFailure, res.code)
		assert.Contains(t, res.stderr, "resolve manually")
		assert.Empty(t, res.stdout)

		data, err := os.ReadFile(envFile)
		require.NoError(t, err)
		assert.Equal(t, broken, string(data))
	})

	t.Run("ImportErrors", func(t *testing.T) {
		root := newProject(t)
		broken := filepath.Join(root, "broken")
		require.NoError(t, os.MkdirAll(broken, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(broken, "vaultenv.toml"), []byte("providers = ["), 0644))

		res := run(t, "sync", "--project-root", root)
		assert.Equal(t, ExitFailure, res.code)
		assert.Contains(t, res.stderr, "failed to load project modules:\n- broken: ")

		res = run(t, "sync", "--project-root", root, "--allow-import-errors", "--log-level", "error")
		require.Equal(t, ExitOK, res.code, res.stderr)
		assert.Equal(t, "Warning: skipped 1 module import error(s).\n", res.stderr)
		assert.Contains(t, res.stdout, "Wrote 2 variable(s)")
	})
}

func TestUsageErrors(t *testing.T) {
	tests := map[string][]string{
		"UnknownFlag":     {"sync", "--bogus"},
		"UnexpectedArg":   {"sync", "extra"},
		"UnknownCommand":  {"bogus"},
		"InvalidLogLevel": {"sync", "--log-level", "loud"},
		"BadBool":         {"sync", "--allow-import-errors=maybe"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			res := run(t, args...)
			assert.Equal(t, ExitUsage, res.code)
			assert.Contains(t, res.stderr, "Error: ")
			assert.Contains(t, res.stderr, "Usage:")
		})
	}
}

func TestVersionAndHelp(t *testing.T) {
	res := run(t, "--version")
	assert.Equal(t, ExitOK, res.code)
	assert.Contains(t, res.stdout, version)

	res = run(t, "sync", "--help")
	assert.Equal(t, ExitOK, res.code)
	assert.Contains(t, res.stdout, "--project-root")
	assert.Contains(t, res.stdout, "--allow-import-errors")
}
