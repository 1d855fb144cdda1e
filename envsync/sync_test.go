package envsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subosito/gotenv"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/discovery"
)

type countingProvider struct {
	name   string
	values map[string]any
	err    error
	calls  atomic.Int32
}

func (p *countingProvider) Describe() string { return p.name }

func (p *countingProvider) Fetch(context.Context) (map[string]any, error) {
	p.calls.Add(1)
	return p.values, p.err
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func newRoot(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(root, 0755))
	return root
}

const exampleManifest = `
[providers.main]
type = "static"
values = { APP_TOKEN = "abc", APP_DESTINATION_ID = "dest-1" }

[[settings]]
name = "ExampleSettings"
provider = "main"
`

func TestCollect(t *testing.T) {
	t.Run("QueriesSharedProviderOnce", func(t *testing.T) {
		reg := vaultenv.NewRegistry()
		shared := &countingProvider{name: "shared", values: map[string]any{"A": "1"}}
		id, err := reg.AddProvider(shared)
		require.NoError(t, err)

		settings := []discovery.Settings{
			{Module: "a", Name: "One", Provider: id},
			{Module: "b", Name: "Two", Provider: id},
		}
		values, queried, err := Collect(context.Background(), reg, settings, quietLogger)
		require.NoError(t, err)
		assert.Equal(t, 1, queried)
		assert.EqualValues(t, 1, shared.calls.Load())
		assert.Equal(t, map[string]string{"A": "1"}, values)
	})

	t.Run("EqualProvidersQueriedSeparately", func(t *testing.T) {
		reg := vaultenv.NewRegistry()
		first := &countingProvider{name: "x", values: map[string]any{"A": "1"}}
		second := &countingProvider{name: "x", values: map[string]any{"A": "1"}}
		id1, _ := reg.AddProvider(first)
		id2, _ := reg.AddProvider(second)

		_, queried, err := Collect(context.Background(), reg, []discovery.Settings{
			{Module: "a", Name: "One", Provider: id1},
			{Module: "a", Name: "Two", Provider: id2},
		}, quietLogger)
		require.NoError(t, err)
		assert.Equal(t, 2, queried)
		assert.EqualValues(t, 1, first.calls.Load())
		assert.EqualValues(t, 1, second.calls.Load())
	})

	t.Run("LastProviderWins", func(t *testing.T) {
		reg := vaultenv.NewRegistry()
		id1, _ := reg.AddProvider(&countingProvider{name: "first", values: map[string]any{"SHARED": "first", "ONLY_FIRST": 1}})
		id2, _ := reg.AddProvider(&countingProvider{name: "second", values: map[string]any{"SHARED": "second", "FLAG": true}})

		values, _, err := Collect(context.Background(), reg, []discovery.Settings{
			{Module: "a", Name: "One", Provider: id1},
			{Module: "b", Name: "Two", Provider: id2},
		}, quietLogger)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"SHARED": "second", "ONLY_FIRST": "1", "FLAG": "true"}, values)
	})

	t.Run("NormalizesValues", func(t *testing.T) {
		reg := vaultenv.NewRegistry()
		id, _ := reg.AddProvider(&countingProvider{name: "p", values: map[string]any{
			"NULL":   nil,
			"LIST":   []any{"a", "b"},
			"OBJECT": map[string]any{"k": "v"},
			"FLOAT":  1.5,
		}})
		values, _, err := Collect(context.Background(), reg, []discovery.Settings{{Module: "a", Name: "S", Provider: id}}, quietLogger)
		require.NoError(t, err)
		assert.Equal(t, "", values["NULL"])
		assert.Equal(t, `["a","b"]`, values["LIST"])
		assert.Equal(t, `{"k":"v"}`, values["OBJECT"])
		assert.Equal(t, "1.5", values["FLOAT"])
	})

	t.Run("FetchError", func(t *testing.T) {
		reg := vaultenv.NewRegistry()
		id, _ := reg.AddProvider(&countingProvider{name: "broken", err: vaultenv.BackendError("locked")})

		_, _, err := Collect(context.Background(), reg, []discovery.Settings{{Module: "a", Name: "S", Provider: id}}, quietLogger)
		var re *vaultenv.RetrievalError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, "broken", re.Provider)
		assert.ErrorIs(t, err, vaultenv.ErrBackend)
	})

	t.Run("UnknownHandle", func(t *testing.T) {
		_, _, err := Collect(context.Background(), vaultenv.NewRegistry(),
			[]discovery.Settings{{Module: "a", Name: "S", Provider: 7}}, quietLogger)
		assert.ErrorIs(t, err, vaultenv.ErrInvalidProvider)
	})
}

func TestSync(t *testing.T) {
	t.Run("OneSchemaTwoFields", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)

		result, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, ".env"), result.EnvFile)
		assert.Equal(t, 1, result.SettingsFound)
		assert.Equal(t, 1, result.ProvidersQueried)
		assert.Equal(t, 2, result.VariablesWritten)

		data, err := os.ReadFile(result.EnvFile)
		require.NoError(t, err)
		assert.Equal(t, StartMarker+"\nAPP_DESTINATION_ID=dest-1\nAPP_TOKEN=abc\n"+EndMarker+"\n", string(data))

		if runtime.GOOS != "windows" {
			info, err := os.Stat(result.EnvFile)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		}
	})

	t.Run("ReplacesStaleBlock", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)
		envFile := filepath.Join(root, ".env")
		stale := "KEEP_THIS=1\n\n" + StartMarker + "\nAPP_TOKEN=stale\n" + EndMarker + "\n"
		require.NoError(t, os.WriteFile(envFile, []byte(stale), 0640))

		_, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		require.NoError(t, err)

		data, err := os.ReadFile(envFile)
		require.NoError(t, err)
		out := string(data)
		assert.True(t, strings.HasPrefix(out, "KEEP_THIS=1\n\n"))
		assert.Equal(t, 1, strings.Count(out, StartMarker))
		assert.Equal(t, 1, strings.Count(out, EndMarker))
		assert.NotContains(t, out, "stale")
		assert.Contains(t, out, "APP_TOKEN=abc\n")

		if runtime.GOOS != "windows" {
			info, err := os.Stat(envFile)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
		}
	})

	t.Run("IdempotentAndParsable", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)
		writeFile(t, root, ".env", "OTHER=x\n")
		opts := Options{ProjectRoot: root, Registry: vaultenv.NewRegistry(), Logger: quietLogger}

		_, err := Sync(context.Background(), opts)
		require.NoError(t, err)
		first, err := os.ReadFile(filepath.Join(root, ".env"))
		require.NoError(t, err)

		_, err = Sync(context.Background(), opts)
		require.NoError(t, err)
		second, err := os.ReadFile(filepath.Join(root, ".env"))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))

		parsed, err := gotenv.Read(filepath.Join(root, ".env"))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"OTHER": "x", "APP_TOKEN": "abc", "APP_DESTINATION_ID": "dest-1"}, map[string]string(parsed))
	})

	t.Run("UnterminatedBlockLeavesFile", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)
		envFile := filepath.Join(root, ".env")
		broken := "A=1\n" + StartMarker + "\nAPP_TOKEN=old\n"
		require.NoError(t, os.WriteFile(envFile, []byte(broken), 0600))

		_, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		assert.ErrorIs(t, err, ErrUnterminatedBlock)

		data, err := os.ReadFile(envFile)
		require.NoError(t, err)
		assert.Equal(t, broken, string(data))
	})

	t.Run("AbsoluteEnvFile", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)
		target := filepath.Join(t.TempDir(), "nested", "out.env")

		result, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			EnvFile:     target,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		require.NoError(t, err)
		assert.Equal(t, target, result.EnvFile)
		assert.FileExists(t, target)
	})

	t.Run("ImportErrors", func(t *testing.T) {
		root := newRoot(t)
		writeFile(t, root, "vaultenv.toml", exampleManifest)
		writeFile(t, root, "broken/vaultenv.toml", "providers = [")

		_, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		assert.ErrorIs(t, err, discovery.ErrImport)
		assert.NoFileExists(t, filepath.Join(root, ".env"))

		result, err := Sync(context.Background(), Options{
			ProjectRoot:       root,
			AllowImportErrors: true,
			Registry:          vaultenv.NewRegistry(),
			Logger:            quietLogger,
		})
		require.NoError(t, err)
		assert.Len(t, result.ImportErrors, 1)
		assert.Equal(t, 2, result.VariablesWritten)
	})

	t.Run("NoSettings", func(t *testing.T) {
		root := newRoot(t)
		result, err := Sync(context.Background(), Options{
			ProjectRoot: root,
			Registry:    vaultenv.NewRegistry(),
			Logger:      quietLogger,
		})
		require.NoError(t, err)
		assert.Zero(t, result.ProvidersQueried)

		data, err := os.ReadFile(result.EnvFile)
		require.NoError(t, err)
		assert.Equal(t, StartMarker+"\n"+EndMarker+"\n", string(data))
	})
}
