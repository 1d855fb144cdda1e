package vaultenv

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watchedSettings struct {
	Token string `mapstructure:"token" validate:"required"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

func (*watchedSettings) EnvPrefix() string { return "APP_" }

var fastWatch = WatchOptions{
	PollInterval:  MinPollInterval,
	Debounce:      20 * time.Millisecond,
	MaxWatchers:   2,
	ReloadTimeout: time.Second,
}

func newWatchLoader(envFile string) *Loader {
	return NewBuilder().
		WithEnviron(func() []string { return nil }).
		WithEnvFile(envFile).
		WithRegistry(NewRegistry()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
}

// touch rewrites path with content and bumps its mtime so coarse
// filesystem timestamps still register a change.
func touch(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return Event{}
	}
}

func TestWatch(t *testing.T) {
	t.Run("ReloadsOnChange", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_TOKEN=one\nAPP_PORT=8080\n"), 0600))

		w, err := Watch[watchedSettings](context.Background(), newWatchLoader(envFile), fastWatch)
		require.NoError(t, err)
		defer w.Stop()

		assert.Equal(t, "one", w.Current().Token)
		assert.Equal(t, SourceDotenv, w.Trace()["token"])
		assert.Equal(t, []string{envFile}, w.Files())

		events := w.Subscribe()
		touch(t, envFile, "APP_TOKEN=two\nAPP_PORT=8080\nAPP_DEBUG=true\n", 0600)

		ev := nextEvent(t, events)
		require.NoError(t, ev.Err)
		assert.Equal(t, envFile, ev.File)
		assert.Equal(t, []string{"debug", "token"}, ev.Paths)
		assert.Equal(t, "two", w.Current().Token)
		assert.True(t, w.Current().Debug)
	})

	t.Run("KeepsPreviousOnFailure", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_TOKEN=one\n"), 0600))

		w, err := Watch[watchedSettings](context.Background(), newWatchLoader(envFile), fastWatch)
		require.NoError(t, err)
		defer w.Stop()

		events := w.Subscribe()
		touch(t, envFile, "APP_PORT=1\n", 0600)

		ev := nextEvent(t, events)
		assert.ErrorIs(t, ev.Err, ErrValidation)
		assert.Equal(t, "one", w.Current().Token)
	})

	t.Run("PermissionChangeRefused", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits are not tracked on windows")
		}
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_TOKEN=one\n"), 0600))

		opts := fastWatch
		opts.VerifyPermissions = true
		w, err := Watch[watchedSettings](context.Background(), newWatchLoader(envFile), opts)
		require.NoError(t, err)
		defer w.Stop()

		events := w.Subscribe()
		require.NoError(t, os.Chmod(envFile, 0644))

		ev := nextEvent(t, events)
		assert.ErrorIs(t, ev.Err, ErrPermissionsChanged)
		assert.Equal(t, "one", w.Current().Token)
	})

	t.Run("InitialLoadError", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		_, err := Watch[watchedSettings](context.Background(), newWatchLoader(envFile), fastWatch)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("SubscriberLimitAndStop", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_TOKEN=one\n"), 0600))

		w, err := Watch[watchedSettings](context.Background(), newWatchLoader(envFile), fastWatch)
		require.NoError(t, err)

		first := w.Subscribe()
		second := w.Subscribe()
		third := w.Subscribe()

		_, open := <-third
		assert.False(t, open, "subscriber beyond the limit gets a closed channel")

		w.Stop()
		for _, ch := range []<-chan Event{first, second} {
			select {
			case _, open := <-ch:
				assert.False(t, open)
			case <-time.After(time.Second):
				t.Fatal("subscriber channel not closed on stop")
			}
		}

		_, open = <-w.Subscribe()
		assert.False(t, open)
	})

	t.Run("ContextCancelStops", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_TOKEN=one\n"), 0600))

		ctx, cancel := context.WithCancel(context.Background())
		w, err := Watch[watchedSettings](ctx, newWatchLoader(envFile), fastWatch)
		require.NoError(t, err)
		events := w.Subscribe()
		cancel()

		select {
		case _, open := <-events:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("watcher did not stop on context cancel")
		}
	})

	t.Run("VaultQueriedOnlyWhenNeeded", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("APP_PORT=1\n"), 0600))

		var calls atomic.Int32
		provider := ProviderFunc(func(context.Context) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"APP_TOKEN": "from-vault"}, nil
		})
		loader := NewBuilder().
			WithSources(
				&EnvSource{Environ: func() []string { return nil }},
				&DotenvSource{Paths: []string{envFile}},
				&VaultSource{Provider: provider},
			).
			WithRegistry(NewRegistry()).
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
			Build()

		w, err := Watch[watchedSettings](context.Background(), loader, fastWatch)
		require.NoError(t, err)
		defer w.Stop()
		assert.Equal(t, "from-vault", w.Current().Token)
		assert.EqualValues(t, 1, calls.Load())

		events := w.Subscribe()
		touch(t, envFile, "APP_PORT=1\nAPP_TOKEN=local\n", 0600)

		ev := nextEvent(t, events)
		require.NoError(t, ev.Err)
		assert.Equal(t, []string{"token"}, ev.Paths)
		assert.Equal(t, "local", w.Current().Token)
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestChangedPaths(t *testing.T) {
	loader := newWatchLoader("")
	a := &watchedSettings{Token: "x", Port: 1}
	b := &watchedSettings{Token: "x", Port: 2, Debug: true}
	assert.Equal(t, []string{"debug", "port"}, changedPaths(loader, a, b))
	assert.Empty(t, changedPaths(loader, a, a))
}

func TestWatchPaths(t *testing.T) {
	loader := NewBuilder().
		WithEnvFile("a.env", "b.env", "a.env").
		WithSecretsDir("/run/secrets").
		WithRegistry(NewRegistry()).
		Build()
	assert.Equal(t, []string{"a.env", "b.env", "/run/secrets"}, loader.watchPaths())
}
