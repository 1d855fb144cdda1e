// Package cli implements the vaultenv command. Project binaries that link
// their settings packages call Main so the packages' init declarations are
// visible to discovery:
//
//	import (
//	    "github.com/lixenwraith/vaultenv/cli"
//	    _ "example.com/project/settings"
//	)
//
//	func main() { cli.Main() }
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/envsync"
	"github.com/lixenwraith/vaultenv/internal/config"
)

// Exit codes returned by Run.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X github.com/lixenwraith/vaultenv/cli.version=v1.2.3").
var version = "devel"

// App runs the command tree against a registry and output streams.
type App struct {
	// Registry holds the settings declarations. Defaults to
	// vaultenv.DefaultRegistry.
	Registry *vaultenv.Registry
	Stdout   io.Writer
	Stderr   io.Writer
}

// runtimeError marks failures of an accepted command, as opposed to usage
// errors raised by argument parsing.
type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return e.err.Error() }

func (e *runtimeError) Unwrap() error { return e.err }

// Main runs the command with os.Args and exits with its status.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes the command with args and returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := &App{Stdout: stdout, Stderr: stderr}
	return app.Run(ctx, args)
}

// Run executes the command with args and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}
	if a.Registry == nil {
		a.Registry = vaultenv.DefaultRegistry
	}

	root, err := a.newRootCommand()
	if err != nil {
		fmt.Fprintf(a.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return ExitOK
	}

	var rerr *runtimeError
	if errors.As(err, &rerr) {
		fmt.Fprintln(a.Stderr, rerr.Error())
		return ExitFailure
	}

	fmt.Fprintf(a.Stderr, "Error: %v\n", err)
	if cmd != nil {
		fmt.Fprint(a.Stderr, cmd.UsageString())
	}
	return ExitUsage
}

func (a *App) newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "vaultenv",
		Short:         "Sync vault-backed settings into dotenv files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	syncCmd, err := a.newSyncCommand()
	if err != nil {
		return nil, err
	}
	root.AddCommand(syncCmd)

	return root, nil
}

func (a *App) newSyncCommand() (*cobra.Command, error) {
	conf := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Discover settings models and write their vault values into the env file",
		Long: "Walk the project for settings models declared in linked Go packages or " +
			"vaultenv manifests, query each distinct vault provider once, and upsert the " +
			"values into a managed block of the env file.",
		Example: "vaultenv sync --project-root . --env-file .env --allow-import-errors",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := conf.ReadFile(configFile); err != nil {
				return err
			}
			logger, err := newLogger(a.Stderr, conf.LogLevel())
			if err != nil {
				return err
			}
			if err := a.runSync(cmd.Context(), conf, logger); err != nil {
				return &runtimeError{err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Config file (default: vaultenv-cli.yaml in the working or XDG config directory)")
	if err := conf.BindFlags(cmd.Flags(), config.SyncOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}

func (a *App) runSync(ctx context.Context, conf *config.Config, logger *slog.Logger) error {
	if file := conf.ConfigFile(); file != "" {
		logger.Debug("using config file", "path", file)
	}

	result, err := envsync.Sync(ctx, envsync.Options{
		ProjectRoot:       conf.ProjectRoot(),
		EnvFile:           conf.EnvFile(),
		AllowImportErrors: conf.AllowImportErrors(),
		Registry:          a.Registry,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if n := len(result.ImportErrors); n > 0 {
		for _, f := range result.ImportErrors {
			logger.Warn("skipped module", "module", f.Module, "error", f.Err)
		}
		fmt.Fprintf(a.Stderr, "Warning: skipped %d module import error(s).\n", n)
	}
	fmt.Fprintf(a.Stdout, "Wrote %d variable(s) from %d provider(s) across %d settings model(s) to %s.\n",
		result.VariablesWritten, result.ProvidersQueried, result.SettingsFound, result.EnvFile)
	return nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
