// Package envsync writes vault values of a project's settings models into a
// managed block of a dotenv file.
//
// Every distinct provider is queried once, in discovery order, and later
// providers win on key collisions. The block is replaced in place; content
// outside it is preserved.
package envsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/discovery"
)

// DefaultEnvFile is the target file name relative to the project root.
const DefaultEnvFile = ".env"

// Options configures a sync run.
type Options struct {
	// ProjectRoot is walked for settings modules. Defaults to ".".
	ProjectRoot string
	// EnvFile is the target file, relative to ProjectRoot unless absolute.
	EnvFile string
	// AllowImportErrors turns module load failures into warnings.
	AllowImportErrors bool
	// Registry resolves provider handles. Defaults to vaultenv.DefaultRegistry.
	Registry *vaultenv.Registry
	// Engine performs discovery. Defaults to a new engine over Registry.
	Engine *discovery.Engine
	Logger *slog.Logger
}

// Result summarizes a sync run.
type Result struct {
	EnvFile          string
	ModulesLoaded    int
	SettingsFound    int
	ProvidersQueried int
	VariablesWritten int
	ImportErrors     []discovery.ModuleError
}

// Sync discovers settings models under the project root, queries their
// providers and upserts the managed block of the env file. The file is left
// untouched on any error.
func Sync(ctx context.Context, opts Options) (*Result, error) {
	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}
	if opts.EnvFile == "" {
		opts.EnvFile = DefaultEnvFile
	}
	if opts.Registry == nil {
		opts.Registry = vaultenv.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Engine == nil {
		opts.Engine = discovery.New(discovery.Options{
			Registry:   opts.Registry,
			BestEffort: opts.AllowImportErrors,
			Logger:     opts.Logger,
		})
	}

	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root '%s': %w", opts.ProjectRoot, err)
	}
	envFile := opts.EnvFile
	if !filepath.IsAbs(envFile) {
		envFile = filepath.Join(root, envFile)
	}

	report, err := opts.Engine.Discover(ctx, root)
	if err != nil {
		return nil, err
	}

	values, queried, err := Collect(ctx, opts.Registry, report.Settings, opts.Logger)
	if err != nil {
		return nil, err
	}

	existing, err := readExisting(envFile)
	if err != nil {
		return nil, err
	}
	content, err := Upsert(existing, Render(values))
	if err != nil {
		return nil, fmt.Errorf("env file '%s': %w", envFile, err)
	}
	if err := atomicWriteFile(envFile, []byte(content)); err != nil {
		return nil, err
	}

	opts.Logger.Info("env file synced",
		"path", envFile,
		"variables", len(values),
		"providers", queried,
		"settings", len(report.Settings))

	return &Result{
		EnvFile:          envFile,
		ModulesLoaded:    len(report.Modules),
		SettingsFound:    len(report.Settings),
		ProvidersQueried: queried,
		VariablesWritten: len(values),
		ImportErrors:     report.Failures,
	}, nil
}

// Collect queries each distinct provider of settings once, in order, and
// merges their values. A key returned by several providers takes the value
// of the last one.
func Collect(ctx context.Context, reg *vaultenv.Registry, settings []discovery.Settings, logger *slog.Logger) (map[string]string, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	merged := make(map[string]string)
	owner := make(map[string]string)
	seen := make(map[vaultenv.ProviderID]bool)
	queried := 0

	for _, s := range settings {
		if seen[s.Provider] {
			continue
		}
		seen[s.Provider] = true

		p, ok := reg.Provider(s.Provider)
		if !ok {
			return nil, queried, fmt.Errorf("%w: unknown provider handle %d for %s.%s",
				vaultenv.ErrInvalidProvider, s.Provider, s.Module, s.Name)
		}
		label := vaultenv.DescribeProvider(p)
		queried++

		logger.Debug("querying vault provider", "provider", label, "settings", s.Module+"."+s.Name)
		raw, err := p.Fetch(ctx)
		if err != nil {
			return nil, queried, &vaultenv.RetrievalError{Provider: label, Err: err}
		}
		for k, v := range raw {
			if prev, ok := owner[k]; ok && prev != label {
				logger.Debug("vault value overridden", "key", k, "previous", prev, "provider", label)
			}
			merged[k] = vaultenv.StringValue(v)
			owner[k] = label
		}
	}
	return merged, queried, nil
}

func readExisting(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read env file '%s': %w", path, err)
	}
	return string(data), nil
}

// atomicWriteFile writes through a temporary file in the target directory.
// An existing file keeps its mode; new files are created owner-only.
func atomicWriteFile(path string, data []byte) error {
	mode := fs.FileMode(0600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Chmod(tempPath, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
