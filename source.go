package vaultenv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/subosito/gotenv"
)

// SourceName identifies where a resolved value came from.
type SourceName string

const (
	// SourceInit represents values passed explicitly to the loader
	SourceInit SourceName = "init"
	// SourceEnv represents values read from the process environment
	SourceEnv SourceName = "env"
	// SourceDotenv represents values read from dotenv files
	SourceDotenv SourceName = "dotenv"
	// SourceFileSecret represents values read from a secrets directory
	SourceFileSecret SourceName = "file_secret"
	// SourceVault represents values fetched from a vault provider
	SourceVault SourceName = "vault"
)

// State holds the values resolved so far in a load, keyed by field path.
type State map[string]any

// Has reports whether path already has a value.
func (s State) Has(path string) bool {
	_, ok := s[path]
	return ok
}

// Source resolves field values for a schema. Sources are consulted in
// priority order; each sees the values contributed by the sources before it
// and returns values keyed by field path.
type Source interface {
	Name() SourceName
	Resolve(ctx context.Context, schema *Schema, state State) (map[string]any, error)
}

// InitSource supplies explicit values. Keys may be field paths, nested maps
// or environment-style aliases.
type InitSource struct {
	Values map[string]any
}

func (s *InitSource) Name() SourceName { return SourceInit }

func (s *InitSource) Resolve(_ context.Context, schema *Schema, _ State) (map[string]any, error) {
	if len(s.Values) == 0 {
		return nil, nil
	}
	flat := make(map[string]any)
	for k, v := range flattenMap(s.Values, "") {
		flat[schema.normalizeKey(k)] = v
	}
	return schema.matchEnv(func(key string) (any, bool) {
		v, ok := flat[key]
		return v, ok
	}, true), nil
}

// sub returns an InitSource scoped to the nested map at key.
func (s *InitSource) sub(key string) *InitSource {
	if m, ok := s.Values[key].(map[string]any); ok {
		return &InitSource{Values: m}
	}
	return &InitSource{}
}

// EnvSource reads the process environment.
type EnvSource struct {
	// Environ lists KEY=value pairs. Defaults to os.Environ.
	Environ func() []string
}

func (s *EnvSource) Name() SourceName { return SourceEnv }

func (s *EnvSource) Resolve(_ context.Context, schema *Schema, _ State) (map[string]any, error) {
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}
	vars := make(map[string]string)
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[schema.normalizeKey(k)] = v
	}
	return matchStrings(schema, vars, false), nil
}

// DotenvSource reads one or more dotenv files. Missing files are skipped;
// later files override earlier ones.
type DotenvSource struct {
	Paths []string
}

func (s *DotenvSource) Name() SourceName { return SourceDotenv }

func (s *DotenvSource) Resolve(_ context.Context, schema *Schema, _ State) (map[string]any, error) {
	vars := make(map[string]string)
	for _, path := range s.Paths {
		if path == "" {
			continue
		}
		values, err := readDotenv(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read dotenv file '%s': %w", path, err)
		}
		for k, v := range values {
			vars[schema.normalizeKey(k)] = v
		}
	}
	return matchStrings(schema, vars, false), nil
}

// readDotenv parses path strictly. Double-quoted values are unescaped, so
// values written by the sync command read back unchanged.
func readDotenv(path string) (gotenv.Env, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return gotenv.StrictParse(file)
}

// FileSecretSource reads one file per alias from a directory, as mounted by
// container orchestrators. File contents are trimmed.
type FileSecretSource struct {
	Dir    string
	Logger *slog.Logger
}

func (s *FileSecretSource) Name() SourceName { return SourceFileSecret }

func (s *FileSecretSource) Resolve(_ context.Context, schema *Schema, _ State) (map[string]any, error) {
	if s.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.Logger != nil {
				s.Logger.Warn("secrets directory does not exist", "dir", s.Dir)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read secrets directory '%s': %w", s.Dir, err)
	}

	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files[schema.normalizeKey(e.Name())] = e.Name()
	}

	vars := make(map[string]string)
	for _, f := range schema.Fields {
		for _, alias := range f.Aliases {
			key := schema.normalizeKey(alias)
			name, ok := files[key]
			if !ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.Dir, name))
			if err != nil {
				return nil, fmt.Errorf("failed to read secret file '%s': %w", name, err)
			}
			vars[key] = strings.TrimSpace(string(data))
		}
	}
	return matchStrings(schema, vars, false), nil
}

func matchStrings(schema *Schema, vars map[string]string, withPath bool) map[string]any {
	return schema.matchEnv(func(key string) (any, bool) {
		v, ok := vars[key]
		return v, ok
	}, withPath)
}

// DefaultSources returns the standard chain: init, env, dotenv, file
// secrets, vault.
func DefaultSources(initValues map[string]any, envFiles []string, secretsDir string, logger *slog.Logger) []Source {
	return []Source{
		&InitSource{Values: initValues},
		&EnvSource{},
		&DotenvSource{Paths: envFiles},
		&FileSecretSource{Dir: secretsDir, Logger: logger},
		&VaultSource{Logger: logger},
	}
}
