// Package discovery finds the settings models of a project and the vault
// providers they declare.
//
// Go packages declare settings from init through vaultenv.MustDeclare; the
// binary running discovery must link them. Manifest files declare settings
// without code. The project tree is walked to find both, and each module is
// matched to registry declarations by its Go import path.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/manifest"
)

// ErrImport reports that one or more project modules failed to load.
var ErrImport = errors.New("failed to load project modules")

// ModuleError records the load failure of one module.
type ModuleError struct {
	Module string
	Err    error
}

func (e ModuleError) Error() string { return e.Module + ": " + e.Err.Error() }

func (e ModuleError) Unwrap() error { return e.Err }

// ImportError aggregates every module failure of a strict discovery.
type ImportError struct {
	Failures []ModuleError
}

func (e *ImportError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrImport.Error())
	sb.WriteString(":")
	for _, f := range e.Failures {
		sb.WriteString("\n- ")
		sb.WriteString(f.Error())
	}
	return sb.String()
}

func (e *ImportError) Is(target error) bool { return target == ErrImport }

func (e *ImportError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Settings is one discovered settings model.
type Settings struct {
	// Module is the identifier of the module defining the model.
	Module string
	// Name is the type or manifest name of the model.
	Name     string
	Provider vaultenv.ProviderID
}

// Report is the outcome of a discovery run.
type Report struct {
	// Modules lists the identifiers of the modules loaded successfully.
	Modules  []string
	Settings []Settings
	// Failures holds per-module errors of a best-effort run.
	Failures []ModuleError
}

// Options configures an Engine.
type Options struct {
	// Registry supplies Go declarations and receives manifest providers.
	// Defaults to vaultenv.DefaultRegistry.
	Registry  *vaultenv.Registry
	Factories manifest.Factories
	// BestEffort collects load failures in the report instead of failing.
	BestEffort bool
	Logger     *slog.Logger
}

type moduleKey struct {
	root string
	id   string
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

type cachedManifest struct {
	stamp    fileStamp
	settings []Settings
}

type cached struct {
	module    *Module
	manifests map[string]cachedManifest
	settings  []Settings
}

// Engine discovers settings models. Loaded modules are cached per project
// root; a manifest whose file is unchanged keeps its provider handles
// across runs.
type Engine struct {
	opts  Options
	mutex sync.Mutex
	cache map[moduleKey]*cached
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = vaultenv.DefaultRegistry
	}
	if opts.Factories == nil {
		opts.Factories = manifest.DefaultFactories()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{opts: opts, cache: make(map[moduleKey]*cached)}
}

// Discover walks root and loads every module found. All modules are
// attempted; in strict mode any failure yields an *ImportError.
func (e *Engine) Discover(ctx context.Context, root string) (*Report, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root '%s': %w", root, err)
	}
	modules, err := scan(abs)
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	report := &Report{}
	seen := make(map[[2]string]bool)
	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		settings, err := e.loadModule(abs, m)
		if err != nil {
			e.opts.Logger.Debug("module load failed", "module", m.ID, "error", err)
			report.Failures = append(report.Failures, ModuleError{Module: m.ID, Err: err})
			continue
		}
		report.Modules = append(report.Modules, m.ID)
		for _, s := range settings {
			key := [2]string{s.Module, s.Name}
			if seen[key] {
				continue
			}
			seen[key] = true
			report.Settings = append(report.Settings, s)
		}
	}

	imported := make(map[string]bool, len(modules))
	for _, m := range modules {
		if m.ImportPath != "" {
			imported[m.ImportPath] = true
		}
	}
	for _, pkg := range e.opts.Registry.Packages() {
		if !imported[pkg] {
			e.opts.Logger.Debug("declarations outside project ignored", "package", pkg)
		}
	}

	sort.Slice(report.Settings, func(i, j int) bool {
		a, b := report.Settings[i], report.Settings[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Name < b.Name
	})

	e.opts.Logger.Debug("discovery complete",
		"root", abs,
		"modules", len(report.Modules),
		"settings", len(report.Settings),
		"failures", len(report.Failures))

	if len(report.Failures) > 0 && !e.opts.BestEffort {
		return nil, &ImportError{Failures: report.Failures}
	}
	return report, nil
}

// loadModule loads m and stores it in the cache of root. Modules of the
// same id cached from another root are left untouched. Go declarations are
// read fresh on every load; manifests are only parsed and registered again
// when their file changed.
func (e *Engine) loadModule(root string, m *Module) ([]Settings, error) {
	key := moduleKey{root: root, id: m.ID}
	for k, c := range e.cache {
		if k.id == m.ID && k.root != root && !isWithin(root, c.module.Dir) {
			e.opts.Logger.Debug("module cached from another root left untouched",
				"module", m.ID, "cached_dir", c.module.Dir)
		}
	}

	prev, reloading := e.cache[key]
	if reloading {
		e.opts.Logger.Debug("reloading module", "module", m.ID)
	}

	var settings []Settings
	if m.ImportPath != "" {
		for _, d := range e.opts.Registry.Declarations(m.ImportPath) {
			settings = append(settings, Settings{Module: m.ID, Name: d.Name, Provider: d.Provider})
		}
	}

	manifests := make(map[string]cachedManifest, len(m.Manifests))
	for _, file := range m.Manifests {
		stamp, err := statManifest(file)
		if err != nil {
			return nil, err
		}
		if reloading {
			if cm, ok := prev.manifests[file]; ok && cm.stamp.equal(stamp) {
				e.opts.Logger.Debug("manifest unchanged, keeping provider handles", "module", m.ID, "path", file)
				manifests[file] = cm
				settings = append(settings, cm.settings...)
				continue
			}
		}

		entries, err := e.registerManifest(file)
		if err != nil {
			return nil, err
		}
		var fromFile []Settings
		for _, entry := range entries {
			fromFile = append(fromFile, Settings{Module: m.ID, Name: entry.Name, Provider: entry.Provider})
		}
		manifests[file] = cachedManifest{stamp: stamp, settings: fromFile}
		settings = append(settings, fromFile...)
	}

	e.cache[key] = &cached{module: m, manifests: manifests, settings: settings}
	return settings, nil
}

func (e *Engine) registerManifest(file string) ([]manifest.Entry, error) {
	parsed, err := manifest.Load(file)
	if err != nil {
		return nil, err
	}
	entries, err := parsed.Register(e.opts.Registry, e.opts.Factories)
	if err != nil {
		return nil, fmt.Errorf("manifest '%s': %w", file, err)
	}
	return entries, nil
}

// Cached returns the settings recorded for module id of root by the last
// run.
func (e *Engine) Cached(root, id string) ([]Settings, bool) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, false
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	c, ok := e.cache[moduleKey{root: abs, id: id}]
	if !ok {
		return nil, false
	}
	return append([]Settings(nil), c.settings...), true
}

func statManifest(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, fmt.Errorf("failed to stat manifest '%s': %w", path, err)
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

func isWithin(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
