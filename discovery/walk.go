package discovery

import (
	"fmt"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/mod/modfile"

	"github.com/lixenwraith/vaultenv/manifest"
)

// SourceDir is the nested source directory walked in addition to the root.
const SourceDir = "src"

// SkipDirs are directory names never descended into. Directories whose name
// starts with a dot or an underscore are skipped as well, as the go command
// does.
var SkipDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".mypy_cache":   true,
	".nox":          true,
	".pytest_cache": true,
	".ruff_cache":   true,
	".svn":          true,
	".tox":          true,
	".venv":         true,
	"__pycache__":   true,
	"build":         true,
	"dist":          true,
	"node_modules":  true,
	"testdata":      true,
	"vendor":        true,
	"venv":          true,
}

// Module is one loadable unit of a project: a Go package directory, a
// manifest, or both when a plain vaultenv manifest sits beside Go files.
type Module struct {
	// ID is the dotted module identifier, e.g. "services.billing".
	ID string
	// Dir is the absolute directory of the module.
	Dir string
	// ImportPath is the Go import path; empty when the module has no Go
	// files or the project has no go.mod.
	ImportPath string
	// Manifests lists manifest files belonging to the module.
	Manifests []string
}

// modulePath reads the module path from root/go.mod. A missing go.mod yields
// an empty path.
func modulePath(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read go.mod: %w", err)
	}
	f, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}
	if f.Module == nil {
		return "", nil
	}
	return f.Module.Mod.Path, nil
}

// scan walks root and root/src and returns modules sorted by ID.
func scan(root string) ([]*Module, error) {
	modPath, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	rootName := path.Base(modPath)
	if modPath == "" {
		rootName = filepath.Base(root)
	}
	rootName = sanitizeIdentifier(rootName)

	modules := make(map[string]*Module)
	add := func(id, dir, importPath, manifestFile string) {
		m, ok := modules[id]
		if !ok {
			m = &Module{ID: id, Dir: dir}
			modules[id] = m
		}
		if importPath != "" {
			m.ImportPath = importPath
		}
		if manifestFile != "" {
			m.Manifests = append(m.Manifests, manifestFile)
		}
	}

	walk := func(base string, exclude string) error {
		return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p == base {
					return nil
				}
				if p == exclude || SkipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
					return filepath.SkipDir
				}
				return nil
			}

			dir := filepath.Dir(p)
			rel, err := filepath.Rel(base, dir)
			if err != nil {
				return nil
			}
			segments := splitRel(rel)

			name := d.Name()
			switch {
			case strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go"):
				id, ok := identifier(segments, rootName)
				if !ok {
					return nil
				}
				add(id, dir, importPath(root, modPath, dir), "")
			default:
				mname, ok := manifest.Match(name)
				if !ok {
					return nil
				}
				if mname != "" {
					segments = append(segments, mname)
				}
				id, ok := identifier(segments, rootName)
				if !ok {
					return nil
				}
				add(id, dir, "", p)
			}
			return nil
		})
	}

	srcDir := filepath.Join(root, SourceDir)
	if err := walk(root, srcDir); err != nil {
		return nil, fmt.Errorf("failed to walk project root '%s': %w", root, err)
	}
	if info, err := os.Stat(srcDir); err == nil && info.IsDir() {
		if err := walk(srcDir, ""); err != nil {
			return nil, fmt.Errorf("failed to walk source directory '%s': %w", srcDir, err)
		}
	}

	out := make([]*Module, 0, len(modules))
	for _, m := range modules {
		sort.Strings(m.Manifests)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// identifier joins segments with dots. An empty segment list maps to
// rootName. Any segment that is not a Go identifier excludes the module.
func identifier(segments []string, rootName string) (string, bool) {
	if len(segments) == 0 {
		segments = []string{rootName}
	}
	for _, s := range segments {
		if !token.IsIdentifier(s) {
			return "", false
		}
	}
	return strings.Join(segments, "."), true
}

// sanitizeIdentifier maps a directory or module base name such as
// "my-service" onto an identifier.
func sanitizeIdentifier(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			out[i] = '_'
		}
	}
	s := string(out)
	if s == "" || unicode.IsDigit(out[0]) || token.IsKeyword(s) {
		s = "_" + s
	}
	return s
}

func splitRel(rel string) []string {
	if rel == "." || rel == "" {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

func importPath(root, modPath, dir string) string {
	if modPath == "" {
		return ""
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return modPath
	}
	return modPath + "/" + filepath.ToSlash(rel)
}
