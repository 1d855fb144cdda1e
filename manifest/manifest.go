// Package manifest reads declarative settings manifests. A manifest names
// vault providers and the settings models that use them, so projects can be
// synced without Go registration code.
//
//	[providers.main]
//	type = "onepassword"
//	vault = "dev"
//	entry = "example"
//
//	[[settings]]
//	name = "ExampleSettings"
//	provider = "main"
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/lixenwraith/vaultenv"
)

// BaseName is the manifest file stem: vaultenv.toml, or <name>.vaultenv.toml.
const BaseName = "vaultenv"

// MaxFileSize bounds how much of a manifest file is read.
const MaxFileSize = 1 << 20

// Extensions lists the recognized manifest extensions.
var Extensions = []string{".toml", ".yaml", ".yml", ".json"}

// Manifest is the parsed content of one manifest file.
type Manifest struct {
	Path      string                  `mapstructure:"-"`
	Providers map[string]ProviderSpec `mapstructure:"providers" validate:"dive"`
	Settings  []SettingsSpec          `mapstructure:"settings" validate:"dive"`
}

// ProviderSpec configures one provider. Only the keys of the selected type
// are used.
type ProviderSpec struct {
	Name string `mapstructure:"-"`
	Type string `mapstructure:"type" validate:"required"`

	// onepassword
	Vault      string `mapstructure:"vault"`
	Entry      string `mapstructure:"entry"`
	Executable string `mapstructure:"executable"`
	Account    string `mapstructure:"account"`

	// hcvault
	Address string `mapstructure:"address"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`

	// awssm
	SecretID     string `mapstructure:"secret_id"`
	Region       string `mapstructure:"region"`
	VersionStage string `mapstructure:"version_stage"`

	// gcpsecret
	Secret  string `mapstructure:"secret"`
	Project string `mapstructure:"project"`
	Version string `mapstructure:"version"`

	// static
	Values map[string]any `mapstructure:"values"`
}

// SettingsSpec declares one settings model and the provider it uses.
type SettingsSpec struct {
	Name     string `mapstructure:"name" validate:"required"`
	Provider string `mapstructure:"provider" validate:"required"`
}

// Entry is a settings declaration bound to a registered provider handle.
type Entry struct {
	Name     string
	Provider vaultenv.ProviderID
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Match reports whether filename is a manifest. name is empty for a plain
// vaultenv.<ext> file and holds the prefix for <name>.vaultenv.<ext>.
func Match(filename string) (name string, ok bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	known := false
	for _, e := range Extensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return "", false
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	if stem == BaseName {
		return "", true
	}
	if prefix, found := strings.CutSuffix(stem, "."+BaseName); found && prefix != "" {
		return prefix, true
	}
	return "", false
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest '%s': %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest '%s': %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("manifest '%s' exceeds maximum size %d bytes", path, MaxFileSize)
	}

	m, err := Parse(data, detectFileFormat(path))
	if err != nil {
		return nil, fmt.Errorf("manifest '%s': %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse decodes manifest data in the given format (toml, yaml or json).
func Parse(data []byte, format string) (*Manifest, error) {
	raw := make(map[string]any)
	switch format {
	case "toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case "json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}

	var m Manifest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &m,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("decoder creation failed: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Register builds every provider of m, adds it to reg and binds each
// settings entry to its provider's handle. Entries are sorted by name and
// deduplicated, the first declaration winning.
func (m *Manifest) Register(reg *vaultenv.Registry, factories Factories) ([]Entry, error) {
	if factories == nil {
		factories = DefaultFactories()
	}

	names := make([]string, 0, len(m.Providers))
	for name := range m.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	handles := make(map[string]vaultenv.ProviderID, len(names))
	for _, name := range names {
		spec := m.Providers[name]
		spec.Name = name
		p, err := factories.Build(spec)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		id, err := reg.AddProvider(p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		handles[name] = id
	}

	seen := make(map[string]bool, len(m.Settings))
	entries := make([]Entry, 0, len(m.Settings))
	for _, s := range m.Settings {
		id, ok := handles[s.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: settings %q references unknown provider %q",
				vaultenv.ErrInvalidProvider, s.Name, s.Provider)
		}
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		entries = append(entries, Entry{Name: s.Name, Provider: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// detectFileFormat determines format from file extension
func detectFileFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".tml":
		return "toml"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}
