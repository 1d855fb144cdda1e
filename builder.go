package vaultenv

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// Builder provides a fluent interface for building loaders
type Builder struct {
	init       map[string]any
	environ    func() []string
	envFiles   []string
	secretsDir string
	sources    []Source
	opts       SchemaOptions
	registry   *Registry
	validate   *validator.Validate
	validators []ValidatorFunc
	logger     *slog.Logger
}

// NewBuilder creates a new loader builder. The default chain reads the
// environment, ".env" in the working directory and the declared vault.
func NewBuilder() *Builder {
	return &Builder{
		envFiles:   []string{".env"},
		registry:   DefaultRegistry,
		validators: make([]ValidatorFunc, 0),
	}
}

// WithInit sets explicit values with the highest priority
func (b *Builder) WithInit(values map[string]any) *Builder {
	b.init = values
	return b
}

// WithEnviron replaces the process environment, mainly for tests
func (b *Builder) WithEnviron(fn func() []string) *Builder {
	b.environ = fn
	return b
}

// WithEnvFile sets the dotenv files to read. Later files win. No arguments
// disables dotenv loading.
func (b *Builder) WithEnvFile(paths ...string) *Builder {
	b.envFiles = paths
	return b
}

// WithSecretsDir sets the directory holding one file per secret
func (b *Builder) WithSecretsDir(dir string) *Builder {
	b.secretsDir = dir
	return b
}

// WithSources replaces the whole source chain. The first source has the
// highest priority.
func (b *Builder) WithSources(sources ...Source) *Builder {
	b.sources = sources
	return b
}

// WithEnvPrefix overrides the prefix declared by settings types
func (b *Builder) WithEnvPrefix(prefix string) *Builder {
	b.opts.EnvPrefix = &prefix
	return b
}

// WithCaseSensitive disables case folding of source keys
func (b *Builder) WithCaseSensitive(sensitive bool) *Builder {
	b.opts.CaseSensitive = sensitive
	return b
}

// WithNestedDelimiter flattens nested structs into env keys joined by delim
func (b *Builder) WithNestedDelimiter(delim string) *Builder {
	b.opts.NestedDelimiter = delim
	return b
}

// WithTagName sets the struct tag used for field names
func (b *Builder) WithTagName(tag string) *Builder {
	b.opts.TagName = tag
	return b
}

// WithRegistry sets the registry consulted for settings types that do not
// declare a provider themselves
func (b *Builder) WithRegistry(r *Registry) *Builder {
	b.registry = r
	return b
}

// WithValidator adds a validation function that runs after struct tag
// validation. Validators run in the order they are added.
func (b *Builder) WithValidator(fn ValidatorFunc) *Builder {
	if fn != nil {
		b.validators = append(b.validators, fn)
	}
	return b
}

// WithStructValidator replaces the go-playground validator instance
func (b *Builder) WithStructValidator(v *validator.Validate) *Builder {
	b.validate = v
	return b
}

// WithLogger sets the logger used for debug output
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build creates the Loader with all specified options
func (b *Builder) Build() *Loader {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	sources := b.sources
	if sources == nil {
		sources = DefaultSources(b.init, b.envFiles, b.secretsDir, logger)
		if b.environ != nil {
			sources[1] = &EnvSource{Environ: b.environ}
		}
	}

	validate := b.validate
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &Loader{
		sources:    sources,
		schemaOpts: b.opts,
		registry:   b.registry,
		validate:   validate,
		validators: b.validators,
		logger:     logger,
	}
}
