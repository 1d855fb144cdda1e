package vaultenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Trace records which source supplied each field path.
type Trace map[string]SourceName

// ValidatorFunc defines an extra check run on the decoded settings after
// struct tag validation.
type ValidatorFunc func(settings any) error

// Loader resolves settings structs through an ordered chain of sources.
type Loader struct {
	sources    []Source
	schemaOpts SchemaOptions
	registry   *Registry
	validate   *validator.Validate
	validators []ValidatorFunc
	logger     *slog.Logger
}

// Load resolves target, a pointer to a settings struct. Fields that no
// source supplies keep their current value. Nested settings types are
// resolved independently after the parent.
func (l *Loader) Load(ctx context.Context, target any) (Trace, error) {
	trace := make(Trace)
	if err := l.load(ctx, target, l.sources, "", trace); err != nil {
		return trace, err
	}

	if err := l.validate.StructCtx(ctx, target); err != nil {
		return trace, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	for _, fn := range l.validators {
		if err := fn(target); err != nil {
			return trace, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return trace, nil
}

// Schema returns the schema the loader would use for target.
func (l *Loader) Schema(target any) (*Schema, error) {
	schema, err := NewSchema(target, l.schemaOpts)
	if err != nil {
		return nil, err
	}
	if !schema.Declared && l.registry != nil {
		if p, _, ok := l.registry.Lookup(schema.Type); ok {
			schema.Declared = true
			schema.Provider = p
		}
	}
	return schema, nil
}

func (l *Loader) load(ctx context.Context, target any, sources []Source, tracePrefix string, trace Trace) error {
	schema, err := l.Schema(target)
	if err != nil {
		return err
	}

	state := make(State)
	for _, src := range sources {
		values, err := src.Resolve(ctx, schema, state)
		if err != nil {
			return fmt.Errorf("%s source for %s: %w", src.Name(), schema.Type, err)
		}
		for path, v := range values {
			if state.Has(path) {
				continue
			}
			state[path] = v
			trace[tracePrefix+path] = src.Name()
		}
	}

	l.logger.Debug("settings resolved",
		"settings", schema.Type.String(),
		"fields", len(schema.Fields),
		"resolved", len(state),
		"sources", summarize(trace, tracePrefix))

	if err := decode(schema, state, target); err != nil {
		return err
	}

	root := reflect.ValueOf(target).Elem()
	for _, ns := range schema.Nested {
		if err := l.loadNested(ctx, root, schema.TagName, ns, sources, tracePrefix, trace); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadNested(ctx context.Context, root reflect.Value, tagName string, ns NestedSettings, sources []Source, tracePrefix string, trace Trace) error {
	field, err := fieldByPath(root, tagName, ns.DecodePath)
	if err != nil {
		return err
	}

	child := reflect.New(ns.Type)
	if ns.Ptr {
		if !field.IsNil() {
			child.Elem().Set(field.Elem())
		}
	} else {
		child.Elem().Set(field)
	}

	childSources := make([]Source, len(sources))
	for i, src := range sources {
		if is, ok := src.(*InitSource); ok {
			childSources[i] = is.sub(ns.Name)
			continue
		}
		childSources[i] = src
	}

	if err := l.load(ctx, child.Interface(), childSources, tracePrefix+ns.Path+".", trace); err != nil {
		return fmt.Errorf("nested settings %s: %w", ns.Path, err)
	}

	if ns.Ptr {
		field.Set(child)
	} else {
		field.Set(child.Elem())
	}
	return nil
}

// fieldByPath walks decode keys from root, allocating nil struct pointers.
func fieldByPath(root reflect.Value, tagName, path string) (reflect.Value, error) {
	current := root
	for _, key := range strings.Split(path, ".") {
		if current.Kind() == reflect.Ptr {
			if current.IsNil() {
				current.Set(reflect.New(current.Type().Elem()))
			}
			current = current.Elem()
		}
		next, ok := findField(current, tagName, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("field %q not found in %s", key, current.Type())
		}
		current = next
	}
	return current, nil
}

func findField(v reflect.Value, tagName, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag := strings.Split(sf.Tag.Get(tagName), ",")[0]; tag != "" {
			name = tag
		}
		if name == key {
			return v.Field(i), true
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if f, ok := findField(v.Field(i), tagName, key); ok {
				return f, true
			}
		}
	}
	return reflect.Value{}, false
}

func summarize(trace Trace, prefix string) string {
	counts := make(map[SourceName]int)
	for path, src := range trace {
		if strings.HasPrefix(path, prefix) {
			counts[src]++
		}
	}
	parts := make([]string, 0, len(counts))
	for src, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", src, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// IsValidation reports whether err came from settings validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
