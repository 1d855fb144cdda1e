package vaultenv

import (
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"
	"time"
	"unicode"
)

// Field is a single resolvable value of a settings type.
type Field struct {
	// Name is the key of the field within its parent struct.
	Name string
	// Path is the dot-separated location of the field from the settings root.
	Path string
	// GoName is the struct field name, used in validation messages.
	GoName string
	// DecodePath is Path spelled with the keys the decoder matches on.
	DecodePath string
	// Required is set when the validate tag lists "required".
	Required bool
	// Aliases are the environment-style names the field is read from.
	Aliases []string
	// Complex fields expect JSON text from string sources.
	Complex bool
	Type    reflect.Type
}

// NestedSettings is a field whose type is itself a settings type. It is
// resolved independently with its own prefix and provider.
type NestedSettings struct {
	Name       string
	Path       string
	GoName     string
	DecodePath string
	Type       reflect.Type
	Ptr        bool
}

// Schema describes how a settings type is resolved.
type Schema struct {
	Type            reflect.Type
	Fields          []Field
	Nested          []NestedSettings
	EnvPrefix       string
	CaseSensitive   bool
	NestedDelimiter string
	TagName         string

	// Declared is true when the type declares a provider. Provider may still
	// be nil, which is an invalid declaration.
	Declared bool
	Provider Provider
}

// SchemaOptions tunes schema inspection.
type SchemaOptions struct {
	// TagName is the struct tag holding field names. Default "mapstructure".
	TagName string
	// CaseSensitive disables case folding when matching source keys.
	CaseSensitive bool
	// NestedDelimiter flattens nested plain structs into separate env keys
	// joined by the delimiter. Empty keeps nested structs as one JSON value.
	NestedDelimiter string
	// EnvPrefix overrides the prefix declared by the type.
	EnvPrefix *string
}

var (
	providerDeclarerType = reflect.TypeOf((*ProviderDeclarer)(nil)).Elem()
	prefixDeclarerType   = reflect.TypeOf((*PrefixDeclarer)(nil)).Elem()

	// Struct types decoded from a single string by the decode hooks.
	scalarStructTypes = map[reflect.Type]bool{
		reflect.TypeOf(time.Time{}): true,
		reflect.TypeOf(url.URL{}):   true,
		reflect.TypeOf(net.IPNet{}): true,
	}
)

// NewSchema inspects target, a pointer to a settings struct.
func NewSchema(target any, opts SchemaOptions) (*Schema, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, fmt.Errorf("settings target must be a non-nil struct pointer, got %T", target)
	}
	if rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("settings target must point to a struct, got %T", target)
	}

	s := &Schema{
		Type:            rv.Elem().Type(),
		CaseSensitive:   opts.CaseSensitive,
		NestedDelimiter: opts.NestedDelimiter,
		TagName:         opts.TagName,
	}
	if s.TagName == "" {
		s.TagName = "mapstructure"
	}

	if d, ok := target.(PrefixDeclarer); ok {
		s.EnvPrefix = d.EnvPrefix()
	}
	if opts.EnvPrefix != nil {
		s.EnvPrefix = *opts.EnvPrefix
	}
	if d, ok := target.(ProviderDeclarer); ok {
		s.Declared = true
		s.Provider = d.VaultProvider()
	}

	var errs []string
	s.registerFields(s.Type, "", "", nil, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to inspect %d field(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return s, nil
}

// registerFields walks t and appends a Field for every leaf. envSegments
// carries the upper-cased names of enclosing flattened structs.
func (s *Schema) registerFields(t reflect.Type, pathPrefix, decodePrefix string, envSegments []string, errs *[]string) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get(s.TagName)
		if tag == "-" {
			continue
		}

		name := toSnake(sf.Name)
		decodeKey := sf.Name
		squash := false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
				decodeKey = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "squash" {
					squash = true
				}
			}
		}

		ft := sf.Type
		isPtr := ft.Kind() == reflect.Ptr
		if isPtr {
			ft = ft.Elem()
		}

		if sf.Anonymous && ft.Kind() == reflect.Struct && (squash || tag == "") {
			s.registerFields(ft, pathPrefix, decodePrefix, envSegments, errs)
			continue
		}

		if !isValidKeySegment(name) {
			*errs = append(*errs, fmt.Sprintf("field %s: invalid key %q", sf.Name, name))
			continue
		}

		currentPath, decodePath := name, decodeKey
		if pathPrefix != "" {
			currentPath = pathPrefix + "." + name
			decodePath = decodePrefix + "." + decodeKey
		}
		segments := append(append([]string(nil), envSegments...), strings.ToUpper(name))

		if ft.Kind() == reflect.Struct && isSettingsType(ft) {
			s.Nested = append(s.Nested, NestedSettings{
				Name:       name,
				Path:       currentPath,
				GoName:     sf.Name,
				DecodePath: decodePath,
				Type:       ft,
				Ptr:        isPtr,
			})
			continue
		}

		if ft.Kind() == reflect.Struct && !scalarStructTypes[ft] && s.NestedDelimiter != "" {
			s.registerFields(ft, currentPath, decodePath, segments, errs)
			continue
		}

		s.Fields = append(s.Fields, Field{
			Name:       name,
			Path:       currentPath,
			GoName:     sf.Name,
			DecodePath: decodePath,
			Required:   hasRequiredTag(sf.Tag.Get("validate")),
			Aliases:    s.aliasesFor(sf, segments),
			Complex:    isComplexType(ft),
			Type:       sf.Type,
		})
	}
}

// aliasesFor returns explicit `env:"A,B"` names, or the prefixed upper-case
// path joined by the nested delimiter.
func (s *Schema) aliasesFor(sf reflect.StructField, segments []string) []string {
	if tag, ok := sf.Tag.Lookup("env"); ok && tag != "" {
		var aliases []string
		for _, a := range strings.Split(tag, ",") {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		if len(aliases) > 0 {
			return aliases
		}
	}
	delim := s.NestedDelimiter
	if delim == "" {
		delim = "_"
	}
	return []string{s.EnvPrefix + strings.Join(segments, delim)}
}

// Required returns the required fields.
func (s *Schema) Required() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the field at path.
func (s *Schema) Field(path string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return Field{}, false
}

// normalizeKey folds key unless the schema is case-sensitive.
func (s *Schema) normalizeKey(key string) string {
	if s.CaseSensitive {
		return key
	}
	return strings.ToLower(key)
}

// matchEnv resolves environment-style keys to field paths. The lookup
// function returns the value stored under a normalized key.
// Aliases are tried in declaration order; withPath also accepts the field
// path as a key.
func (s *Schema) matchEnv(lookup func(key string) (any, bool), withPath bool) map[string]any {
	out := make(map[string]any)
	for _, f := range s.Fields {
		keys := f.Aliases
		if withPath {
			keys = append(append([]string(nil), f.Aliases...), f.Path)
		}
		for _, k := range keys {
			if v, ok := lookup(s.normalizeKey(k)); ok {
				out[f.Path] = v
				break
			}
		}
	}
	return out
}

// isSettingsType reports whether t (or *t) declares a provider or a prefix.
func isSettingsType(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return t.Implements(providerDeclarerType) || pt.Implements(providerDeclarerType) ||
		t.Implements(prefixDeclarerType) || pt.Implements(prefixDeclarerType)
}

func isComplexType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Map:
		return true
	case reflect.Struct:
		return !scalarStructTypes[t]
	case reflect.Slice, reflect.Array:
		return t.Elem().Kind() != reflect.Uint8
	}
	return false
}

func hasRequiredTag(tag string) bool {
	for _, tok := range strings.Split(tag, ",") {
		if strings.TrimSpace(tok) == "required" {
			return true
		}
	}
	return false
}

// toSnake converts a Go identifier to snake_case, keeping acronyms together
// (APIToken -> api_token, DestinationID -> destination_id).
func toSnake(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
