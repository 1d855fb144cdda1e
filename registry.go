package vaultenv

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ProviderID is a stable handle for a provider registered in a Registry.
// Providers are deduplicated by handle, never by value equality.
type ProviderID int

// Declaration binds a settings type to a provider handle.
type Declaration struct {
	// Package is the import path of the package defining the type.
	Package string
	// Name is the type name.
	Name     string
	Provider ProviderID
	Type     reflect.Type
}

// Registry records provider handles and settings declarations. Packages
// typically declare their settings types from init.
type Registry struct {
	mutex     sync.RWMutex
	providers []Provider
	decls     map[string][]Declaration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{decls: make(map[string][]Declaration)}
}

// DefaultRegistry is used by the package-level declaration helpers.
var DefaultRegistry = NewRegistry()

// AddProvider registers p and returns a new handle for it.
func (r *Registry) AddProvider(p Provider) (ProviderID, error) {
	if err := validProvider(p); err != nil {
		return 0, err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.providers = append(r.providers, p)
	return ProviderID(len(r.providers) - 1), nil
}

// Provider returns the provider registered under id.
func (r *Registry) Provider(id ProviderID) (Provider, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if id < 0 || int(id) >= len(r.providers) {
		return nil, false
	}
	return r.providers[id], true
}

// Declare binds the type of settings to the provider handle id.
// Declaring the same type again replaces the earlier binding.
func (r *Registry) Declare(settings any, id ProviderID) error {
	t, err := settingsType(settings)
	if err != nil {
		return err
	}
	if _, ok := r.Provider(id); !ok {
		return fmt.Errorf("%w: unknown provider handle %d for %s", ErrInvalidProvider, id, t)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.declareLocked(Declaration{Package: t.PkgPath(), Name: t.Name(), Provider: id, Type: t})
	return nil
}

// DeclareSettings registers a settings type that implements ProviderDeclarer.
// A provider pointer already registered keeps its handle, so settings types
// sharing one provider instance share one handle.
func (r *Registry) DeclareSettings(settings any) (ProviderID, error) {
	t, err := settingsType(settings)
	if err != nil {
		return 0, err
	}
	d, ok := reflect.New(t).Interface().(ProviderDeclarer)
	if !ok {
		return 0, fmt.Errorf("%w: %s does not declare a vault provider", ErrInvalidProvider, t)
	}
	p := d.VaultProvider()
	if err := validProvider(p); err != nil {
		return 0, fmt.Errorf("%s: %w", t, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := ProviderID(-1)
	if ptr, ok := providerPointer(p); ok {
		for i, existing := range r.providers {
			if other, ok := providerPointer(existing); ok && other == ptr {
				id = ProviderID(i)
				break
			}
		}
	}
	if id < 0 {
		r.providers = append(r.providers, p)
		id = ProviderID(len(r.providers) - 1)
	}
	r.declareLocked(Declaration{Package: t.PkgPath(), Name: t.Name(), Provider: id, Type: t})
	return id, nil
}

func (r *Registry) declareLocked(d Declaration) {
	list := r.decls[d.Package]
	for i, existing := range list {
		if existing.Name == d.Name {
			list[i] = d
			return
		}
	}
	r.decls[d.Package] = append(list, d)
}

// Declarations returns the declarations made for types defined in pkg,
// sorted by type name.
func (r *Registry) Declarations(pkg string) []Declaration {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := append([]Declaration(nil), r.decls[pkg]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Packages returns every package with at least one declaration, sorted.
func (r *Registry) Packages() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]string, 0, len(r.decls))
	for pkg := range r.decls {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the provider declared for t.
func (r *Registry) Lookup(t reflect.Type) (Provider, ProviderID, bool) {
	r.mutex.RLock()
	var found *Declaration
	for _, d := range r.decls[t.PkgPath()] {
		if d.Type == t {
			d := d
			found = &d
			break
		}
	}
	r.mutex.RUnlock()
	if found == nil {
		return nil, 0, false
	}
	p, ok := r.Provider(found.Provider)
	return p, found.Provider, ok
}

// DeclareSettings registers settings with DefaultRegistry.
func DeclareSettings(settings any) (ProviderID, error) {
	return DefaultRegistry.DeclareSettings(settings)
}

// MustDeclare is like DeclareSettings but panics on error. It is meant for
// init functions.
func MustDeclare(settings any) ProviderID {
	id, err := DefaultRegistry.DeclareSettings(settings)
	if err != nil {
		panic(fmt.Sprintf("vaultenv: declare failed: %v", err))
	}
	return id
}

func settingsType(settings any) (reflect.Type, error) {
	t := reflect.TypeOf(settings)
	if t == nil {
		return nil, fmt.Errorf("%w: settings is nil", ErrInvalidProvider)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return nil, fmt.Errorf("settings must be a named struct type, got %T", settings)
	}
	return t, nil
}

// providerPointer returns the address behind a pointer-typed provider.
func providerPointer(p Provider) (uintptr, bool) {
	rv := reflect.ValueOf(p)
	if rv.Kind() != reflect.Ptr {
		return 0, false
	}
	return rv.Pointer(), true
}
