package vaultenv

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Provider returns a flat map of secret keys to raw values.
// Fetch is called at most once per resolution or sync pass.
type Provider interface {
	Fetch(ctx context.Context) (map[string]any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (map[string]any, error)

// Fetch calls f(ctx).
func (f ProviderFunc) Fetch(ctx context.Context) (map[string]any, error) { return f(ctx) }

// ProviderDeclarer is implemented by settings types that resolve missing
// required values from a vault provider.
type ProviderDeclarer interface {
	VaultProvider() Provider
}

// PrefixDeclarer is implemented by settings types whose environment aliases
// carry a prefix, e.g. "APP_" maps field "token" to "APP_TOKEN".
type PrefixDeclarer interface {
	EnvPrefix() string
}

// Describer lets a provider name itself in logs and errors.
type Describer interface {
	Describe() string
}

// DescribeProvider returns a stable label for p without exposing its contents.
func DescribeProvider(p Provider) string {
	if d, ok := p.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", p)
}

// validProvider reports whether p is a usable provider instance.
// Typed nil pointers and nil funcs are rejected.
func validProvider(p Provider) error {
	if p == nil {
		return fmt.Errorf("%w: provider is nil", ErrInvalidProvider)
	}
	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Interface:
		if rv.IsNil() {
			return fmt.Errorf("%w: %T is nil", ErrInvalidProvider, p)
		}
	}
	return nil
}

// DecodeJSONObject parses a secret payload holding a JSON object of
// key/value pairs. Invalid JSON is ErrMalformedResponse; any other JSON
// value is ErrSchemaMismatch.
func DecodeJSONObject(data []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", ErrSchemaMismatch, v)
	}
	return obj, nil
}
