// Package static serves vault values from memory. It backs fixtures and
// manifest providers with inline values.
package static

import (
	"context"
	"maps"
)

// Provider returns a copy of a fixed map on every fetch.
type Provider struct {
	name   string
	values map[string]any
}

// New creates a provider serving values.
func New(name string, values map[string]any) *Provider {
	return &Provider{name: name, values: maps.Clone(values)}
}

// Describe names the provider.
func (p *Provider) Describe() string { return "static:" + p.name }

// Fetch returns a copy of the configured values.
func (p *Provider) Fetch(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := maps.Clone(p.values)
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}
