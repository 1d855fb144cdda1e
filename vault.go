package vaultenv

import (
	"context"
	"log/slog"
)

// VaultSource is the lowest-priority source. It queries the schema's
// provider only when a required field is still missing, at most once per
// Resolve, and never returns a path already present in state.
type VaultSource struct {
	// Provider overrides the provider declared by the schema.
	Provider Provider
	Logger   *slog.Logger
}

func (s *VaultSource) Name() SourceName { return SourceVault }

func (s *VaultSource) Resolve(ctx context.Context, schema *Schema, state State) (map[string]any, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := s.Provider
	if p == nil {
		if !schema.Declared {
			return nil, nil
		}
		p = schema.Provider
	}
	if err := validProvider(p); err != nil {
		return nil, err
	}

	if !missingRequired(schema, state) {
		logger.Debug("vault source skipped, required fields present",
			"settings", schema.Type.String())
		return nil, nil
	}

	label := DescribeProvider(p)
	logger.Debug("querying vault provider", "settings", schema.Type.String(), "provider", label)

	raw, err := p.Fetch(ctx)
	if err != nil {
		return nil, &RetrievalError{Provider: label, Err: err}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		vars[schema.normalizeKey(k)] = StringValue(v)
	}

	out := make(map[string]any)
	for path, v := range matchStrings(schema, vars, true) {
		if !state.Has(path) {
			out[path] = v
		}
	}
	logger.Debug("vault provider resolved fields", "settings", schema.Type.String(), "count", len(out))
	return out, nil
}

// missingRequired reports whether any required field lacks a value.
func missingRequired(schema *Schema, state State) bool {
	for _, f := range schema.Required() {
		if !state.Has(f.Path) {
			return true
		}
	}
	return false
}
