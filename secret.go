package vaultenv

import "log/slog"

const secretMask = "********"

// Secret holds a sensitive string. It prints masked through fmt and slog;
// use Reveal for the raw value.
type Secret string

// String masks the value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// GoString masks the value for %#v.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// Reveal returns the raw value.
func (s Secret) Reveal() string { return string(s) }
