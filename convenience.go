package vaultenv

import (
	"context"
	"fmt"
)

// Load resolves target with the default chain: environment, ".env" in the
// working directory, then the provider declared by target's type.
func Load(ctx context.Context, target any) error {
	_, err := NewBuilder().Build().Load(ctx, target)
	return err
}

// Quick resolves target with an explicit env file and init values.
func Quick(ctx context.Context, target any, envFile string, values map[string]any) error {
	_, err := NewBuilder().
		WithEnvFile(envFile).
		WithInit(values).
		Build().
		Load(ctx, target)
	return err
}

// MustLoad is like Load but panics on error
func MustLoad(ctx context.Context, target any) {
	if err := Load(ctx, target); err != nil {
		panic(fmt.Sprintf("settings load failed: %v", err))
	}
}
