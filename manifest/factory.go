package manifest

import (
	"fmt"
	"strings"

	"github.com/lixenwraith/vaultenv"
	"github.com/lixenwraith/vaultenv/providers/awssm"
	"github.com/lixenwraith/vaultenv/providers/gcpsecret"
	"github.com/lixenwraith/vaultenv/providers/hcvault"
	"github.com/lixenwraith/vaultenv/providers/onepassword"
	"github.com/lixenwraith/vaultenv/providers/static"
)

// Factory constructs a provider from its manifest entry.
type Factory func(spec ProviderSpec) (vaultenv.Provider, error)

// Factories maps provider type names to their factory.
type Factories map[string]Factory

// DefaultFactories returns the factories for the built-in providers.
func DefaultFactories() Factories {
	return Factories{
		"onepassword": newOnePassword,
		"1password":   newOnePassword,
		"hcvault":     newHCVault,
		"vault":       newHCVault,
		"awssm":       newAWSSM,
		"gcpsecret":   newGCPSecret,
		"static":      newStatic,
	}
}

// Build constructs the provider for spec. Unknown types are rejected with
// vaultenv.ErrInvalidProvider.
func (f Factories) Build(spec ProviderSpec) (vaultenv.Provider, error) {
	factory, ok := f[strings.ToLower(spec.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", vaultenv.ErrInvalidProvider, spec.Type)
	}
	return factory(spec)
}

func newOnePassword(spec ProviderSpec) (vaultenv.Provider, error) {
	if spec.Vault == "" || spec.Entry == "" {
		return nil, fmt.Errorf("%w: onepassword requires vault and entry", vaultenv.ErrInvalidProvider)
	}
	var opts []onepassword.Option
	if spec.Executable != "" {
		opts = append(opts, onepassword.WithExecutable(spec.Executable))
	}
	if spec.Account != "" {
		opts = append(opts, onepassword.WithAccount(spec.Account))
	}
	return onepassword.New(spec.Vault, spec.Entry, opts...), nil
}

func newHCVault(spec ProviderSpec) (vaultenv.Provider, error) {
	p, err := hcvault.FromEnvironment(spec.Address, spec.Mount, spec.Path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newAWSSM(spec ProviderSpec) (vaultenv.Provider, error) {
	var opts []awssm.Option
	if spec.Region != "" {
		opts = append(opts, awssm.WithRegion(spec.Region))
	}
	if spec.VersionStage != "" {
		opts = append(opts, awssm.WithVersionStage(spec.VersionStage))
	}
	p, err := awssm.New(spec.SecretID, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newGCPSecret(spec ProviderSpec) (vaultenv.Provider, error) {
	var opts []gcpsecret.Option
	if spec.Project != "" {
		opts = append(opts, gcpsecret.WithProject(spec.Project))
	}
	if spec.Version != "" {
		opts = append(opts, gcpsecret.WithVersion(spec.Version))
	}
	p, err := gcpsecret.New(spec.Secret, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newStatic(spec ProviderSpec) (vaultenv.Provider, error) {
	return static.New(spec.Name, spec.Values), nil
}
