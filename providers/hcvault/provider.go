// Package hcvault reads vault values from a HashiCorp Vault KV v2 secret.
// Every key of the secret's data map becomes one value.
package hcvault

import (
	"context"
	"errors"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/lixenwraith/vaultenv"
)

// DefaultMount is the KV v2 mount used when none is given.
const DefaultMount = "secret"

// KV is the subset of the Vault KV v2 interface the provider depends on.
type KV interface {
	Get(ctx context.Context, path string) (*vaultapi.KVSecret, error)
}

// Provider loads one KV v2 secret.
type Provider struct {
	kv    KV
	mount string
	path  string
}

// New creates a provider reading path through kv.
func New(kv KV, path string) (*Provider, error) {
	if kv == nil {
		return nil, errors.New("hcvault: KV accessor is required")
	}
	if path == "" {
		return nil, errors.New("hcvault: secret path cannot be empty")
	}
	return &Provider{kv: kv, path: path}, nil
}

// FromClient derives the KV accessor from a Vault client and mount path.
func FromClient(client *vaultapi.Client, mount, path string) (*Provider, error) {
	if client == nil {
		return nil, errors.New("hcvault: client is required")
	}
	if mount == "" {
		mount = DefaultMount
	}
	p, err := New(client.KVv2(mount), path)
	if err != nil {
		return nil, err
	}
	p.mount = mount
	return p, nil
}

// FromEnvironment builds a client from VAULT_ADDR, VAULT_TOKEN and the other
// standard Vault environment variables.
func FromEnvironment(address, mount, path string) (*Provider, error) {
	cfg := vaultapi.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("hcvault: %w", cfg.Error)
	}
	if address != "" {
		cfg.Address = address
	}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("hcvault: create client: %w", err)
	}
	return FromClient(client, mount, path)
}

// Describe names the secret location.
func (p *Provider) Describe() string {
	if p.mount == "" {
		return "hcvault:" + p.path
	}
	return fmt.Sprintf("hcvault:%s/%s", p.mount, p.path)
}

// Fetch returns the secret's data map.
func (p *Provider) Fetch(ctx context.Context) (map[string]any, error) {
	secret, err := p.kv.Get(ctx, p.path)
	if err != nil {
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			return nil, vaultenv.BackendError(fmt.Sprintf("secret %q not found", p.path))
		}
		return nil, vaultenv.BackendError(err.Error())
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: secret %q contained no data", vaultenv.ErrSchemaMismatch, p.path)
	}
	out := make(map[string]any, len(secret.Data))
	for k, v := range secret.Data {
		out[k] = v
	}
	return out, nil
}
