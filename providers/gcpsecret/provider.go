// Package gcpsecret reads vault values from a Google Secret Manager secret
// whose payload is a JSON object.
package gcpsecret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/lixenwraith/vaultenv"
)

// Client represents the subset of the Secret Manager client used.
type Client interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// Provider fetches one secret version.
type Provider struct {
	client  Client
	secret  string
	project string
	version string
}

// Option configures the provider.
type Option func(*Provider)

// WithClient sets the client. Without it a client is created from
// application default credentials for each fetch and closed afterwards.
func WithClient(client Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// WithProject sets the project used to expand short secret names.
func WithProject(projectID string) Option {
	return func(p *Provider) {
		p.project = projectID
	}
}

// WithVersion overrides the default version (latest).
func WithVersion(version string) Option {
	return func(p *Provider) {
		if version != "" {
			p.version = version
		}
	}
}

// New constructs a provider. secret is either a full resource name
// (projects/*/secrets/*/versions/*) or a short name combined with WithProject.
func New(secret string, opts ...Option) (*Provider, error) {
	if secret == "" {
		return nil, errors.New("gcpsecret: secret name cannot be empty")
	}
	p := &Provider{secret: secret, version: "latest"}
	for _, opt := range opts {
		opt(p)
	}
	if !strings.HasPrefix(secret, "projects/") && p.project == "" {
		return nil, errors.New("gcpsecret: project must be set when using short secret names")
	}
	return p, nil
}

// ResourceName returns the fully qualified secret version name.
func (p *Provider) ResourceName() string {
	if strings.HasPrefix(p.secret, "projects/") {
		return p.secret
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", p.project, p.secret, p.version)
}

// Describe names the secret.
func (p *Provider) Describe() string { return "gcpsecret:" + p.ResourceName() }

// Fetch accesses the secret version and decodes its JSON object payload.
func (p *Provider) Fetch(ctx context.Context) (map[string]any, error) {
	client := p.client
	if client == nil {
		c, err := secretmanager.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcpsecret: create client: %w", err)
		}
		defer c.Close()
		client = c
	}

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: p.ResourceName()})
	if err != nil {
		return nil, vaultenv.BackendError(err.Error())
	}
	if resp.GetPayload() == nil || len(resp.GetPayload().GetData()) == 0 {
		return nil, fmt.Errorf("%w: secret payload empty", vaultenv.ErrSchemaMismatch)
	}
	return vaultenv.DecodeJSONObject(resp.GetPayload().GetData())
}
