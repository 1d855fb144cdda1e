// Package awssm reads vault values from an AWS Secrets Manager secret whose
// payload is a JSON object.
package awssm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/lixenwraith/vaultenv"
)

// SecretsManagerClient captures the subset of the AWS Secrets Manager client
// used by the provider. *secretsmanager.Client satisfies this interface.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Provider loads one secret.
type Provider struct {
	secretID     string
	region       string
	versionStage *string
	callOpts     []func(*secretsmanager.Options)

	mu     sync.Mutex
	client SecretsManagerClient
}

// Option configures the AWS provider.
type Option func(*Provider)

// WithClient sets the client. Without it a client is built from the default
// AWS configuration chain on first fetch.
func WithClient(client SecretsManagerClient) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// WithRegion sets the region used for the default client.
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithVersionStage requests a specific version stage (defaults to AWSCURRENT).
func WithVersionStage(stage string) Option {
	return func(p *Provider) {
		if stage != "" {
			p.versionStage = aws.String(stage)
		}
	}
}

// WithClientOptions forwards Secrets Manager call options to each fetch.
func WithClientOptions(opts ...func(*secretsmanager.Options)) Option {
	return func(p *Provider) {
		p.callOpts = append(p.callOpts, opts...)
	}
}

// New constructs a Secrets Manager provider for secretID.
func New(secretID string, opts ...Option) (*Provider, error) {
	if secretID == "" {
		return nil, errors.New("awssm: secret id cannot be empty")
	}
	p := &Provider{secretID: secretID}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Describe names the secret.
func (p *Provider) Describe() string { return "awssm:" + p.secretID }

// Fetch retrieves the secret and decodes its JSON object payload.
func (p *Provider) Fetch(ctx context.Context) (map[string]any, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	}
	if p.versionStage != nil {
		input.VersionStage = p.versionStage
	}
	out, err := client.GetSecretValue(ctx, input, p.callOpts...)
	if err != nil {
		return nil, vaultenv.BackendError(err.Error())
	}

	switch {
	case out.SecretString != nil:
		return vaultenv.DecodeJSONObject([]byte(aws.ToString(out.SecretString)))
	case len(out.SecretBinary) > 0:
		return vaultenv.DecodeJSONObject(out.SecretBinary)
	}
	return nil, fmt.Errorf("%w: secret %q contained no payload", vaultenv.ErrSchemaMismatch, p.secretID)
}

func (p *Provider) getClient(ctx context.Context) (SecretsManagerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("awssm: load aws config: %w", err)
	}
	p.client = secretsmanager.NewFromConfig(cfg)
	return p.client, nil
}
