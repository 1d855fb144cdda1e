// Package onepassword reads vault values from a 1Password item through the
// op command line tool.
package onepassword

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/lixenwraith/vaultenv"
)

// DefaultExecutable is the 1Password CLI binary name.
const DefaultExecutable = "op"

// Runner executes a command and returns its captured output streams.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// Provider fetches every labelled field of one 1Password item.
type Provider struct {
	vault      string
	entry      string
	executable string
	account    string
	run        Runner
}

// Option configures the provider.
type Option func(*Provider)

// WithExecutable overrides the op binary path.
func WithExecutable(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.executable = path
		}
	}
}

// WithAccount selects a signed-in account when several are configured.
func WithAccount(account string) Option {
	return func(p *Provider) {
		p.account = account
	}
}

// WithRunner replaces command execution, mainly for tests.
func WithRunner(run Runner) Option {
	return func(p *Provider) {
		if run != nil {
			p.run = run
		}
	}
}

// New creates a provider for entry in vault.
func New(vault, entry string, opts ...Option) *Provider {
	p := &Provider{
		vault:      vault,
		entry:      entry,
		executable: DefaultExecutable,
		run:        execRunner,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Describe names the item without revealing its contents.
func (p *Provider) Describe() string {
	return fmt.Sprintf("1password:%s/%s", p.vault, p.entry)
}

// Args returns the command line arguments passed to the executable.
func (p *Provider) Args() []string {
	args := []string{"item", "get", p.entry, "--vault", p.vault, "--format", "json"}
	if p.account != "" {
		args = append(args, "--account", p.account)
	}
	return args
}

// Fetch runs op and maps field labels to values.
func (p *Provider) Fetch(ctx context.Context) (map[string]any, error) {
	stdout, stderr, err := p.run(ctx, p.executable, p.Args()...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: install op or set the executable path (%s)", vaultenv.ErrExecutableNotFound, p.executable)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, vaultenv.BackendError(strings.TrimSpace(string(stderr)))
		}
		return nil, fmt.Errorf("failed to run %s: %w", p.executable, err)
	}

	item, err := parseItem(stdout)
	if err != nil {
		return nil, err
	}
	return item.values(), nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
