package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://NAME" from the process environment.
type EnvProvider struct{}

// NewEnvProvider returns an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return "", fmt.Errorf("%w: env provider only handles env:// references, got %q", ErrNotFound, ref)
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return value, nil
}
