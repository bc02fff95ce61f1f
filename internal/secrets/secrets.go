// Package secrets resolves credential references found in configuration
// values, so DSNs, Redis passwords and API keys need not live in the config
// file. A reference looks like "env://NAME" or "vault://path#field"; any
// other value is used as-is.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Provider resolves references of one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Scheme is the reference prefix without "://", e.g. "env".
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsRef reports whether v is a credential reference rather than a literal.
func IsRef(v string) bool {
	scheme, rest, ok := strings.Cut(v, "://")
	return ok && rest != "" && (scheme == "env" || scheme == "vault")
}

// Chain dispatches each reference to the provider registered for its scheme.
type Chain struct {
	providers map[string]Provider
}

// NewChain registers providers by scheme. A later provider replaces an
// earlier one with the same scheme.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		c.providers[p.Scheme()] = p
	}
	return c
}

func (c *Chain) Scheme() string { return "chain" }

// Resolve resolves ref with the provider for its scheme.
func (c *Chain) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return "", fmt.Errorf("%w: %q is not a reference", ErrNotFound, ref)
	}
	p, ok := c.providers[scheme]
	if !ok {
		return "", fmt.Errorf("no secret provider configured for %s:// references", scheme)
	}
	return p.Resolve(ctx, ref)
}

// Expand resolves v when it is a reference and returns it unchanged
// otherwise.
func Expand(ctx context.Context, p Provider, v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	return p.Resolve(ctx, v)
}
