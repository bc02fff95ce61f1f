package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestIsRef(t *testing.T) {
	tests := map[string]bool{
		"env://DB_DSN":            true,
		"vault://secret/data/x#k": true,
		"env://":                  false,
		"postgres://u@h/db":       false,
		"redis-password":          false,
		"":                        false,
	}
	for in, want := range tests {
		if got := IsRef(in); got != want {
			t.Errorf("IsRef(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("SCRATCHD_TEST_SECRET", "hunter2")
	p := NewEnvProvider()

	got, err := p.Resolve(context.Background(), "env://SCRATCHD_TEST_SECRET")
	if err != nil || got != "hunter2" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
	if _, err := p.Resolve(context.Background(), "env://SCRATCHD_TEST_UNSET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unset variable: %v", err)
	}
	if _, err := p.Resolve(context.Background(), "vault://x#y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong scheme: %v", err)
	}
}

func TestChain_DispatchesByScheme(t *testing.T) {
	t.Setenv("SCRATCHD_TEST_SECRET", "from-env")
	c := NewChain(NewEnvProvider())

	got, err := c.Resolve(context.Background(), "env://SCRATCHD_TEST_SECRET")
	if err != nil || got != "from-env" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
	if _, err := c.Resolve(context.Background(), "vault://secret/data/x#k"); err == nil {
		t.Error("vault reference without a vault provider should fail")
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("SCRATCHD_TEST_SECRET", "resolved")
	c := NewChain(NewEnvProvider())

	got, err := Expand(context.Background(), c, "plain-value")
	if err != nil || got != "plain-value" {
		t.Errorf("literal: %q, %v", got, err)
	}
	got, err = Expand(context.Background(), c, "env://SCRATCHD_TEST_SECRET")
	if err != nil || got != "resolved" {
		t.Errorf("reference: %q, %v", got, err)
	}
}
