package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func kvV2(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"data": data, "metadata": map[string]any{"version": 1}},
	})
	return b
}

// clearVaultEnv keeps the host environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, cfg map[string]string, h http.HandlerFunc) *VaultProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	if cfg == nil {
		cfg = map[string]string{}
	}
	if _, ok := cfg["address"]; !ok {
		cfg["address"] = srv.URL
	}
	if _, ok := cfg["token"]; !ok {
		cfg["token"] = "test-token"
	}
	vp, err := NewVaultProvider(cfg)
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultProvider_Resolve(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/scratchd/db" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2(map[string]any{"dsn": "postgres://u:p@db/scratchd", "port": 5432}))
	})

	got, err := vp.Resolve(context.Background(), "vault://secret/data/scratchd/db#dsn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://u:p@db/scratchd" {
		t.Errorf("got %q", got)
	}

	if _, err := vp.Resolve(context.Background(), "vault://secret/data/scratchd/db#port"); err == nil {
		t.Error("non-string field should fail")
	}
}

func TestVaultProvider_KVv1(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, map[string]string{"kv_version": "1"}, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"password": "hunter2"}})
	})
	got, err := vp.Resolve(context.Background(), "vault://kv/scratchd/redis#password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("got %q", got)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		ref      string
		notFound bool
	}{
		{"missing path", http.StatusNotFound, "vault://secret/data/missing#k", true},
		{"missing field", http.StatusOK, "vault://secret/data/app#nonexistent", true},
		{"no field selector", http.StatusOK, "vault://secret/data/app", true},
		{"empty path", http.StatusOK, "vault://", true},
		{"wrong scheme", http.StatusOK, "env://MY_KEY", true},
		{"forbidden", http.StatusForbidden, "vault://secret/data/app#k", false},
		{"server error", http.StatusBadGateway, "vault://secret/data/app#k", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearVaultEnv(t)
			vp := newVault(t, nil, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.status == http.StatusOK {
					w.Write(kvV2(map[string]any{"k": "v"}))
				}
			})
			_, err := vp.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrNotFound); got != tt.notFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v (%v)", got, tt.notFound, err)
			}
		})
	}
}

func TestVaultProvider_EnvOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("X-Vault-Namespace") != "env-ns" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write(kvV2(map[string]any{"key": "value"}))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "env-ns")

	vp, err := NewVaultProvider(map[string]string{
		"address":   "http://should-be-overridden:8200",
		"token":     "should-be-overridden",
		"namespace": "config-ns",
	})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	got, err := vp.Resolve(context.Background(), "vault://secret/data/test#key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "value" {
		t.Errorf("got %q", got)
	}
}

func TestNewVaultProvider_Validation(t *testing.T) {
	clearVaultEnv(t)
	for name, cfg := range map[string]map[string]string{
		"no address":  {"token": "t"},
		"no token":    {"address": "http://localhost:8200"},
		"bad timeout": {"address": "http://localhost:8200", "token": "t", "timeout": "soon"},
		"bad kv":      {"address": "http://localhost:8200", "token": "t", "kv_version": "3"},
	} {
		if _, err := NewVaultProvider(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
