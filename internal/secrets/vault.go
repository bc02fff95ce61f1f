package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultProvider resolves references from a HashiCorp Vault KV engine with
// token authentication. Reference format: "vault://secret/data/scratchd/db#dsn".
// The path is the full API path and the field selector is required.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	kvVersion int
	client    *http.Client
}

// NewVaultProvider builds the provider from its config block. Keys:
// address, token, namespace, kv_version (1 or 2, default 2), timeout
// (default 5s) and tls_skip_verify.
// VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE override the first three.
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	address := cfg["address"]
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set config key 'address' or VAULT_ADDR)")
	}
	address = strings.TrimRight(address, "/")

	token := cfg["token"]
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set config key 'token' or VAULT_TOKEN)")
	}

	namespace := cfg["namespace"]
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	kvVersion := 2
	switch cfg["kv_version"] {
	case "", "2":
	case "1":
		kvVersion = 1
	default:
		return nil, fmt.Errorf("invalid vault kv_version %q", cfg["kv_version"])
	}

	timeout := 5 * time.Second
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", t, err)
		}
		timeout = d
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg["tls_skip_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: namespace,
		kvVersion: kvVersion,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return "", fmt.Errorf("%w: vault provider only handles vault:// references, got %q", ErrNotFound, ref)
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" || field == "" {
		return "", fmt.Errorf("%w: vault reference %q needs a path and a #field", ErrNotFound, ref)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return str, nil
}

// read fetches the key/value pairs stored at path. KV v2 nests them one
// level deeper than v1.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrNotFound, path)
	case http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q", path)
	default:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if p.kvVersion == 2 {
		var v2 struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body.Data, &v2); err != nil {
			return nil, fmt.Errorf("parsing vault kv v2 data: %w", err)
		}
		return v2.Data, nil
	}
	var v1 map[string]any
	if err := json.Unmarshal(body.Data, &v1); err != nil {
		return nil, fmt.Errorf("parsing vault kv v1 data: %w", err)
	}
	return v1, nil
}
