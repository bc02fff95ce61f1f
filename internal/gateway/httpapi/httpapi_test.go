package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/ratelimit"
	"github.com/jkaninda/scratchd/internal/toolchain"
)

type staticToolchains struct {
	toolchains []toolchain.Toolchain
	platforms  []toolchain.Platform
}

func (s staticToolchains) Toolchains() []toolchain.Toolchain { return s.toolchains }
func (s staticToolchains) Platforms() []toolchain.Platform   { return s.platforms }

type limiterFunc func(ctx context.Context, key string) error

func (f limiterFunc) Allow(ctx context.Context, key string) error { return f(ctx, key) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGateway(limiter ratelimit.RateLimiter) *Gateway {
	tcs := staticToolchains{
		toolchains: []toolchain.Toolchain{
			{ID: "gcc2.95mips", Arch: "mips", Compiler: "gcc", Version: "2.95", Platform: "n64", Executable: "/secret/path/cc1"},
		},
		platforms: []toolchain.Platform{
			{ID: "n64", Name: "Nintendo 64", Description: "MIPS R4300i", Arch: "mips"},
		},
	}
	return NewGateway(Config{APIKeys: map[string]string{"k1": "ci"}}, nil, tcs, limiter, testLogger())
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestCompilersHandler(t *testing.T) {
	g := testGateway(nil)
	h := g.compilersHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/compilers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Last-Modified"); got != g.bootTime.UTC().Format(http.TimeFormat) {
		t.Errorf("Last-Modified = %q", got)
	}
	if strings.Contains(rec.Body.String(), "/secret/path") {
		t.Error("executable path leaked into compilers view")
	}

	var body CompilersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Compilers["gcc2.95mips"].Platform != "n64" {
		t.Errorf("compilers = %+v", body.Compilers)
	}
	if p := body.Platforms["n64"]; p.Name != "Nintendo 64" || p.Arch != "mips" {
		t.Errorf("platforms = %+v", body.Platforms)
	}
}

func TestCompilersHandler_HeadAndConditional(t *testing.T) {
	g := testGateway(nil)
	h := g.compilersHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/v1/compilers", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD: status %d, body %d bytes", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("HEAD without Last-Modified")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/compilers", nil)
	req.Header.Set("If-Modified-Since", g.bootTime.Add(time.Second).UTC().Format(http.TimeFormat))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", rec.Code)
	}
}

func TestAuthenticateStd(t *testing.T) {
	g := testGateway(nil)
	h := g.authenticateStd(okHandler)

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"no credentials", "/x", "", http.StatusUnauthorized},
		{"wrong key", "/x", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/x", "Bearer k1", http.StatusNoContent},
		{"query token", "/x?token=k1", "", http.StatusNoContent},
		{"basic scheme", "/x", "Basic k1", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthenticateStd_RateLimited(t *testing.T) {
	var seen string
	g := testGateway(limiterFunc(func(_ context.Context, key string) error {
		seen = key
		return ratelimit.ErrRateLimited
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	g.authenticateStd(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if seen != "ci" {
		t.Errorf("limited key = %q, want client name", seen)
	}
}

func TestAllow_BackendErrorFailsOpen(t *testing.T) {
	g := testGateway(limiterFunc(func(context.Context, string) error {
		return errors.New("redis: connection refused")
	}))
	if !g.allow(context.Background(), "ci") {
		t.Error("limiter backend failure should not reject requests")
	}
}

func TestLimitBody(t *testing.T) {
	g := NewGateway(Config{MaxRequestSize: 4}, nil, nil, nil, testLogger())
	h := g.limitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body: status %d", rec.Code)
	}
}

func TestValidateRequest(t *testing.T) {
	full := domain.CompileRequest{Arch: "mips", Compiler: "gcc", Source: "int x;"}
	if msg := validateRequest(&full); msg != "" {
		t.Errorf("valid request rejected: %s", msg)
	}
	for _, tt := range []struct {
		mutate func(*domain.CompileRequest)
		want   string
	}{
		{func(r *domain.CompileRequest) { r.Arch = "" }, "arch"},
		{func(r *domain.CompileRequest) { r.Compiler = "" }, "compiler"},
		{func(r *domain.CompileRequest) { r.Source = "" }, "source"},
	} {
		r := full
		tt.mutate(&r)
		if msg := validateRequest(&r); !strings.Contains(msg, tt.want) {
			t.Errorf("message %q does not mention %s", msg, tt.want)
		}
	}
}

func TestHistoryFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/history?arch=mips&outcome=TIMED_OUT&limit=5", nil)
	f, err := historyFilter(req)
	if err != nil {
		t.Fatal(err)
	}
	if f.Arch != "mips" || f.Outcome != domain.OutcomeTimedOut || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}

	for _, q := range []string{"outcome=MAYBE", "limit=0", "limit=x"} {
		if _, err := historyFilter(httptest.NewRequest(http.MethodGet, "/v1/history?"+q, nil)); err == nil {
			t.Errorf("%s: expected error", q)
		}
	}
}

func TestNewReferenceRecord_Raw(t *testing.T) {
	rec := newReferenceRecord("sha256:abc", "blob", []byte{1, 2, 3})
	if rec.Format != "raw" || rec.Size != 3 || rec.Name != "blob" {
		t.Errorf("record = %+v", rec)
	}
}
