package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/runner"
	"github.com/jkaninda/scratchd/internal/scheduler"
	"github.com/jkaninda/scratchd/internal/toolchain"
)

type echoCompiler struct{}

// Compile emits the source bytes as the artifact.
func (echoCompiler) Compile(_ context.Context, id string, req domain.CompileRequest, observe runner.Observer) domain.CompileResult {
	observe(id, domain.StateCreated)
	observe(id, domain.StateRunning)
	observe(id, domain.OutcomeState(domain.OutcomeSucceeded))
	observe(id, domain.StateTornDown)
	return domain.CompileResult{
		Outcome:  domain.OutcomeSucceeded,
		Stdout:   "ok",
		Artifact: []byte(req.Source),
	}
}

type staticToolchains []toolchain.Toolchain

func (s staticToolchains) Toolchains() []toolchain.Toolchain { return s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *refstore.FileStore) {
	t.Helper()
	refs, err := refstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(echoCompiler{}, scheduler.Config{MaxConcurrent: 2}, testLogger(),
		scheduler.WithReferences(refs))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	tcs := staticToolchains{{ID: "gcc2.95mips", Arch: "mips", Compiler: "gcc", Version: "2.95", Family: "gcc"}}
	return New(sched, tcs, refs, Config{Version: "test"}, testLogger()), refs
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func texts(t *testing.T, res *mcp.CallToolResult) []string {
	t.Helper()
	var out []string
	for _, c := range res.Content {
		tc, ok := mcp.AsTextContent(c)
		if !ok {
			t.Fatalf("non-text content %T", c)
		}
		out = append(out, tc.Text)
	}
	return out
}

func TestCompileTool(t *testing.T) {
	s, refs := newTestServer(t)
	refID, err := refs.Put(context.Background(), []byte("abcd"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.handleCompile(context.Background(), callRequest("compile", map[string]any{
		"arch":         "mips",
		"compiler":     "gcc",
		"source":       "abcd",
		"flags":        []any{"-O2"},
		"reference_id": refID,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %v", texts(t, res))
	}
	out := texts(t, res)
	if len(out) != 2 {
		t.Fatalf("want summary and diff listing, got %d parts", len(out))
	}

	var sum compileSummary
	if err := json.Unmarshal([]byte(out[0]), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Outcome != domain.OutcomeSucceeded || sum.ArtifactSize != 4 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Similarity == nil || *sum.Similarity != 100 {
		t.Errorf("similarity = %v", sum.Similarity)
	}
	if !strings.Contains(out[1], "similarity 100.00%") {
		t.Errorf("listing = %q", out[1])
	}
}

func TestCompileTool_MissingArgs(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleCompile(context.Background(), callRequest("compile", map[string]any{"arch": "mips"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected a tool error for missing compiler")
	}
}

func TestDiffTool(t *testing.T) {
	s, refs := newTestServer(t)
	ctx := context.Background()
	a, _ := refs.Put(ctx, []byte{1, 2, 3, 4})
	b, _ := refs.Put(ctx, []byte{1, 2, 9, 4})

	res, err := s.handleDiff(ctx, callRequest("diff", map[string]any{
		"reference_id": a,
		"candidate_id": b,
		"only_edits":   true,
	}))
	if err != nil {
		t.Fatal(err)
	}
	out := texts(t, res)[0]
	if !strings.Contains(out, "changed 1  inserted 0  deleted 0") {
		t.Errorf("listing = %q", out)
	}
}

func TestDiffTool_UnknownReference(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleDiff(context.Background(), callRequest("diff", map[string]any{
		"reference_id": refstore.IDFor([]byte("x")),
		"candidate_id": refstore.IDFor([]byte("y")),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected tool error")
	}
}

func TestInProcessClient(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatal(err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"compile", "diff", "list_toolchains"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}

	res, err := c.CallTool(ctx, callRequest("list_toolchains", nil))
	if err != nil {
		t.Fatal(err)
	}
	var tcs []toolchain.Toolchain
	if err := json.Unmarshal([]byte(texts(t, res)[0]), &tcs); err != nil {
		t.Fatal(err)
	}
	if len(tcs) != 1 || tcs[0].ID != "gcc2.95mips" {
		t.Errorf("toolchains = %+v", tcs)
	}
}
