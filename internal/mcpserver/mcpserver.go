// Package mcpserver exposes the compile and diff engine as MCP tools over
// stdio, so editors and assistants can drive matching sessions directly.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/scheduler"
	"github.com/jkaninda/scratchd/internal/toolchain"
)

const defaultWaitTimeout = 2 * time.Minute

// JobService submits compile jobs. *scheduler.Scheduler satisfies it.
type JobService interface {
	Submit(ctx context.Context, req domain.CompileRequest) (*scheduler.Job, error)
	Cancel(id string) error
}

// Toolchains lists installed toolchains. *toolchain.Registry satisfies it.
type Toolchains interface {
	Toolchains() []toolchain.Toolchain
}

// References fetches stored binaries. refstore.Store satisfies it.
type References interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// Config names the server and bounds each compile call.
type Config struct {
	Name        string
	Version     string
	WaitTimeout time.Duration
}

// Server holds the MCP tool set.
type Server struct {
	jobs        JobService
	toolchains  Toolchains
	refs        References
	waitTimeout time.Duration
	logger      *slog.Logger
	mcp         *server.MCPServer
}

// New builds the server and registers its tools. refs may be nil, in which
// case the diff tool is not offered and compile ignores reference ids.
func New(jobs JobService, tcs Toolchains, refs References, cfg Config, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "scratchd"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	s := &Server{
		jobs:        jobs,
		toolchains:  tcs,
		refs:        refs,
		waitTimeout: cfg.WaitTimeout,
		logger:      logger,
		mcp:         server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, e.g. for an in-process client.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves requests on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("compile",
		mcp.WithDescription("Compile a source file with an installed toolchain and return the outcome, "+
			"compiler output and, when reference_id is given, a diff against that reference."),
		mcp.WithString("arch", mcp.Required(), mcp.Description("Target architecture, e.g. mips")),
		mcp.WithString("compiler", mcp.Required(), mcp.Description("Compiler name, e.g. gcc")),
		mcp.WithString("version", mcp.Description("Compiler version; empty selects the default")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source text")),
		mcp.WithArray("flags", mcp.Description("Extra compiler flags"), mcp.WithStringItems()),
		mcp.WithString("reference_id", mcp.Description("Stored reference to diff against (sha256:<hex>)")),
		mcp.WithBoolean("only_edits", mcp.Description("Omit matched rows from the diff listing")),
	), s.handleCompile)

	if s.refs != nil {
		s.mcp.AddTool(mcp.NewTool("diff",
			mcp.WithDescription("Diff two stored binaries instruction by instruction."),
			mcp.WithString("reference_id", mcp.Required(), mcp.Description("Reference binary id")),
			mcp.WithString("candidate_id", mcp.Required(), mcp.Description("Candidate binary id")),
			mcp.WithBoolean("only_edits", mcp.Description("Omit matched rows from the listing")),
		), s.handleDiff)
	}

	s.mcp.AddTool(mcp.NewTool("list_toolchains",
		mcp.WithDescription("List installed toolchains by arch, compiler and version."),
	), s.handleListToolchains)
}

// compileSummary is the compile tool's JSON output. The artifact itself is
// reported by size only.
type compileSummary struct {
	JobID             string         `json:"job_id"`
	Outcome           domain.Outcome `json:"outcome"`
	ExitCode          int            `json:"exit_code"`
	Stdout            string         `json:"stdout,omitempty"`
	Stderr            string         `json:"stderr,omitempty"`
	ArtifactSize      int            `json:"artifact_size"`
	ArtifactTruncated bool           `json:"artifact_truncated,omitempty"`
	Duration          string         `json:"duration"`
	Error             string         `json:"error,omitempty"`
	Similarity        *float64       `json:"similarity,omitempty"`
	DiffError         string         `json:"diff_error,omitempty"`
}

func summarize(jobID string, r *scheduler.Result) compileSummary {
	sum := compileSummary{
		JobID:             jobID,
		Outcome:           r.Outcome,
		ExitCode:          r.ExitCode,
		Stdout:            r.Stdout,
		Stderr:            r.Stderr,
		ArtifactSize:      len(r.Artifact),
		ArtifactTruncated: r.ArtifactTruncated,
		Duration:          r.Duration.String(),
		Error:             r.Error,
		DiffError:         r.DiffError,
	}
	if r.Diff != nil {
		sim := r.Diff.Similarity
		sum.Similarity = &sim
	}
	return sum
}

func (s *Server) handleCompile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var cr domain.CompileRequest
	var err error
	if cr.Arch, err = req.RequireString("arch"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if cr.Compiler, err = req.RequireString("compiler"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if cr.Source, err = req.RequireString("source"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cr.Version = req.GetString("version", "")
	cr.Flags = req.GetStringSlice("flags", nil)
	if s.refs != nil {
		cr.ReferenceID = req.GetString("reference_id", "")
	}

	job, err := s.jobs.Submit(ctx, cr)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("submitting job", err), nil
	}
	s.logger.Info("mcp compile submitted",
		slog.String("job_id", job.ID),
		slog.String("arch", cr.Arch),
		slog.String("compiler", cr.Compiler),
	)

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	result, err := job.Wait(waitCtx)
	if err != nil {
		_ = s.jobs.Cancel(job.ID)
		return mcp.NewToolResultErrorFromErr(fmt.Sprintf("job %s did not finish", job.ID), err), nil
	}

	data, err := json.MarshalIndent(summarize(job.ID, result), "", "  ")
	if err != nil {
		return nil, err
	}
	content := []mcp.Content{mcp.NewTextContent(string(data))}
	if result.Diff != nil {
		var buf bytes.Buffer
		if err := result.Diff.WriteText(&buf, req.GetBool("only_edits", false)); err != nil {
			return nil, err
		}
		content = append(content, mcp.NewTextContent(buf.String()))
	}
	return &mcp.CallToolResult{Content: content}, nil
}

func (s *Server) handleDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refID, err := req.RequireString("reference_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	candID, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ref, err := s.refs.Get(ctx, refID)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("loading reference", err), nil
	}
	cand, err := s.refs.Get(ctx, candID)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("loading candidate", err), nil
	}

	result := diff.Diff(ref, cand)
	var buf bytes.Buffer
	if err := result.WriteText(&buf, req.GetBool("only_edits", false)); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (s *Server) handleListToolchains(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tcs := s.toolchains.Toolchains()
	if tcs == nil {
		tcs = []toolchain.Toolchain{}
	}
	data, err := json.MarshalIndent(tcs, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
