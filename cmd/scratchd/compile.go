package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

var compileOpts struct {
	arch      string
	compiler  string
	version   string
	flags     []string
	includes  []string
	reference string
	output    string
	asJSON    bool
	onlyEdits bool
}

var compileCmd = &cobra.Command{
	Use:   "compile <source-file>",
	Short: "Compile one source file in the sandbox and optionally diff it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

func init() {
	f := compileCmd.Flags()
	f.StringVar(&compileOpts.arch, "arch", "", "target architecture (required)")
	f.StringVar(&compileOpts.compiler, "compiler", "", "compiler name (required)")
	f.StringVar(&compileOpts.version, "compiler-version", "", "compiler version; empty selects the default")
	f.StringArrayVar(&compileOpts.flags, "flag", nil, "compiler flag, repeatable")
	f.StringArrayVar(&compileOpts.includes, "include", nil, "auxiliary file staged next to the source, repeatable")
	f.StringVar(&compileOpts.reference, "reference", "", "reference object file to diff against")
	f.StringVarP(&compileOpts.output, "output", "o", "", "write the artifact to this path")
	f.BoolVar(&compileOpts.asJSON, "json", false, "print the result as JSON")
	f.BoolVar(&compileOpts.onlyEdits, "only-edits", false, "omit matched rows from the diff listing")
	_ = compileCmd.MarkFlagRequired("arch")
	_ = compileCmd.MarkFlagRequired("compiler")
}

func runCompile(_ *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := buildCompileRequest(args[0])
	if err != nil {
		return err
	}
	var reference []byte
	if compileOpts.reference != "" {
		if reference, err = os.ReadFile(compileOpts.reference); err != nil {
			return fmt.Errorf("reading reference: %w", err)
		}
	}

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := sc.Scheduler.Submit(ctx, req)
	if err != nil {
		return err
	}
	finished, err := job.Wait(ctx)
	if err != nil {
		_ = sc.Scheduler.Cancel(job.ID)
		return fmt.Errorf("waiting for job %s: %w", job.ID, err)
	}
	result := *finished

	if reference != nil && result.Succeeded() {
		d := diff.Diff(reference, result.Artifact)
		result.Diff = &d
	}
	if compileOpts.output != "" && result.Succeeded() {
		if err := os.WriteFile(compileOpts.output, result.Artifact, 0o644); err != nil {
			return fmt.Errorf("writing artifact: %w", err)
		}
	}

	if err := printResult(job.ID, &result); err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("compilation finished with %s", result.Outcome)
	}
	return nil
}

// buildCompileRequest reads the source and auxiliary files named on the
// command line.
func buildCompileRequest(sourcePath string) (domain.CompileRequest, error) {
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return domain.CompileRequest{}, fmt.Errorf("reading source: %w", err)
	}
	req := domain.CompileRequest{
		Source:   string(src),
		Arch:     compileOpts.arch,
		Compiler: compileOpts.compiler,
		Version:  compileOpts.version,
		Flags:    compileOpts.flags,
	}
	for _, p := range compileOpts.includes {
		content, err := os.ReadFile(p)
		if err != nil {
			return req, fmt.Errorf("reading include: %w", err)
		}
		req.AuxFiles = append(req.AuxFiles, domain.AuxFile{Name: filepath.Base(p), Content: content})
	}
	return req, nil
}

func printResult(jobID string, r *scheduler.Result) error {
	if compileOpts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			JobID string `json:"job_id"`
			*scheduler.Result
		}{jobID, r})
	}

	fmt.Printf("job %s: %s (exit %d, %s)\n", jobID, r.Outcome, r.ExitCode, r.Duration)
	if r.Stdout != "" {
		fmt.Println(r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Fprintln(os.Stderr, r.Stderr)
	}
	if r.Error != "" {
		fmt.Fprintln(os.Stderr, r.Error)
	}
	if r.Succeeded() {
		fmt.Printf("artifact: %d bytes", len(r.Artifact))
		if r.ArtifactTruncated {
			fmt.Print(" (truncated)")
		}
		fmt.Println()
	}
	if r.Diff != nil {
		fmt.Println()
		return r.Diff.WriteText(os.Stdout, compileOpts.onlyEdits)
	}
	return nil
}
