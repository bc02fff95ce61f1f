// Package domain defines the request, result and state types shared by the
// compile pipeline.
package domain

import (
	"errors"
	"time"
)

// ErrUnknownToolchain is returned when (arch, compiler, version) does not
// resolve to an installed toolchain.
var ErrUnknownToolchain = errors.New("unknown toolchain")

// Outcome is the terminal tag of a compile job.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "SUCCEEDED"
	OutcomeCompileError     Outcome = "COMPILE_ERROR"
	OutcomeTimedOut         Outcome = "TIMED_OUT"
	OutcomeSandboxViolation Outcome = "SANDBOX_VIOLATION"
	OutcomeCancelled        Outcome = "CANCELLED"
	OutcomeInternalError    Outcome = "INTERNAL_ERROR"
	OutcomeUnknownToolchain Outcome = "UNKNOWN_TOOLCHAIN"
)

// Outcomes lists every outcome in a stable order.
var Outcomes = []Outcome{
	OutcomeSucceeded,
	OutcomeCompileError,
	OutcomeTimedOut,
	OutcomeSandboxViolation,
	OutcomeCancelled,
	OutcomeInternalError,
	OutcomeUnknownToolchain,
}

// State is a step in a job's lifecycle. Terminal outcomes are states too,
// see OutcomeState.
type State string

const (
	StateQueued   State = "QUEUED"
	StateCreated  State = "CREATED"
	StateStaging  State = "STAGING"
	StateRunning  State = "RUNNING"
	StateTornDown State = "TORN_DOWN"
)

// OutcomeState returns the lifecycle state that records outcome o.
func OutcomeState(o Outcome) State { return State(o) }

// AuxFile is an auxiliary input such as a header or linker script.
// Name is only a hint: it is sanitized before staging.
type AuxFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// CompileRequest describes one compilation. Treat it as immutable once
// submitted; Clone before handing it to another goroutine.
type CompileRequest struct {
	Source      string    `json:"source"`
	Arch        string    `json:"arch"`
	Compiler    string    `json:"compiler"`
	Version     string    `json:"version,omitempty"`
	Flags       []string  `json:"flags,omitempty"`
	AuxFiles    []AuxFile `json:"aux_files,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
}

// Clone returns a deep copy of r.
func (r CompileRequest) Clone() CompileRequest {
	out := r
	out.Flags = append([]string(nil), r.Flags...)
	if r.AuxFiles != nil {
		out.AuxFiles = make([]AuxFile, len(r.AuxFiles))
		for i, f := range r.AuxFiles {
			out.AuxFiles[i] = AuxFile{Name: f.Name, Content: append([]byte(nil), f.Content...)}
		}
	}
	return out
}

// CompileResult is the single terminal result of a job.
type CompileResult struct {
	Outcome           Outcome       `json:"outcome"`
	ExitCode          int           `json:"exit_code"`
	Stdout            string        `json:"stdout,omitempty"`
	Stderr            string        `json:"stderr,omitempty"`
	Artifact          []byte        `json:"artifact,omitempty"`
	ArtifactTruncated bool          `json:"artifact_truncated,omitempty"`
	Duration          time.Duration `json:"duration"`
	// Error carries engine-side detail for INTERNAL_ERROR and input errors.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the compiler ran and produced an artifact.
func (r CompileResult) Succeeded() bool { return r.Outcome == OutcomeSucceeded }
