// Package workspace manages the scratch root and the ephemeral per-job
// trees compilations run in.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns the scratch root. Job trees live under <root>/jobs.
type Workspace struct {
	Root string
	jobs string
}

// New resolves root (a leading ~ is the home directory) and creates it along
// with the jobs directory. The jobs directory is forced to 0700 even when it
// already exists, since the process sandbox relies on nobody else reading it.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	if resolved == filepath.Dir(resolved) {
		return nil, fmt.Errorf("workspace root %q is a filesystem root", root)
	}
	if err := os.MkdirAll(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	jobs := filepath.Join(resolved, "jobs")
	if err := os.MkdirAll(jobs, 0o700); err != nil {
		return nil, fmt.Errorf("creating jobs directory: %w", err)
	}
	if err := os.Chmod(jobs, 0o700); err != nil {
		return nil, fmt.Errorf("restricting jobs directory: %w", err)
	}
	return &Workspace{Root: resolved, jobs: jobs}, nil
}

// JobsDir returns <root>/jobs. Every job tree is a direct child; the
// process sandbox hides this directory from the child except for its own job.
func (w *Workspace) JobsDir() string { return w.jobs }

func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// maxNameLen bounds sanitized file names.
const maxNameLen = 128

// SanitizeName reduces an untrusted file name hint to a single safe path
// element: directories are stripped, anything outside [A-Za-z0-9._-] becomes
// '_', and names that would be hidden or traverse become '_'-prefixed.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name = b.String()
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	if name == "" {
		name = "_"
	}
	return name
}
