package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// jobPrefix names every job tree under JobsDir.
const jobPrefix = "job-"

// Layout is the fixed directory layout of one job tree.
type Layout struct {
	Root    string // <jobs>/job-<id>
	Src     string // staged source
	Include string // staged auxiliary files
	Out     string // compiler output
	Tmp     string // tmpfs mount point
	Wine    string // per-job WINEPREFIX
}

func newLayout(root string) Layout {
	return Layout{
		Root:    root,
		Src:     filepath.Join(root, "src"),
		Include: filepath.Join(root, "src", "include"),
		Out:     filepath.Join(root, "out"),
		Tmp:     filepath.Join(root, "tmp"),
		Wine:    filepath.Join(root, "wine"),
	}
}

// Job is an ephemeral tree owned by exactly one compilation.
// Destroy must be called on every path; it is idempotent.
type Job struct {
	ID     string
	Layout Layout

	destroyed bool
}

// CreateJob creates a fresh job tree. The name is unique per call; an existing
// directory with the same name is an error, never reused.
func (w *Workspace) CreateJob() (*Job, error) {
	id := uuid.NewString()
	root := filepath.Join(w.JobsDir(), jobPrefix+id)
	if err := os.Mkdir(root, 0700); err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	layout := newLayout(root)
	for _, d := range []string{layout.Src, layout.Include, layout.Out, layout.Tmp, layout.Wine} {
		if err := os.MkdirAll(d, 0700); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Job{ID: id, Layout: layout}, nil
}

// WriteSource stages the main source file under src/.
func (j *Job) WriteSource(name string, content []byte) (string, error) {
	return j.write(j.Layout.Src, name, content)
}

// WriteInclude stages an auxiliary file under src/include/ and returns the
// path it was written to. The name is sanitized first; a collision is an error.
func (j *Job) WriteInclude(name string, content []byte) (string, error) {
	return j.write(j.Layout.Include, name, content)
}

func (j *Job) write(dir, name string, content []byte) (string, error) {
	if j.destroyed {
		return "", fmt.Errorf("job %s: already destroyed", j.ID)
	}
	path := filepath.Join(dir, SanitizeName(name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return "", fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// Destroy removes the job tree.
func (j *Job) Destroy() error {
	if j.destroyed {
		return nil
	}
	j.destroyed = true
	return removeTree(j.Layout.Root)
}

// removeTree is os.RemoveAll that first restores write permission on
// directories the compiler may have chmod'ed read-only.
func removeTree(root string) error {
	if err := os.RemoveAll(root); err == nil {
		return nil
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0700)
		}
		return nil
	})
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("removing %s: %w", root, err)
	}
	return nil
}

// SweepJobs removes job trees last modified before cutoff and returns how many
// were removed. Live jobs are younger than their timeout, so a cutoff older
// than the timeout only hits trees orphaned by a crash.
func (w *Workspace) SweepJobs(cutoff time.Time) (int, error) {
	dir := w.JobsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading jobs dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), jobPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := removeTree(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Exists reports whether the job tree is still on disk.
func (j *Job) Exists() bool {
	_, err := os.Stat(j.Layout.Root)
	return err == nil
}
