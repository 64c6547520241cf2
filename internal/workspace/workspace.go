// Package workspace owns the ephemeral directory of a single run: job
// lists, generated run scripts and result documents. Everything created
// inside is removed by Close.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CZERTAINLY/basinstats/internal/jobs"
	"github.com/CZERTAINLY/basinstats/internal/model"

	"gopkg.in/yaml.v3"
)

const resultsDir = "results"

type Workspace struct {
	mx     sync.Mutex
	dir    string
	root   *os.Root
	keep   bool
	closed bool

	resultsOnce sync.Once
	results     string
	resultsErr  error
}

// Open creates a fresh uniquely named directory inside parent. Empty
// parent means os.TempDir. The runID becomes a part of the name.
func Open(parent, runID string) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir, err := os.MkdirTemp(parent, "basinstats-"+runID+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", errors.Join(model.ErrWorkspace, err))
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("workspace path: %w", errors.Join(model.ErrWorkspace, err))
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("opening workspace: %w", errors.Join(model.ErrWorkspace, err))
	}
	return &Workspace{dir: dir, root: root}, nil
}

// Keep makes Close leave the directory on disk, useful for debugging
// of engine commands.
func (w *Workspace) Keep(keep bool) *Workspace {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.keep = keep
	return w
}

// Dir returns the absolute path of the workspace
func (w *Workspace) Dir() string {
	return w.dir
}

// Sub creates a fresh sub directory and returns its absolute path
func (w *Workspace) Sub(name string) (string, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if err := w.check(); err != nil {
		return "", err
	}
	if err := w.root.Mkdir(name, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", name, errors.Join(model.ErrWorkspace, err))
	}
	return filepath.Join(w.dir, name), nil
}

// Results creates the directory for result documents on a first call
// and returns its path
func (w *Workspace) Results() (string, error) {
	w.resultsOnce.Do(func() {
		w.results, w.resultsErr = w.Sub(resultsDir)
	})
	return w.results, w.resultsErr
}

// ResultPath is the deterministic path of the result document of uid.
// It equals to the output path jobs.Build uses for the Results directory.
func (w *Workspace) ResultPath(uid string) string {
	return jobs.ResultPath(filepath.Join(w.dir, resultsDir), uid)
}

// WriteJobList stores the command list of a batch as YAML
func (w *Workspace) WriteJobList(phase model.Phase, list []model.Job) (string, error) {
	b, err := yaml.Marshal(struct {
		Phase model.Phase `yaml:"phase"`
		Jobs  []model.Job `yaml:"jobs"`
	}{Phase: phase, Jobs: list})
	if err != nil {
		return "", fmt.Errorf("encoding job list: %w", err)
	}
	return w.write("jobs_"+string(phase)+".yaml", b, 0o644)
}

// WriteScript writes a generated shell script which reproduces a batch
func (w *Workspace) WriteScript(phase model.Phase, lines []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("# generated by basinstats, phase " + string(phase) + "\n")
	sb.WriteString("set -u\n")
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return w.write("run_"+string(phase)+".sh", []byte(sb.String()), 0o755)
}

func (w *Workspace) write(name string, b []byte, perm os.FileMode) (string, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if err := w.check(); err != nil {
		return "", err
	}
	f, err := w.root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", name, errors.Join(model.ErrWorkspace, err))
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing %s: %w", name, errors.Join(model.ErrWorkspace, err))
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, errors.Join(model.ErrWorkspace, err))
	}
	return filepath.Join(w.dir, name), nil
}

func (w *Workspace) check() error {
	if w.closed {
		return fmt.Errorf("workspace already closed: %w", model.ErrWorkspace)
	}
	return nil
}

// Close removes the workspace with everything inside. It is safe to call
// Close more than once, only the first call does the work.
func (w *Workspace) Close(ctx context.Context) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.root.Close(); err != nil {
		errs = append(errs, err)
	}
	if w.keep {
		slog.InfoContext(ctx, "workspace kept", "dir", w.dir)
	} else if err := os.RemoveAll(w.dir); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing workspace %s: %w", w.dir, errors.Join(append([]error{model.ErrWorkspace}, errs...)...))
	}
	slog.DebugContext(ctx, "workspace closed", "dir", w.dir)
	return nil
}
