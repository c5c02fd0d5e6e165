package gate

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gateline/internal/domain"
)

// Context is the read-only view a validator receives. Validators share one
// Context per run and must not mutate anything reachable from it.
type Context struct {
	runID    string
	root     string
	manifest *domain.Manifest
	files    FileTree
	tests    TestRunner
}

// ContextOptions builds a Context.
type ContextOptions struct {
	RunID       string
	ProjectRoot string
	Manifest    *domain.Manifest
	Files       FileTree
	Tests       TestRunner
}

func NewContext(opts ContextOptions) *Context {
	files := opts.Files
	if files == nil {
		files = OSFileTree{Root: opts.ProjectRoot, SkipDirs: DefaultSkipDirs()}
	}
	return &Context{
		runID:    opts.RunID,
		root:     opts.ProjectRoot,
		manifest: opts.Manifest.Clone(),
		files:    files,
		tests:    opts.Tests,
	}
}

func (c *Context) RunID() string       { return c.runID }
func (c *Context) ProjectRoot() string { return c.root }
func (c *Context) Files() FileTree     { return c.files }

// Tests returns the injected test runner, or nil.
func (c *Context) Tests() TestRunner { return c.tests }

// Manifest returns a copy of the run's manifest, or nil when none is attached.
func (c *Context) Manifest() *domain.Manifest { return c.manifest.Clone() }

// FileTree gives validators access to the project's source files. Paths are
// slash-separated and relative to the project root.
type FileTree interface {
	List() ([]string, error)
	ReadFile(rel string) ([]byte, error)
	Exists(rel string) bool
}

func DefaultSkipDirs() map[string]bool {
	return map[string]bool{
		".git":         true,
		"node_modules": true,
		"vendor":       true,
		"dist":         true,
		"build":        true,
		".gateline":    true,
	}
}

// OSFileTree reads files from disk under Root.
type OSFileTree struct {
	Root     string
	SkipDirs map[string]bool
	MaxFiles int
}

const defaultMaxFiles = 20000

// List returns every regular file under Root, skipping SkipDirs by name.
func (t OSFileTree) List() ([]string, error) {
	root := filepath.Clean(t.Root)
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}
	limit := t.MaxFiles
	if limit <= 0 {
		limit = defaultMaxFiles
	}
	errLimit := errors.New("max files reached")
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && t.SkipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		if len(out) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return out, nil
}

func (t OSFileTree) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(t.Root, filepath.FromSlash(rel)))
}

func (t OSFileTree) Exists(rel string) bool {
	info, err := os.Stat(filepath.Join(t.Root, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// TestReport is the outcome of running a test file.
type TestReport struct {
	Passed   bool
	ExitCode int
	Output   string
	Duration time.Duration
}

// TestRunner runs a project's tests for one file.
type TestRunner interface {
	Run(ctx context.Context, projectRoot, testFile string) (TestReport, error)
}

// CommandTestRunner runs Command through Shell with {file} replaced by the
// test file path. A non-zero exit is a failing report, not an error.
type CommandTestRunner struct {
	Command string
	Shell   string
	Timeout time.Duration
}

func (r CommandTestRunner) Run(ctx context.Context, projectRoot, testFile string) (TestReport, error) {
	if strings.TrimSpace(r.Command) == "" {
		return TestReport{}, errors.New("test command is empty")
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, shell, "-c", strings.ReplaceAll(r.Command, "{file}", testFile))
	cmd.Dir = projectRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	rep := TestReport{Output: out.String(), Duration: time.Since(start)}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			rep.ExitCode = ee.ExitCode()
			return rep, nil
		}
		return rep, err
	}
	rep.Passed = true
	return rep, nil
}
