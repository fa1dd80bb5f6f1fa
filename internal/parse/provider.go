package parse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/phobologic/cfiguard/internal/ast"
)

// DefaultTimeout bounds a single clang invocation.
const DefaultTimeout = 2 * time.Minute

// ClangError reports a failed front end run.
type ClangError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ClangError) Error() string {
	msg := fmt.Sprintf("clang %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

func (e *ClangError) Unwrap() error { return e.Err }

// Clang parses files by running clang with -ast-dump=json.
type Clang struct {
	Path        string
	Dir         string
	ResourceDir string
	Timeout     time.Duration
}

// Args returns the clang arguments used to dump file.
func (c *Clang) Args(file string, flags []string) []string {
	args := []string{"-x", "c", "-fsyntax-only", "-Xclang", "-ast-dump=json"}
	if c.ResourceDir != "" {
		args = append(args, "-resource-dir", c.ResourceDir)
	}
	args = append(args, flags...)
	return append(args, file)
}

// Parse implements ast.Provider.
func (c *Clang) Parse(ctx context.Context, file string, flags []string) (*ast.TranslationUnit, error) {
	source, err := os.ReadFile(c.resolve(file))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}

	path := c.Path
	if path == "" {
		path = "clang"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.Args(file, flags)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = c.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &ClangError{Args: args, Err: err}
	}

	tu, decodeErr := Decode(stdout, file, source)
	if decodeErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return nil, &ClangError{Args: args, Stderr: stderr.String(), Err: err}
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return tu, nil
}

func (c *Clang) resolve(file string) string {
	if c.Dir == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.Dir, file)
}

// File serves a previously produced JSON dump instead of running clang.
type File struct {
	Path string
}

// Parse implements ast.Provider. Flags are ignored.
func (f *File) Parse(_ context.Context, file string, _ []string) (*ast.TranslationUnit, error) {
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	dump, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("opening AST dump: %w", err)
	}
	defer dump.Close()
	return Decode(dump, file, source)
}
