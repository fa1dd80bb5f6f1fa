// Package discover reads compilation databases and selects the entries to
// instrument.
package discover

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/cfiguard/internal/lang"
)

// Entry is one record of a compile_commands.json file.
type Entry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// Load reads the compilation database at path.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compilation database: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	for i, e := range entries {
		if e.File == "" {
			return nil, fmt.Errorf("%s: entry %d has no file", path, i)
		}
		if e.Command == "" && len(e.Arguments) == 0 {
			return nil, fmt.Errorf("%s: entry %d (%s) has neither command nor arguments", path, i, e.File)
		}
	}
	return entries, nil
}

// Source returns the absolute path of the entry's source file.
func (e Entry) Source() string {
	if filepath.IsAbs(e.File) {
		return filepath.Clean(e.File)
	}
	return filepath.Join(e.Directory, e.File)
}

// Argv returns the full compiler command line.
func (e Entry) Argv() ([]string, error) {
	if len(e.Arguments) > 0 {
		return e.Arguments, nil
	}
	argv, err := shlex.Split(e.Command)
	if err != nil {
		return nil, fmt.Errorf("splitting command for %s: %w", e.File, err)
	}
	return argv, nil
}

// Compiler returns argv[0].
func (e Entry) Compiler() (string, error) {
	argv, err := e.Argv()
	if err != nil {
		return "", err
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command for %s", e.File)
	}
	return argv[0], nil
}

// flags that consume the following argument and are dropped with it.
var dropWithValue = map[string]struct{}{
	"-o":  {},
	"-MF": {},
	"-MT": {},
	"-MQ": {},
}

var dropAlone = map[string]struct{}{
	"-c":   {},
	"-MD":  {},
	"-MMD": {},
	"-MP":  {},
	"-M":   {},
	"-MM":  {},
}

// Flags returns the entry's compiler arguments in pass-through form: without
// the compiler, the output and dependency-file options, -c, and the source.
// Relative paths stay relative to Directory.
func (e Entry) Flags() ([]string, error) {
	argv, err := e.Argv()
	if err != nil {
		return nil, err
	}
	if len(argv) > 0 {
		argv = argv[1:]
	}
	src := e.Source()
	var flags []string
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		if _, ok := dropWithValue[a]; ok {
			i++
			continue
		}
		if _, ok := dropAlone[a]; ok {
			continue
		}
		if glued(a) {
			continue
		}
		if a == e.File || e.resolve(a) == src {
			continue
		}
		flags = append(flags, a)
	}
	return flags, nil
}

// glued reports an output or dependency option written with its value.
func glued(a string) bool {
	for f := range dropWithValue {
		if len(a) > len(f) && strings.HasPrefix(a, f) {
			return true
		}
	}
	return false
}

func (e Entry) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.Directory, p)
}

// Filter returns the C entries of entries, sorted by source path, without
// duplicates and without those whose path relative to root matches the
// gitignore-style patterns of excludeFile (if set) or patterns.
func Filter(entries []Entry, root, excludeFile string, patterns []string) ([]Entry, error) {
	var gi *ignore.GitIgnore
	if excludeFile != "" {
		var err error
		gi, err = ignore.CompileIgnoreFileAndLines(excludeFile, patterns...)
		if err != nil {
			return nil, fmt.Errorf("reading exclude file: %w", err)
		}
	} else if len(patterns) > 0 {
		gi = ignore.CompileIgnoreLines(patterns...)
	}

	seen := make(map[string]struct{}, len(entries))
	var results []Entry
	for _, e := range entries {
		src := e.Source()
		if lang.ForExtension(filepath.Ext(src)) != "c" {
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}

		rel := src
		if root != "" {
			if r, err := filepath.Rel(root, src); err == nil && !strings.HasPrefix(r, "..") {
				rel = r
			}
		}
		if gi != nil && gi.MatchesPath(rel) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Source() < results[j].Source()
	})
	return results, nil
}
