// Package config holds the settings shared by every stage of an
// instrumentation run. A Config is built once at startup and passed down.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Runtime names the symbols generated code links against.
type Runtime struct {
	// DispatchAccessor returns the cross-domain dispatch entry point. Its
	// address is also the boundary callbacks are compared against.
	DispatchAccessor string
	// ThunkLookup resolves a thunk handle from a reduced signature.
	ThunkLookup string
	// FailureMessage is the printf format reported when a lookup fails.
	FailureMessage string
}

// Clang configures the front end.
type Clang struct {
	Path        string
	ResourceDir string
	Timeout     time.Duration
}

// Config is the complete configuration of a run.
type Config struct {
	// IgnoreFunctions lists functions whose bodies are not scanned.
	IgnoreFunctions []string
	GuardPrefix     string
	Runtime         Runtime
	// AllowList restricts instrumentation to these reduced signatures.
	// A nil set allows everything.
	AllowList map[string]bool
	Clang     Clang
	// Verify enables the syntax check of generated output.
	Verify bool
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		IgnoreFunctions: []string{"bsearch"},
		GuardPrefix:     "__GUARD_",
		Runtime: Runtime{
			DispatchAccessor: "QEMU_NC_GetHostExecuteCallback",
			ThunkLookup:      "QEMU_NC_LookUpGuestThunk",
			FailureMessage:   `Host Library: Failed to get callback thunk of \"%s\"\n`,
		},
		Clang:  Clang{Path: "clang", Timeout: 2 * time.Minute},
		Verify: true,
	}
}

// Ignored reports whether the body of the named function is skipped.
func (c Config) Ignored(name string) bool {
	return lo.Contains(c.IgnoreFunctions, name)
}

// Allowed reports whether a call site with the given reduced signature may
// be instrumented.
func (c Config) Allowed(reduced string) bool {
	if c.AllowList == nil {
		return true
	}
	return c.AllowList[reduced]
}

// Validate checks that generated identifiers will be well formed.
func (c Config) Validate() error {
	if !isIdent(c.GuardPrefix) {
		return fmt.Errorf("guard prefix %q is not a C identifier", c.GuardPrefix)
	}
	for _, sym := range []string{c.Runtime.DispatchAccessor, c.Runtime.ThunkLookup} {
		if !isIdent(sym) {
			return fmt.Errorf("runtime symbol %q is not a C identifier", sym)
		}
	}
	return nil
}

func isIdent(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// LoadAllowList reads a newline-delimited list of reduced signatures.
// Blank lines and lines starting with # are skipped.
func LoadAllowList(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening callback list: %w", err)
	}
	defer f.Close()

	set := make(map[string]bool)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading callback list: %w", err)
	}
	return set, nil
}
