package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phobologic/cfiguard/internal/config"
)

// TestApplySectionCreate verifies that applySection on empty content yields
// just the section with a trailing newline.
func TestApplySectionCreate(t *testing.T) {
	t.Parallel()
	section := callbackSection([]string{"int (int)"})
	got := applySection("", section)
	if got != section+"\n" {
		t.Errorf("got %q", got)
	}
}

// TestApplySectionAppend verifies that hand-written entries are preserved and
// the section is appended after a blank line.
func TestApplySectionAppend(t *testing.T) {
	t.Parallel()
	existing := "# extra callbacks\nvoid (void *)"
	section := sentinelStart + "\nint ()\n" + sentinelEnd
	got := applySection(existing, section)

	if !strings.HasPrefix(got, existing+"\n\n") {
		t.Errorf("existing content should be preserved at start:\n%s", got)
	}
	if !strings.HasSuffix(got, section+"\n") {
		t.Errorf("section should be appended:\n%s", got)
	}
}

// TestApplySectionUpdate verifies that an existing sentinel block is replaced
// precisely, leaving surrounding content intact.
func TestApplySectionUpdate(t *testing.T) {
	t.Parallel()
	before := "void (void *)\n\n"
	after := "\nlong (long)\n"
	old := before + sentinelStart + "\nint (int)\n" + sentinelEnd + after

	got := applySection(old, callbackSection([]string{"char (char)"}))

	if !strings.HasPrefix(got, before) {
		t.Errorf("content before sentinel should be preserved:\n%s", got)
	}
	if !strings.HasSuffix(got, after) {
		t.Errorf("content after sentinel should be preserved:\n%s", got)
	}
	if strings.Contains(got, "int (int)") {
		t.Error("old entries should be replaced")
	}
	if !strings.Contains(got, "char (char)") {
		t.Error("new entry missing")
	}
}

// TestUpdateCallbacksIdempotent verifies that writing the same signatures
// twice produces identical files, readable as a callback list.
func TestUpdateCallbacksIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callbacks.txt")
	sigs := []string{"int (int, int)", "void ()"}

	if err := updateCallbacks(path, sigs); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := os.ReadFile(path)
	if err := updateCallbacks(path, sigs); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Errorf("update is not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}

	allow, err := config.LoadAllowList(path)
	if err != nil {
		t.Fatalf("LoadAllowList: %v", err)
	}
	if len(allow) != 2 || !allow["int (int, int)"] || !allow["void ()"] {
		t.Errorf("allow list = %v", allow)
	}
}
