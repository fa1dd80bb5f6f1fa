package main

import (
	"fmt"
	"os"
	"strings"
)

const (
	sentinelStart = "# cfiguard:start"
	sentinelEnd   = "# cfiguard:end"
)

// updateCallbacks records sigs in the callback list at path. The generated
// lines are wrapped in sentinel comments so later runs replace them without
// touching hand-written entries. The file is created if it does not exist.
func updateCallbacks(path string, sigs []string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	updated := applySection(string(existing), callbackSection(sigs))
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// callbackSection returns the sentinel-wrapped block listing sigs.
func callbackSection(sigs []string) string {
	var b strings.Builder
	b.WriteString(sentinelStart + "\n")
	b.WriteString("# Reduced signatures guarded by the last batch run.\n")
	for _, s := range sigs {
		b.WriteString(s + "\n")
	}
	b.WriteString(sentinelEnd)
	return b.String()
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if content != "" {
		content += "\n"
	}
	return content + section + "\n"
}
